package frame

import (
	"sync"
	"time"
)

// timestampLayout is fixed-width so timestamps sort correctly as plain text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Clock issues frame timestamps that are strictly increasing and unique
// across the whole process, even when called in a tight loop faster than
// the wall clock advances.
type Clock struct {
	mu   sync.Mutex
	last int64 // unix nanos of the previously issued timestamp
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns the next timestamp. When the wall clock has not advanced
// past the previous call, the value is bumped by one nanosecond instead,
// which preserves lexicographic ordering at the clock's resolution limit.
func (c *Clock) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.now().UTC().UnixNano()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return time.Unix(0, n).UTC().Format(timestampLayout)
}
