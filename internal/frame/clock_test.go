package frame

import (
	"testing"
	"time"
)

func TestClock_NextStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	c := NewClock()
	prev := ""
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		ts := c.Next()
		if ts <= prev {
			t.Fatalf("timestamp %d not increasing: %q <= %q", i, ts, prev)
		}
		if _, dup := seen[ts]; dup {
			t.Fatalf("duplicate timestamp %q", ts)
		}
		seen[ts] = struct{}{}
		prev = ts
	}
}

func TestClock_NextWithFrozenWallClock(t *testing.T) {
	t.Parallel()

	frozen := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	c := &Clock{now: func() time.Time { return frozen }}

	a := c.Next()
	b := c.Next()
	d := c.Next()
	if !(a < b && b < d) {
		t.Fatalf("not increasing under frozen clock: %q, %q, %q", a, b, d)
	}
	if len(a) != len(b) || len(b) != len(d) {
		t.Fatalf("timestamps not fixed width: %q, %q, %q", a, b, d)
	}
}

func TestClock_NextFixedWidthFormat(t *testing.T) {
	t.Parallel()

	c := NewClock()
	ts := c.Next()
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t.Fatalf("timestamp %q not parseable: %v", ts, err)
	}
	if parsed.Location() != time.UTC {
		t.Fatalf("timestamp %q not UTC", ts)
	}
	if len(ts) != len("2006-01-02T15:04:05.000000000Z") {
		t.Fatalf("timestamp %q width=%d, want %d", ts, len(ts), len("2006-01-02T15:04:05.000000000Z"))
	}
}
