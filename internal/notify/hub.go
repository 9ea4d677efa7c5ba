// Package notify broadcasts session events to connected websocket
// observers. Delivery is fire-and-forget: a slow or dead subscriber never
// affects the caller.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

// Envelope wraps every broadcast event on the wire.
type Envelope struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	Event     any    `json:"event"`
}

type Options struct {
	Logger *slog.Logger
}

type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{} // session_id -> subscribers
	closed bool
}

// subscriber shutdown closes done rather than send: Notify goroutines may
// still hold a reference after deregistration, and a send on a closed
// channel would panic the process.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket subscription for the
// session given in the "session_id" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "hub not ready", http.StatusServiceUnavailable)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, subscriberBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	h.readLoop(sessionID, sub)
}

// Notify broadcasts an event to every subscriber of the session. It never
// blocks and never reports failure; full subscriber buffers drop.
func (h *Hub) Notify(sessionID string, event any) {
	if h == nil {
		return
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}

	env := Envelope{
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		Event:     event,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.log.Warn("notify marshal failed", "session_id", sessionID, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[sessionID]))
	for sub := range h.subs[sessionID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.send <- raw:
		case <-sub.done:
		default:
			h.log.Warn("notify dropped for slow subscriber", "session_id", sessionID)
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.closed = true
	var all []*subscriber
	for _, subs := range h.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case raw := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				_ = sub.conn.Close()
				return
			}
		case <-sub.done:
			_ = sub.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = sub.conn.Close()
			return
		}
	}
}

// readLoop discards inbound messages; the stream is outbound-only. It
// returns when the peer disconnects.
func (h *Hub) readLoop(sessionID string, sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	if subs := h.subs[sessionID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
	sub.shutdown()
}

func (sub *subscriber) shutdown() {
	sub.once.Do(func() { close(sub.done) })
}
