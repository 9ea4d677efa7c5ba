package frame

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Type classifies a frame within a session log.
type Type string

const (
	TypeMessage Type = "message"
	TypeRequest Type = "request"
	TypeResult  Type = "result"
	TypeUpdate  Type = "update"
	TypeCompact Type = "compact"
)

// AuthorType identifies who produced a frame.
type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

// Frame is one immutable record in a session's append-only log.
//
// Frames are never mutated or deleted once written. Logical edits are
// represented by later "update" frames addressing the original via a
// "frame:<id>" target. Timestamps are the sole ordering key: within a
// session they are strictly increasing and never collide.
type Frame struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// ParentID back-references another frame (e.g. a result points to its
	// request). It forms a forest used by callers for display and audit;
	// replay itself does not consume it.
	ParentID string `json:"parent_id,omitempty"`

	// TargetIDs is an ordered list of addressable refs such as
	// "frame:<id>", "agent:<id>", "user:<id>" or "system:<name>".
	TargetIDs []string `json:"target_ids,omitempty"`

	Timestamp  string     `json:"timestamp"`
	Type       Type       `json:"type"`
	AuthorType AuthorType `json:"author_type"`

	// AuthorID is the optional numeric identity of the author; 0 means unset.
	AuthorID int64 `json:"author_id,omitempty"`

	// Payload is arbitrary structured data. It is persisted serialized and
	// always carried deserialized in memory.
	Payload any `json:"payload,omitempty"`
}

const frameTargetPrefix = "frame:"

// FrameTarget builds a "frame:<id>" target ref.
func FrameTarget(id string) string { return frameTargetPrefix + strings.TrimSpace(id) }

// AgentTarget builds an "agent:<id>" target ref.
func AgentTarget(id string) string { return "agent:" + strings.TrimSpace(id) }

// UserTarget builds a "user:<id>" target ref.
func UserTarget(id string) string { return "user:" + strings.TrimSpace(id) }

// SystemTarget builds a "system:<name>" target ref.
func SystemTarget(name string) string { return "system:" + strings.TrimSpace(name) }

// UpdateTarget returns the frame id addressed by an update frame's
// "frame:<id>" target entry, or "" when none is present.
func (f Frame) UpdateTarget() string {
	for _, t := range f.TargetIDs {
		t = strings.TrimSpace(t)
		if !strings.HasPrefix(t, frameTargetPrefix) {
			continue
		}
		if id := strings.TrimSpace(strings.TrimPrefix(t, frameTargetPrefix)); id != "" {
			return id
		}
	}
	return ""
}

// NewFrameID generates a cryptographically random frame id.
func NewFrameID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "fr_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// CompactPayload is the payload schema of a "compact" frame.
//
// Context is the model-produced summary of everything folded at the
// boundary. Snapshot maps frame id -> materialized payload at compaction
// time and seeds replay after the boundary, so later updates can still
// address frames whose original rows precede the compact frame.
type CompactPayload struct {
	Context  string         `json:"context"`
	Snapshot map[string]any `json:"snapshot"`
}

// DecodeCompactPayload interprets an in-memory payload value as a
// CompactPayload. It accepts the typed struct itself or the generic
// map/string forms a payload takes after a round-trip through storage.
func DecodeCompactPayload(v any) (CompactPayload, bool) {
	switch x := v.(type) {
	case CompactPayload:
		return x, true
	case *CompactPayload:
		if x == nil {
			return CompactPayload{}, false
		}
		return *x, true
	case string:
		var out CompactPayload
		if err := json.Unmarshal([]byte(x), &out); err != nil {
			return CompactPayload{}, false
		}
		return out, true
	case map[string]any:
		out := CompactPayload{}
		if s, ok := x["context"].(string); ok {
			out.Context = s
		}
		if m, ok := x["snapshot"].(map[string]any); ok {
			out.Snapshot = m
		}
		return out, out.Context != "" || out.Snapshot != nil
	default:
		return CompactPayload{}, false
	}
}

// IsHiddenPayload reports whether a materialized payload is marked hidden.
// Hidden entries are excluded from compaction snapshots and from
// agent-facing context so they do not resurrect after a boundary.
func IsHiddenPayload(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	b, ok := m["hidden"].(bool)
	return ok && b
}
