// Package convo builds agent-facing conversation views from the frame log.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/floegence/frameline/internal/frame"
	"github.com/floegence/frameline/internal/framestore"
)

// Reader derives conversation text and message counts from the store and
// the frame compiler. It holds no state of its own.
type Reader struct {
	store *framestore.Store
}

func NewReader(store *framestore.Store) *Reader {
	return &Reader{store: store}
}

// CountMessagesSinceCompact counts message frames after the session's
// latest compact boundary, or all message frames when none exists.
func (r *Reader) CountMessagesSinceCompact(ctx context.Context, sessionID string) (int, error) {
	if r == nil || r.store == nil {
		return 0, errors.New("reader not initialized")
	}

	latest, err := r.store.GetLatestCompact(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	q := framestore.CountQuery{Types: []frame.Type{frame.TypeMessage}}
	if latest != nil {
		q.AfterTimestamp = latest.Timestamp
	}
	return r.store.CountFrames(ctx, sessionID, q)
}

// BuildConversationForCompaction renders the post-boundary conversation as
// "<Role>: <text>" lines joined by blank lines, ready to hand to the
// summarization call.
func (r *Reader) BuildConversationForCompaction(ctx context.Context, sessionID string) (string, error) {
	if r == nil || r.store == nil {
		return "", errors.New("reader not initialized")
	}

	frames, err := r.store.GetFrames(ctx, sessionID, framestore.Query{FromCompact: true})
	if err != nil {
		return "", err
	}
	compiled := frame.Compile(frames)

	lines := make([]string, 0, len(frames))
	for _, f := range frames {
		if f.Type != frame.TypeMessage {
			continue
		}
		payload, live := compiled[f.ID]
		if !live {
			continue
		}
		text := strings.TrimSpace(PayloadText(payload))
		if text == "" {
			continue
		}
		lines = append(lines, roleLabel(f.AuthorType)+": "+text)
	}
	return strings.Join(lines, "\n\n"), nil
}

// ContextMessage is one role/content pair ready to feed an agent turn.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// LoadOptions narrows LoadFramesForContext.
type LoadOptions struct {
	// MaxRecentFrames keeps only the most recent N message frames after
	// the boundary. Zero keeps everything.
	MaxRecentFrames int
}

const restoredContextPreamble = "Context restored from a previous conversation summary:\n\n"

// LoadFramesForContext produces the message list for an agent turn: a
// synthesized restored-context message when a compact boundary is present,
// followed by the live post-boundary messages.
//
// Embedded <interaction>...</interaction> markup is stripped from
// user-authored text only; in agent output it is meaningful and kept.
func (r *Reader) LoadFramesForContext(ctx context.Context, sessionID string, opts LoadOptions) ([]ContextMessage, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("reader not initialized")
	}

	frames, err := r.store.GetFrames(ctx, sessionID, framestore.Query{FromCompact: true})
	if err != nil {
		return nil, err
	}
	compiled := frame.Compile(frames)

	out := make([]ContextMessage, 0, len(frames)+1)
	if len(frames) > 0 && frames[0].Type == frame.TypeCompact {
		if cp, ok := frame.DecodeCompactPayload(frames[0].Payload); ok && strings.TrimSpace(cp.Context) != "" {
			out = append(out, ContextMessage{Role: RoleSystem, Content: restoredContextPreamble + strings.TrimSpace(cp.Context)})
		}
	}

	msgs := make([]ContextMessage, 0, len(frames))
	for _, f := range frames {
		if f.Type != frame.TypeMessage {
			continue
		}
		payload, live := compiled[f.ID]
		if !live || frame.IsHiddenPayload(payload) {
			continue
		}
		role := roleFor(f.AuthorType)
		text := strings.TrimSpace(PayloadText(payload))
		if role == RoleUser {
			text = strings.TrimSpace(stripInteractionMarkup(text))
		}
		if text == "" {
			continue
		}
		msgs = append(msgs, ContextMessage{Role: role, Content: text})
	}
	if opts.MaxRecentFrames > 0 && len(msgs) > opts.MaxRecentFrames {
		msgs = msgs[len(msgs)-opts.MaxRecentFrames:]
	}
	return append(out, msgs...), nil
}

// PayloadText extracts display text from a compiled payload value.
//
// A payload is either the text itself, an object carrying it under
// "content" or "text", or something structured with no single text form,
// which falls back to its JSON rendering. The shapes are resolved here,
// once, instead of being sniffed repeatedly downstream.
func PayloadText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if res := gjson.GetBytes(raw, "content"); res.Type == gjson.String {
		return res.Str
	}
	if res := gjson.GetBytes(raw, "text"); res.Type == gjson.String {
		return res.Str
	}
	return string(raw)
}

func roleFor(author frame.AuthorType) string {
	switch author {
	case frame.AuthorAgent:
		return RoleAssistant
	case frame.AuthorSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}

func roleLabel(author frame.AuthorType) string {
	switch author {
	case frame.AuthorAgent:
		return "Assistant"
	case frame.AuthorSystem:
		return "System"
	default:
		return "User"
	}
}

var interactionMarkupRe = regexp.MustCompile(`(?s)<interaction>.*?</interaction>`)

func stripInteractionMarkup(s string) string {
	if !strings.Contains(s, "<interaction>") {
		return s
	}
	return interactionMarkupRe.ReplaceAllString(s, "")
}
