package framestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/floegence/frameline/internal/frame"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "frames.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_CreateFrameFillsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	f, err := s.CreateFrame(ctx, CreateFrameSpec{
		SessionID:  "se_1",
		Type:       frame.TypeMessage,
		AuthorType: frame.AuthorUser,
		Payload:    map[string]any{"content": "hello"},
	})
	if err != nil {
		t.Fatalf("CreateFrame: %v", err)
	}
	if f.ID == "" {
		t.Fatalf("id not generated")
	}
	if f.Timestamp == "" {
		t.Fatalf("timestamp not generated")
	}

	got, err := s.GetFrame(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	if got == nil {
		t.Fatalf("frame missing after create")
	}
	payload, ok := got.Payload.(map[string]any)
	if !ok || payload["content"] != "hello" {
		t.Fatalf("payload not round-tripped deserialized: %v", got.Payload)
	}
}

func TestStore_CreateFramesOrderedByTimestamp(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		f, err := s.CreateFrame(ctx, CreateFrameSpec{SessionID: "se_1", Type: frame.TypeMessage, Payload: i})
		if err != nil {
			t.Fatalf("CreateFrame %d: %v", i, err)
		}
		ids = append(ids, f.ID)
	}

	frames, err := s.GetFrames(ctx, "se_1", Query{})
	if err != nil {
		t.Fatalf("GetFrames: %v", err)
	}
	if len(frames) != 20 {
		t.Fatalf("len=%d, want 20", len(frames))
	}
	for i, f := range frames {
		if f.ID != ids[i] {
			t.Fatalf("frame %d out of order: got %q, want %q", i, f.ID, ids[i])
		}
		if i > 0 && frames[i-1].Timestamp >= f.Timestamp {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
}

func TestStore_GetFrameUnknownID(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	got, err := s.GetFrame(context.Background(), "fr_nope")
	if err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	if got != nil {
		t.Fatalf("got=%v, want nil", got)
	}
}

func TestStore_GetFramesUnknownSessionIsEmpty(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	frames, err := s.GetFrames(context.Background(), "se_missing", Query{})
	if err != nil {
		t.Fatalf("GetFrames: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("len=%d, want 0", len(frames))
	}

	n, err := s.CountFrames(context.Background(), "se_missing", CountQuery{})
	if err != nil {
		t.Fatalf("CountFrames: %v", err)
	}
	if n != 0 {
		t.Fatalf("count=%d, want 0", n)
	}
}

func TestStore_GetFramesFilters(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateFrameSpec{ID: "m1", SessionID: "se_1", Type: frame.TypeMessage, Payload: "one"})
	mustCreate(t, s, CreateFrameSpec{ID: "r1", SessionID: "se_1", Type: frame.TypeRequest, Payload: "req"})
	mustCreate(t, s, CreateFrameSpec{ID: "m2", SessionID: "se_1", Type: frame.TypeMessage, Payload: "two"})
	mustCreate(t, s, CreateFrameSpec{ID: "x1", SessionID: "se_other", Type: frame.TypeMessage, Payload: "elsewhere"})

	msgs, err := s.GetFrames(ctx, "se_1", Query{Types: []frame.Type{frame.TypeMessage}})
	if err != nil {
		t.Fatalf("GetFrames types: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("type filter wrong: %v", frameIDs(msgs))
	}

	limited, err := s.GetFrames(ctx, "se_1", Query{Limit: 2})
	if err != nil {
		t.Fatalf("GetFrames limit: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "m1" || limited[1].ID != "r1" {
		t.Fatalf("limit must keep the earliest frames: %v", frameIDs(limited))
	}

	from, err := s.GetFrames(ctx, "se_1", Query{FromTimestamp: limited[1].Timestamp})
	if err != nil {
		t.Fatalf("GetFrames from: %v", err)
	}
	if len(from) != 2 || from[0].ID != "r1" || from[1].ID != "m2" {
		t.Fatalf("from filter wrong (inclusive): %v", frameIDs(from))
	}
}

func TestStore_GetFramesFromCompact(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateFrameSpec{ID: "m1", SessionID: "se_1", Type: frame.TypeMessage, Payload: "before"})
	mustCreate(t, s, CreateFrameSpec{ID: "c1", SessionID: "se_1", Type: frame.TypeCompact, Payload: frame.CompactPayload{Context: "sum", Snapshot: map[string]any{"s1": "x"}}})
	mustCreate(t, s, CreateFrameSpec{ID: "m2", SessionID: "se_1", Type: frame.TypeMessage, Payload: "after"})

	frames, err := s.GetFrames(ctx, "se_1", Query{FromCompact: true})
	if err != nil {
		t.Fatalf("GetFrames: %v", err)
	}
	if len(frames) != 2 || frames[0].ID != "c1" || frames[1].ID != "m2" {
		t.Fatalf("got %v, want [c1 m2]", frameIDs(frames))
	}

	// Without a compact frame the flag must be a no-op.
	mustCreate(t, s, CreateFrameSpec{ID: "n1", SessionID: "se_2", Type: frame.TypeMessage, Payload: "solo"})
	all, err := s.GetFrames(ctx, "se_2", Query{FromCompact: true})
	if err != nil {
		t.Fatalf("GetFrames no compact: %v", err)
	}
	if len(all) != 1 || all[0].ID != "n1" {
		t.Fatalf("got %v, want [n1]", frameIDs(all))
	}
}

func TestStore_GetChildFrames(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateFrameSpec{ID: "req", SessionID: "se_1", Type: frame.TypeRequest, Payload: "call"})
	mustCreate(t, s, CreateFrameSpec{ID: "res1", SessionID: "se_1", ParentID: "req", Type: frame.TypeResult, Payload: "partial"})
	mustCreate(t, s, CreateFrameSpec{ID: "res2", SessionID: "se_1", ParentID: "req", Type: frame.TypeResult, Payload: "final"})

	kids, err := s.GetChildFrames(ctx, "req")
	if err != nil {
		t.Fatalf("GetChildFrames: %v", err)
	}
	if len(kids) != 2 || kids[0].ID != "res1" || kids[1].ID != "res2" {
		t.Fatalf("got %v, want [res1 res2]", frameIDs(kids))
	}
}

func TestStore_GetFramesByTarget(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateFrameSpec{ID: "m1", SessionID: "se_1", Type: frame.TypeMessage, Payload: "hi"})
	mustCreate(t, s, CreateFrameSpec{
		ID:        "u1",
		SessionID: "se_1",
		TargetIDs: []string{frame.FrameTarget("m1"), frame.AgentTarget("7")},
		Type:      frame.TypeUpdate,
		Payload:   "edit",
	})
	mustCreate(t, s, CreateFrameSpec{
		ID:        "u2",
		SessionID: "se_2",
		TargetIDs: []string{frame.FrameTarget("m1")},
		Type:      frame.TypeUpdate,
		Payload:   "other session",
	})

	all, err := s.GetFramesByTarget(ctx, frame.FrameTarget("m1"), "")
	if err != nil {
		t.Fatalf("GetFramesByTarget: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unscoped len=%d, want 2", len(all))
	}

	scoped, err := s.GetFramesByTarget(ctx, frame.FrameTarget("m1"), "se_1")
	if err != nil {
		t.Fatalf("GetFramesByTarget scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "u1" {
		t.Fatalf("scoped got %v, want [u1]", frameIDs(scoped))
	}

	byAgent, err := s.GetFramesByTarget(ctx, frame.AgentTarget("7"), "")
	if err != nil {
		t.Fatalf("GetFramesByTarget agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].ID != "u1" {
		t.Fatalf("agent target got %v, want [u1]", frameIDs(byAgent))
	}
}

func TestStore_GetLatestCompact(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	latest, err := s.GetLatestCompact(ctx, "se_1")
	if err != nil {
		t.Fatalf("GetLatestCompact empty: %v", err)
	}
	if latest != nil {
		t.Fatalf("got=%v, want nil", latest)
	}

	mustCreate(t, s, CreateFrameSpec{ID: "c1", SessionID: "se_1", Type: frame.TypeCompact, Payload: frame.CompactPayload{Context: "first"}})
	mustCreate(t, s, CreateFrameSpec{ID: "m1", SessionID: "se_1", Type: frame.TypeMessage, Payload: "hi"})
	mustCreate(t, s, CreateFrameSpec{ID: "c2", SessionID: "se_1", Type: frame.TypeCompact, Payload: frame.CompactPayload{Context: "second"}})

	latest, err = s.GetLatestCompact(ctx, "se_1")
	if err != nil {
		t.Fatalf("GetLatestCompact: %v", err)
	}
	if latest == nil || latest.ID != "c2" {
		t.Fatalf("got %v, want c2", latest)
	}

	cp, ok := frame.DecodeCompactPayload(latest.Payload)
	if !ok || cp.Context != "second" {
		t.Fatalf("compact payload not decodable: %v", latest.Payload)
	}
}

func TestStore_CountFrames(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, CreateFrameSpec{ID: "m1", SessionID: "se_1", Type: frame.TypeMessage, Payload: "a"})
	mustCreate(t, s, CreateFrameSpec{ID: "r1", SessionID: "se_1", Type: frame.TypeRequest, Payload: "b"})
	mustCreate(t, s, CreateFrameSpec{ID: "m2", SessionID: "se_1", Type: frame.TypeMessage, Payload: "c"})

	n, err := s.CountFrames(ctx, "se_1", CountQuery{})
	if err != nil {
		t.Fatalf("CountFrames: %v", err)
	}
	if n != 3 {
		t.Fatalf("count=%d, want 3", n)
	}

	n, err = s.CountFrames(ctx, "se_1", CountQuery{Types: []frame.Type{frame.TypeMessage}})
	if err != nil {
		t.Fatalf("CountFrames typed: %v", err)
	}
	if n != 2 {
		t.Fatalf("message count=%d, want 2", n)
	}
}

func TestStore_PayloadStringRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	f := mustCreate(t, s, CreateFrameSpec{SessionID: "se_1", Type: frame.TypeMessage, Payload: "plain text"})
	got, err := s.GetFrame(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	if got.Payload != "plain text" {
		t.Fatalf("payload=%v, want plain text", got.Payload)
	}

	nilFrame := mustCreate(t, s, CreateFrameSpec{SessionID: "se_1", Type: frame.TypeMessage})
	got, err = s.GetFrame(ctx, nilFrame.ID)
	if err != nil {
		t.Fatalf("GetFrame nil payload: %v", err)
	}
	if got.Payload != nil {
		t.Fatalf("payload=%v, want nil", got.Payload)
	}
}

func mustCreate(t *testing.T, s *Store, spec CreateFrameSpec) *frame.Frame {
	t.Helper()
	f, err := s.CreateFrame(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateFrame %s: %v", spec.ID, err)
	}
	return f
}

func frameIDs(frames []frame.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.ID)
	}
	return out
}
