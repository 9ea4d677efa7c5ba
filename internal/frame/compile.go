package frame

import (
	"encoding/json"
	"strings"
)

// Compile replays frames in timestamp order and returns the live
// materialized payload per frame id.
//
// The function is pure and idempotent over its input: it never mutates
// the frames, and two runs over the same slice produce structurally
// identical maps.
//
// When the first frame is a compact boundary, its snapshot seeds the map
// (the compact frame itself gets no entry) and replay continues from the
// frames after it. Update frames replace the value of their "frame:<id>"
// target wholesale; an update whose target is not live is a no-op.
func Compile(frames []Frame) map[string]any {
	out := make(map[string]any, len(frames))
	rest := frames
	if len(frames) > 0 && frames[0].Type == TypeCompact {
		if cp, ok := DecodeCompactPayload(frames[0].Payload); ok {
			for id, v := range cp.Snapshot {
				out[id] = v
			}
		}
		rest = frames[1:]
	}

	for _, f := range rest {
		switch f.Type {
		case TypeMessage, TypeRequest, TypeResult:
			out[f.ID] = NormalizePayload(f.Payload)
		case TypeUpdate:
			target := f.UpdateTarget()
			if target == "" {
				continue
			}
			if _, live := out[target]; live {
				out[target] = f.Payload
			}
		}
	}
	return out
}

// NormalizePayload unwraps a payload that arrived as a JSON-encoded
// string, parsing it exactly once. Anything else passes through as-is.
func NormalizePayload(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	t := strings.TrimSpace(s)
	if t == "" {
		return v
	}
	switch t[0] {
	case '{', '[', '"':
		var parsed any
		if err := json.Unmarshal([]byte(t), &parsed); err == nil {
			return parsed
		}
	}
	return v
}
