package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/floegence/frameline/internal/frame"
	"github.com/floegence/frameline/internal/notify"
	"github.com/floegence/frameline/internal/sessionlog"
)

func newHandler(logger *slog.Logger, svc *sessionlog.Service, hub *notify.Hub) http.Handler {
	h := &apiHandler{log: logger, svc: svc}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.Handle("GET /ws", hub)

	mux.HandleFunc("POST /api/sessions/{sid}/messages", h.appendMessage)
	mux.HandleFunc("POST /api/sessions/{sid}/updates", h.appendUpdate)
	mux.HandleFunc("POST /api/sessions/{sid}/requests", h.appendRequest)
	mux.HandleFunc("POST /api/sessions/{sid}/results", h.appendResult)
	mux.HandleFunc("POST /api/sessions/{sid}/compact", h.forceCompaction)
	mux.HandleFunc("GET /api/sessions/{sid}/frames", h.listFrames)
	mux.HandleFunc("GET /api/sessions/{sid}/context", h.loadContext)
	mux.HandleFunc("GET /api/frames/{id}", h.getFrame)
	mux.HandleFunc("GET /api/frames/{id}/children", h.getChildren)
	mux.HandleFunc("GET /api/audit", h.listAudit)

	return mux
}

type apiHandler struct {
	log *slog.Logger
	svc *sessionlog.Service
}

type appendMessageRequest struct {
	AuthorType string `json:"author_type"`
	AuthorID   int64  `json:"author_id,omitempty"`
	Payload    any    `json:"payload"`
}

func (h *apiHandler) appendMessage(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.PathValue("sid"))
	var req appendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	f, check, err := h.svc.AppendMessage(r.Context(), sid, authorType(req.AuthorType), req.AuthorID, req.Payload)
	if err != nil {
		h.fail(w, "append message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"frame": f, "compaction": check})
}

type appendUpdateRequest struct {
	TargetFrameID string `json:"target_frame_id"`
	AuthorType    string `json:"author_type"`
	AuthorID      int64  `json:"author_id,omitempty"`
	Payload       any    `json:"payload"`
}

func (h *apiHandler) appendUpdate(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.PathValue("sid"))
	var req appendUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	f, err := h.svc.AppendUpdate(r.Context(), sid, req.TargetFrameID, authorType(req.AuthorType), req.AuthorID, req.Payload)
	if err != nil {
		h.fail(w, "append update", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"frame": f})
}

func (h *apiHandler) appendRequest(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.PathValue("sid"))
	var req appendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	f, err := h.svc.AppendRequest(r.Context(), sid, authorType(req.AuthorType), req.AuthorID, req.Payload)
	if err != nil {
		h.fail(w, "append request", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"frame": f})
}

type appendResultRequest struct {
	RequestFrameID string `json:"request_frame_id"`
	Payload        any    `json:"payload"`
}

func (h *apiHandler) appendResult(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.PathValue("sid"))
	var req appendResultRequest
	if !decodeBody(w, r, &req) {
		return
	}

	f, err := h.svc.AppendResult(r.Context(), sid, req.RequestFrameID, req.Payload)
	if err != nil {
		h.fail(w, "append result", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"frame": f})
}

func (h *apiHandler) forceCompaction(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.PathValue("sid"))
	res := h.svc.ForceCompaction(r.Context(), sid)
	writeJSON(w, http.StatusOK, res)
}

func (h *apiHandler) listFrames(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.PathValue("sid"))
	fromCompact := r.URL.Query().Get("from_compact") == "1"
	limit := queryInt(r, "limit")

	frames, err := h.svc.History(r.Context(), sid, fromCompact, limit)
	if err != nil {
		h.fail(w, "list frames", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": frames})
}

func (h *apiHandler) loadContext(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.PathValue("sid"))
	msgs, err := h.svc.ContextMessages(r.Context(), sid, queryInt(r, "max_recent"))
	if err != nil {
		h.fail(w, "load context", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *apiHandler) getFrame(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	f, err := h.svc.Store().GetFrame(r.Context(), id)
	if err != nil {
		h.fail(w, "get frame", err)
		return
	}
	if f == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "frame not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"frame": f})
}

func (h *apiHandler) getChildren(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	frames, err := h.svc.Store().GetChildFrames(r.Context(), id)
	if err != nil {
		h.fail(w, "get children", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": frames})
}

func (h *apiHandler) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditEntries(queryInt(r, "limit"))
	if err != nil {
		h.fail(w, "list audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *apiHandler) fail(w http.ResponseWriter, action string, err error) {
	h.log.Warn(action+" failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

func authorType(raw string) frame.AuthorType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "agent":
		return frame.AuthorAgent
	case "system":
		return frame.AuthorSystem
	default:
		return frame.AuthorUser
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func queryInt(r *http.Request, key string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
