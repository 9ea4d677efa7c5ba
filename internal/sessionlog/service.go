// Package sessionlog wires the frame store, context reader, compaction
// scheduler, and notification hub into one service the daemon and other
// writers talk to.
package sessionlog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/floegence/frameline/internal/auditlog"
	"github.com/floegence/frameline/internal/compaction"
	"github.com/floegence/frameline/internal/config"
	"github.com/floegence/frameline/internal/convo"
	"github.com/floegence/frameline/internal/frame"
	"github.com/floegence/frameline/internal/framestore"
)

type Options struct {
	Logger *slog.Logger

	// StateDir holds the frame database and audit trail.
	StateDir string

	// Compaction tunes the scheduler; nil takes every default.
	Compaction *config.Compaction

	// Caller performs summarization calls. Required unless compaction is
	// disabled.
	Caller compaction.AgentCaller

	// Notifier receives compaction events; nil disables broadcasts.
	Notifier compaction.Notifier
}

// Service owns a frame log and its compaction lifecycle.
type Service struct {
	log *slog.Logger

	store  *framestore.Store
	reader *convo.Reader
	sched  *compaction.Scheduler
	audit  *auditlog.Store
}

func NewService(opts Options) (*Service, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	store, err := framestore.Open(filepath.Join(stateDir, "frames.sqlite"))
	if err != nil {
		return nil, err
	}

	audit, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reader := convo.NewReader(store)
	sched, err := compaction.NewScheduler(compaction.Options{
		Logger:   logger,
		Store:    store,
		Reader:   reader,
		Caller:   opts.Caller,
		Notifier: opts.Notifier,
		Audit:    audit,
		Config: compaction.Config{
			Enabled:              opts.Compaction.EnabledOrDefault() && opts.Caller != nil,
			MinThreshold:         opts.Compaction.MinThresholdOrDefault(),
			MaxThreshold:         opts.Compaction.MaxThresholdOrDefault(),
			Debounce:             time.Duration(opts.Compaction.DebounceMsOrDefault()) * time.Millisecond,
			MinConversationChars: opts.Compaction.MinConversationCharsOrDefault(),
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Service{log: logger, store: store, reader: reader, sched: sched, audit: audit}, nil
}

func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	return s.store.Close()
}

// Store exposes the underlying frame store for read paths that need raw
// frame access (audit views, child lookups).
func (s *Service) Store() *framestore.Store {
	if s == nil {
		return nil
	}
	return s.store
}

// AppendMessage appends a message frame and runs the compaction check
// that follows every new message.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, author frame.AuthorType, authorID int64, payload any) (*frame.Frame, compaction.CheckResult, error) {
	if s == nil {
		return nil, compaction.CheckResult{}, errors.New("nil service")
	}

	f, err := s.store.CreateFrame(ctx, framestore.CreateFrameSpec{
		SessionID:  sessionID,
		Type:       frame.TypeMessage,
		AuthorType: author,
		AuthorID:   authorID,
		Payload:    payload,
	})
	if err != nil {
		return nil, compaction.CheckResult{}, err
	}

	check, err := s.sched.Check(ctx, sessionID)
	if err != nil {
		// The message is durable; a failed check only delays compaction
		// until the next one.
		s.log.Warn("compaction check failed", "session_id", sessionID, "error", err)
		return f, compaction.CheckResult{}, nil
	}
	return f, check, nil
}

// AppendUpdate appends an update frame addressing an earlier frame's
// materialized value. An update whose target is dead is still persisted;
// replay treats it as a no-op.
func (s *Service) AppendUpdate(ctx context.Context, sessionID string, targetFrameID string, author frame.AuthorType, authorID int64, payload any) (*frame.Frame, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	targetFrameID = strings.TrimSpace(targetFrameID)
	if targetFrameID == "" {
		return nil, errors.New("missing target frame id")
	}

	return s.store.CreateFrame(ctx, framestore.CreateFrameSpec{
		SessionID:  sessionID,
		TargetIDs:  []string{frame.FrameTarget(targetFrameID)},
		Type:       frame.TypeUpdate,
		AuthorType: author,
		AuthorID:   authorID,
		Payload:    payload,
	})
}

// AppendRequest appends a tool-call request frame.
func (s *Service) AppendRequest(ctx context.Context, sessionID string, author frame.AuthorType, authorID int64, payload any) (*frame.Frame, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	return s.store.CreateFrame(ctx, framestore.CreateFrameSpec{
		SessionID:  sessionID,
		Type:       frame.TypeRequest,
		AuthorType: author,
		AuthorID:   authorID,
		Payload:    payload,
	})
}

// AppendResult appends a tool-call result frame pointing back at its
// request.
func (s *Service) AppendResult(ctx context.Context, sessionID string, requestFrameID string, payload any) (*frame.Frame, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	requestFrameID = strings.TrimSpace(requestFrameID)
	if requestFrameID == "" {
		return nil, errors.New("missing request frame id")
	}
	return s.store.CreateFrame(ctx, framestore.CreateFrameSpec{
		SessionID:  sessionID,
		ParentID:   requestFrameID,
		Type:       frame.TypeResult,
		AuthorType: frame.AuthorSystem,
		Payload:    payload,
	})
}

// ForceCompaction compacts the session now, regardless of thresholds.
func (s *Service) ForceCompaction(ctx context.Context, sessionID string) compaction.Result {
	if s == nil {
		return compaction.Result{Success: false, Reason: "nil service"}
	}
	return s.sched.Force(ctx, sessionID)
}

// History returns the session's raw frames, earliest first, optionally
// starting at the latest compact boundary.
func (s *Service) History(ctx context.Context, sessionID string, fromCompact bool, limit int) ([]frame.Frame, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	return s.store.GetFrames(ctx, sessionID, framestore.Query{FromCompact: fromCompact, Limit: limit})
}

// ContextMessages builds the agent-facing message list for the session.
func (s *Service) ContextMessages(ctx context.Context, sessionID string, maxRecent int) ([]convo.ContextMessage, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	return s.reader.LoadFramesForContext(ctx, sessionID, convo.LoadOptions{MaxRecentFrames: maxRecent})
}

// MessagesSinceCompact reports how many message frames follow the latest
// compact boundary.
func (s *Service) MessagesSinceCompact(ctx context.Context, sessionID string) (int, error) {
	if s == nil {
		return 0, errors.New("nil service")
	}
	return s.reader.CountMessagesSinceCompact(ctx, sessionID)
}

// AuditEntries returns the newest audit trail entries.
func (s *Service) AuditEntries(limit int) ([]auditlog.Entry, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	return s.audit.List(limit)
}
