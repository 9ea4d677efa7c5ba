// Package compaction decides when a session's frame log gets folded into
// a compact boundary, and performs the fold.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/floegence/frameline/internal/auditlog"
	"github.com/floegence/frameline/internal/convo"
	"github.com/floegence/frameline/internal/frame"
	"github.com/floegence/frameline/internal/framestore"
)

const (
	defaultMinThreshold = 15
	defaultMaxThreshold = 25
	defaultDebounce     = 5 * time.Second
	defaultMinChars     = 100
	performTimeout      = 2 * time.Minute
)

const (
	ReasonNotEnoughContent = "Not enough content"
	ReasonNoSummary        = "No summary returned"
	ReasonInProgress       = "Compaction already in progress"
)

// Notifier receives fire-and-forget compaction events for connected
// observers. Delivery failures never affect the compaction result.
type Notifier interface {
	Notify(sessionID string, event Event)
}

// Event is broadcast after a compaction completes.
type Event struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	FrameID       string `json:"frame_id"`
	FramesFolded  int    `json:"frames_folded"`
	SummaryLength int    `json:"summary_length"`
}

// Config tunes the per-session trigger thresholds. Zero values take the
// defaults; Enabled=false turns every check into a no-op.
type Config struct {
	Enabled      bool
	MinThreshold int
	MaxThreshold int
	Debounce     time.Duration
	// MinConversationChars is the minimum conversation length worth
	// summarizing.
	MinConversationChars int
}

type Options struct {
	Logger *slog.Logger

	Store  *framestore.Store
	Reader *convo.Reader
	Caller AgentCaller

	// Notifier is optional; nil disables broadcasts.
	Notifier Notifier
	// Audit is optional; nil disables the audit trail.
	Audit *auditlog.Store

	Config Config
}

// Scheduler is the per-session debounced compaction state machine.
//
// Each session is either idle (no timer) or debouncing (timer armed).
// A message-count check below the minimum threshold disarms; between the
// thresholds it re-arms the debounce timer; at or above the maximum, and
// on an explicit force, compaction runs synchronously. A single-slot
// in-flight guard per session prevents two compact frames from being
// written concurrently while a summarization call is in flight.
type Scheduler struct {
	log *slog.Logger

	store    *framestore.Store
	reader   *convo.Reader
	caller   AgentCaller
	notifier Notifier
	audit    *auditlog.Store

	enabled      bool
	minThreshold int
	maxThreshold int
	debounce     time.Duration
	minChars     int

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inFlight map[string]bool
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Reader == nil {
		return nil, errors.New("missing Reader")
	}
	if opts.Config.Enabled && opts.Caller == nil {
		return nil, errors.New("missing Caller")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	cfg := opts.Config
	if cfg.MinThreshold <= 0 {
		cfg.MinThreshold = defaultMinThreshold
	}
	if cfg.MaxThreshold <= 0 {
		cfg.MaxThreshold = defaultMaxThreshold
	}
	if cfg.MaxThreshold < cfg.MinThreshold {
		return nil, fmt.Errorf("max threshold %d below min threshold %d", cfg.MaxThreshold, cfg.MinThreshold)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.MinConversationChars <= 0 {
		cfg.MinConversationChars = defaultMinChars
	}

	return &Scheduler{
		log:          logger,
		store:        opts.Store,
		reader:       opts.Reader,
		caller:       opts.Caller,
		notifier:     opts.Notifier,
		audit:        opts.Audit,
		enabled:      cfg.Enabled,
		minThreshold: cfg.MinThreshold,
		maxThreshold: cfg.MaxThreshold,
		debounce:     cfg.Debounce,
		minChars:     cfg.MinConversationChars,
		timers:       make(map[string]*time.Timer),
		inFlight:     make(map[string]bool),
	}, nil
}

// CheckResult reports what a check decided.
type CheckResult struct {
	Triggered bool `json:"triggered"`
	// Debounced is set when a timer was armed instead of compacting now.
	Debounced bool `json:"debounced,omitempty"`
	// Result carries the outcome of a synchronous compaction.
	Result *Result `json:"result,omitempty"`
}

// Result is the structured outcome of one compaction attempt. Failures
// are carried here, never as a returned error.
type Result struct {
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
	FrameID       string `json:"frame_id,omitempty"`
	FramesFolded  int    `json:"frames_folded,omitempty"`
	SummaryLength int    `json:"summary_length,omitempty"`
}

// Check runs after every new message for the session. It counts messages
// since the last boundary and disarms, re-arms, or compacts accordingly.
func (s *Scheduler) Check(ctx context.Context, sessionID string) (CheckResult, error) {
	if s == nil {
		return CheckResult{}, errors.New("nil scheduler")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return CheckResult{}, errors.New("missing session_id")
	}
	if !s.enabled {
		return CheckResult{}, nil
	}

	count, err := s.reader.CountMessagesSinceCompact(ctx, sessionID)
	if err != nil {
		return CheckResult{}, err
	}

	switch {
	case count < s.minThreshold:
		s.cancelTimer(sessionID)
		return CheckResult{Triggered: false}, nil

	case count >= s.maxThreshold:
		s.cancelTimer(sessionID)
		res := s.Perform(ctx, sessionID)
		return CheckResult{Triggered: true, Result: &res}, nil

	default:
		s.armTimer(sessionID)
		return CheckResult{Triggered: true, Debounced: true}, nil
	}
}

// Force compacts the session immediately, cancelling any pending debounce
// timer first.
func (s *Scheduler) Force(ctx context.Context, sessionID string) Result {
	if s == nil {
		return Result{Success: false, Reason: "nil scheduler"}
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Result{Success: false, Reason: "missing session_id"}
	}
	s.cancelTimer(sessionID)
	return s.Perform(ctx, sessionID)
}

// Stop disarms every pending timer. In-flight compactions finish on their
// own; there is no cancellation of a summarization call once started.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, sessionID)
	}
}

// armTimer cancels any previous timer for the session and arms a fresh
// one, so repeated qualifying checks reset the wait instead of queueing.
func (s *Scheduler) armTimer(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[sessionID]; ok {
		prev.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), performTimeout)
		defer cancel()
		res := s.Perform(ctx, sessionID)
		if !res.Success && res.Reason != ReasonInProgress {
			s.log.Warn("debounced compaction failed", "session_id", sessionID, "reason", res.Reason)
		}
	})
}

func (s *Scheduler) cancelTimer(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[sessionID]; ok {
		prev.Stop()
		delete(s.timers, sessionID)
	}
}

// Perform runs one compaction attempt for the session. Every failure is
// folded into the Result; nothing escapes as an error, so a failed
// compaction can never crash the calling turn.
func (s *Scheduler) Perform(ctx context.Context, sessionID string) Result {
	if s == nil {
		return Result{Success: false, Reason: "nil scheduler"}
	}

	s.mu.Lock()
	if s.inFlight[sessionID] {
		s.mu.Unlock()
		return Result{Success: false, Reason: ReasonInProgress}
	}
	s.inFlight[sessionID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, sessionID)
		s.mu.Unlock()
	}()

	res := s.compact(ctx, sessionID)

	status := "success"
	if !res.Success {
		status = "failure"
	}
	if s.audit != nil {
		s.audit.Append(auditlog.Entry{
			Action:        "compaction",
			Status:        status,
			Error:         res.Reason,
			SessionID:     sessionID,
			FrameID:       res.FrameID,
			FramesFolded:  res.FramesFolded,
			SummaryLength: res.SummaryLength,
		})
	}
	if res.Success {
		s.log.Info("compaction complete",
			"session_id", sessionID,
			"frame_id", res.FrameID,
			"frames_folded", res.FramesFolded,
			"summary_length", res.SummaryLength,
		)
		if s.notifier != nil {
			s.notifier.Notify(sessionID, Event{
				Type:          "compaction_complete",
				SessionID:     sessionID,
				FrameID:       res.FrameID,
				FramesFolded:  res.FramesFolded,
				SummaryLength: res.SummaryLength,
			})
		}
	}
	return res
}

func (s *Scheduler) compact(ctx context.Context, sessionID string) Result {
	conversation, err := s.reader.BuildConversationForCompaction(ctx, sessionID)
	if err != nil {
		return Result{Success: false, Reason: err.Error()}
	}
	if len(conversation) < s.minChars {
		return Result{Success: false, Reason: ReasonNotEnoughContent}
	}

	content, err := s.caller.SendMessage(ctx, []CallMessage{
		{Role: "user", Content: buildCompactionPrompt(conversation)},
	}, CallOptions{MaxTokens: defaultSummaryMaxTokens})
	if err != nil {
		return Result{Success: false, Reason: err.Error()}
	}
	summary := ""
	if content != nil {
		summary = strings.TrimSpace(content.Text())
	}
	if summary == "" {
		return Result{Success: false, Reason: ReasonNoSummary}
	}

	// Recompile from the current boundary and snapshot every visible
	// materialized message. Entries seeded from the previous compact
	// frame's snapshot count as messages, so folded content stays
	// addressable across consecutive compactions. Hidden entries stay
	// out so they cannot resurrect after the fold.
	frames, err := s.store.GetFrames(ctx, sessionID, framestore.Query{FromCompact: true})
	if err != nil {
		return Result{Success: false, Reason: err.Error()}
	}
	compiled := frame.Compile(frames)
	eligible := make(map[string]bool)
	if len(frames) > 0 && frames[0].Type == frame.TypeCompact {
		if cp, ok := frame.DecodeCompactPayload(frames[0].Payload); ok {
			for id := range cp.Snapshot {
				eligible[id] = true
			}
		}
	}
	for _, f := range frames {
		if f.Type == frame.TypeMessage {
			eligible[f.ID] = true
		}
	}
	snapshot := make(map[string]any)
	for id := range eligible {
		payload, live := compiled[id]
		if !live || frame.IsHiddenPayload(payload) {
			continue
		}
		snapshot[id] = payload
	}

	created, err := s.store.CreateFrame(ctx, framestore.CreateFrameSpec{
		SessionID:  sessionID,
		Type:       frame.TypeCompact,
		AuthorType: frame.AuthorSystem,
		Payload:    frame.CompactPayload{Context: summary, Snapshot: snapshot},
	})
	if err != nil {
		return Result{Success: false, Reason: err.Error()}
	}

	return Result{
		Success:       true,
		FrameID:       created.ID,
		FramesFolded:  len(snapshot),
		SummaryLength: len(summary),
	}
}
