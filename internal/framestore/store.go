// Package framestore is the SQLite-backed persistence layer for session
// frame logs.
package framestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/floegence/frameline/internal/frame"
)

// Store is a local SQLite-backed append-only frame log.
//
// Notes:
// - Frames are immutable rows; there is no update or delete path.
// - The (session_id, ts) pair is unique, making ts the canonical per-session order.
// - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db    *sql.DB
	clock *frame.Clock
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, clock: frame.NewClock()}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateFrameSpec describes a frame to append. ID and Timestamp are
// filled in when absent; everything else is persisted as given.
type CreateFrameSpec struct {
	ID        string
	SessionID string
	ParentID  string
	TargetIDs []string

	Timestamp string

	Type       frame.Type
	AuthorType frame.AuthorType
	AuthorID   int64

	Payload any
}

// CreateFrame appends one frame. The payload is stored serialized and the
// returned frame carries it deserialized, exactly as a later read would.
func (s *Store) CreateFrame(ctx context.Context, spec CreateFrameSpec) (*frame.Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	spec.ID = strings.TrimSpace(spec.ID)
	spec.SessionID = strings.TrimSpace(spec.SessionID)
	spec.ParentID = strings.TrimSpace(spec.ParentID)
	spec.Timestamp = strings.TrimSpace(spec.Timestamp)
	if spec.SessionID == "" {
		return nil, errors.New("missing session_id")
	}
	if spec.Type == "" {
		return nil, errors.New("missing frame type")
	}
	if spec.AuthorType == "" {
		spec.AuthorType = frame.AuthorSystem
	}

	if spec.ID == "" {
		id, err := frame.NewFrameID()
		if err != nil {
			return nil, err
		}
		spec.ID = id
	}
	if spec.Timestamp == "" {
		spec.Timestamp = s.clock.Next()
	}

	targets := make([]string, 0, len(spec.TargetIDs))
	for _, t := range spec.TargetIDs {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var authorID sql.NullInt64
	if spec.AuthorID != 0 {
		authorID = sql.NullInt64{Int64: spec.AuthorID, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO frames(id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		spec.ID,
		spec.SessionID,
		spec.ParentID,
		string(targetsJSON),
		spec.Timestamp,
		string(spec.Type),
		string(spec.AuthorType),
		authorID,
		string(payloadJSON),
	)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO frame_targets(frame_id, session_id, target_id) VALUES(?, ?, ?)
`, spec.ID, spec.SessionID, t); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := &frame.Frame{
		ID:         spec.ID,
		SessionID:  spec.SessionID,
		ParentID:   spec.ParentID,
		TargetIDs:  targets,
		Timestamp:  spec.Timestamp,
		Type:       spec.Type,
		AuthorType: spec.AuthorType,
		AuthorID:   spec.AuthorID,
	}
	out.Payload = decodePayload(string(payloadJSON))
	return out, nil
}

const frameColumns = `id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload`

// GetFrame returns a frame by id, or nil when the id is unknown.
func (s *Store) GetFrame(ctx context.Context, id string) (*frame.Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE id = ?`, id)
	f, err := scanFrame(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// Query narrows a session-scoped frame scan. All fields are optional.
type Query struct {
	// FromTimestamp restricts the scan to frames at or after the value.
	FromTimestamp string
	// Types is an inclusion set over frame types.
	Types []frame.Type
	// Limit caps the result count, taking the earliest matching frames.
	Limit int
	// FromCompact moves the starting point to the session's most recent
	// compact frame (inclusive). Without a compact frame it is a no-op.
	FromCompact bool
}

// GetFrames returns a session's frames in ascending timestamp order.
// A nonexistent session yields an empty slice, never an error.
func (s *Store) GetFrames(ctx context.Context, sessionID string, q Query) ([]frame.Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	from := strings.TrimSpace(q.FromTimestamp)
	if q.FromCompact {
		compactTS, err := s.latestCompactTimestamp(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if compactTS > from {
			from = compactTS
		}
	}

	where := []string{"session_id = ?"}
	args := []any{sessionID}
	if from != "" {
		where = append(where, "ts >= ?")
		args = append(args, from)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			placeholders = append(placeholders, "?")
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + frameColumns + ` FROM frames WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ts ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	return s.queryFrames(ctx, query, args...)
}

// GetChildFrames returns the frames whose parent_id matches, ascending by
// timestamp.
func (s *Store) GetChildFrames(ctx context.Context, parentID string) ([]frame.Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return []frame.Frame{}, nil
	}
	return s.queryFrames(ctx, `SELECT `+frameColumns+` FROM frames WHERE parent_id = ? ORDER BY ts ASC`, parentID)
}

// GetFramesByTarget returns the frames whose target list contains
// targetID, optionally scoped to a session, ascending by timestamp.
func (s *Store) GetFramesByTarget(ctx context.Context, targetID string, sessionID string) ([]frame.Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	targetID = strings.TrimSpace(targetID)
	sessionID = strings.TrimSpace(sessionID)
	if targetID == "" {
		return []frame.Frame{}, nil
	}

	query := `
SELECT ` + qualifiedFrameColumns + `
FROM frames f
JOIN frame_targets t ON t.frame_id = f.id
WHERE t.target_id = ?
`
	args := []any{targetID}
	if sessionID != "" {
		query += ` AND f.session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY f.ts ASC`

	return s.queryFrames(ctx, query, args...)
}

// GetLatestCompact returns the session's most recent compact frame, or nil.
func (s *Store) GetLatestCompact(ctx context.Context, sessionID string) (*frame.Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT `+frameColumns+`
FROM frames
WHERE session_id = ? AND type = ?
ORDER BY ts DESC
LIMIT 1
`, sessionID, string(frame.TypeCompact))
	f, err := scanFrame(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// CountQuery narrows CountFrames. All fields are optional.
type CountQuery struct {
	Types []frame.Type
	// AfterTimestamp counts only frames strictly after the value.
	AfterTimestamp string
}

// CountFrames counts a session's frames. A nonexistent session counts zero.
func (s *Store) CountFrames(ctx context.Context, sessionID string, q CountQuery) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, errors.New("missing session_id")
	}

	where := []string{"session_id = ?"}
	args := []any{sessionID}
	if after := strings.TrimSpace(q.AfterTimestamp); after != "" {
		where = append(where, "ts > ?")
		args = append(args, after)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			placeholders = append(placeholders, "?")
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ", ")+")")
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames WHERE `+strings.Join(where, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) latestCompactTimestamp(ctx context.Context, sessionID string) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `
SELECT ts FROM frames
WHERE session_id = ? AND type = ?
ORDER BY ts DESC
LIMIT 1
`, sessionID, string(frame.TypeCompact)).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return ts, nil
}

const qualifiedFrameColumns = `f.id, f.session_id, f.parent_id, f.target_ids, f.ts, f.type, f.author_type, f.author_id, f.payload`

func (s *Store) queryFrames(ctx context.Context, query string, args ...any) ([]frame.Frame, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]frame.Frame, 0)
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFrame(row rowScanner) (*frame.Frame, error) {
	var (
		f           frame.Frame
		targetsJSON string
		typ         string
		authorType  string
		authorID    sql.NullInt64
		payloadJSON string
	)
	if err := row.Scan(
		&f.ID,
		&f.SessionID,
		&f.ParentID,
		&targetsJSON,
		&f.Timestamp,
		&typ,
		&authorType,
		&authorID,
		&payloadJSON,
	); err != nil {
		return nil, err
	}

	f.Type = frame.Type(typ)
	f.AuthorType = frame.AuthorType(authorType)
	if authorID.Valid {
		f.AuthorID = authorID.Int64
	}
	if targetsJSON != "" {
		var targets []string
		if err := json.Unmarshal([]byte(targetsJSON), &targets); err == nil {
			f.TargetIDs = targets
		}
	}
	f.Payload = decodePayload(payloadJSON)
	return &f, nil
}

func decodePayload(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// Stored payloads are always produced by json.Marshal; an
		// unparseable row surfaces as its raw text rather than vanishing.
		return raw
	}
	return v
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if v < 1 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS frames (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  parent_id TEXT NOT NULL DEFAULT '',
  target_ids TEXT NOT NULL DEFAULT '[]',
  ts TEXT NOT NULL,
  type TEXT NOT NULL,
  author_type TEXT NOT NULL DEFAULT 'system',
  author_id INTEGER,
  payload TEXT NOT NULL DEFAULT 'null'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_frames_session_ts ON frames(session_id, ts);
CREATE INDEX IF NOT EXISTS idx_frames_session_type_ts ON frames(session_id, type, ts);
CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_id);

CREATE TABLE IF NOT EXISTS frame_targets (
  frame_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  PRIMARY KEY (frame_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_frame_targets_target ON frame_targets(target_id, session_id);
`); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
