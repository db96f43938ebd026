// Package sqlite provides the embedded SQL backend for checkpoints and
// session metadata, stored in a single database file (./data/agent_state.db
// by default). It uses the pure-Go modernc.org/sqlite driver so the binary
// needs no cgo.
//
// The database is opened in WAL mode with a busy timeout so multiple
// independent connections to the same file coexist, and every put runs in
// one short transaction so checkpoints are atomic per
// (thread_id, checkpoint_id) and survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gtdcoach/coach/checkpoint"
)

type (
	// Checkpointer implements checkpoint.Checkpointer over the shared file.
	Checkpointer struct {
		db *sql.DB
	}

	// MetadataStore implements checkpoint.MetadataStore over the same file.
	MetadataStore struct {
		db *sql.DB
	}
)

var (
	_ checkpoint.Checkpointer  = (*Checkpointer)(nil)
	_ checkpoint.MetadataStore = (*MetadataStore)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	parent_id     TEXT,
	ts            TEXT NOT NULL,
	step          INTEGER NOT NULL,
	payload       BLOB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_step
	ON checkpoints(thread_id, step DESC);

CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	channel       TEXT NOT NULL,
	value         BLOB,
	PRIMARY KEY (thread_id, checkpoint_id, idx)
);

CREATE TABLE IF NOT EXISTS session_metadata (
	session_id    TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	workflow_type TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	phase         TEXT,
	completed     INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS idx_session_metadata_thread
	ON session_metadata(thread_id);
CREATE INDEX IF NOT EXISTS idx_session_metadata_updated
	ON session_metadata(updated_at DESC);
`

// Open opens (creating if needed) the database file, applies the schema, and
// returns the two stores backed by the one connection pool. Closing the
// Checkpointer closes the pool for both.
func Open(path string) (*Checkpointer, *MetadataStore, error) {
	if path == "" {
		return nil, nil, errors.New("sqlite: path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Checkpointer{db: db}, &MetadataStore{db: db}, nil
}

// Close releases the shared database handle.
func (s *Checkpointer) Close() error { return s.db.Close() }

// Put implements checkpoint.Checkpointer.
func (s *Checkpointer) Put(ctx context.Context, cfg checkpoint.Config, cp checkpoint.Checkpoint, writes []checkpoint.ChannelWrite) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cp.ThreadID = cfg.ThreadID
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("sqlite: marshal checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, ts, step, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, checkpoint_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			ts        = excluded.ts,
			step      = excluded.step,
			payload   = excluded.payload`,
		cfg.ThreadID, cp.ID, cp.ParentID, cp.TS.UTC().Format(time.RFC3339Nano), cp.Metadata.Step, payload)
	if err != nil {
		return fmt.Errorf("sqlite: put checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_writes WHERE thread_id = ? AND checkpoint_id = ?`,
		cfg.ThreadID, cp.ID); err != nil {
		return fmt.Errorf("sqlite: clear writes: %w", err)
	}
	for i, w := range writes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_writes (thread_id, checkpoint_id, idx, channel, value)
			 VALUES (?, ?, ?, ?, ?)`,
			cfg.ThreadID, cp.ID, i, w.Channel, []byte(w.Value)); err != nil {
			return fmt.Errorf("sqlite: put write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Get implements checkpoint.Checkpointer. Returns nil for unknown threads.
func (s *Checkpointer) Get(ctx context.Context, cfg checkpoint.Config) (*checkpoint.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = ? ORDER BY step DESC, ts DESC LIMIT 1`,
		cfg.ThreadID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: get checkpoint: %w", err)
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("sqlite: decode checkpoint: %w", err)
	}
	return &cp, nil
}

// List implements checkpoint.Checkpointer, most recent step first.
func (s *Checkpointer) List(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = ? ORDER BY step DESC, ts DESC`,
		cfg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []checkpoint.Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
		}
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal(payload, &cp); err != nil {
			return nil, fmt.Errorf("sqlite: decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Upsert implements checkpoint.MetadataStore.
func (s *MetadataStore) Upsert(ctx context.Context, meta checkpoint.SessionMeta) error {
	if meta.SessionID == "" {
		return checkpoint.ErrSessionNotFound
	}
	extra, err := json.Marshal(meta.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_metadata
			(session_id, thread_id, created_at, updated_at, workflow_type, user_id, phase, completed, error_count, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			thread_id     = excluded.thread_id,
			updated_at    = excluded.updated_at,
			workflow_type = excluded.workflow_type,
			user_id       = excluded.user_id,
			phase         = excluded.phase,
			completed     = excluded.completed,
			error_count   = excluded.error_count,
			metadata      = excluded.metadata`,
		meta.SessionID, meta.ThreadID,
		meta.CreatedAt.UTC().Format(time.RFC3339Nano), meta.UpdatedAt.UTC().Format(time.RFC3339Nano),
		meta.Workflow, meta.UserID, meta.Phase, boolToInt(meta.Completed), meta.ErrorCount, string(extra))
	if err != nil {
		return fmt.Errorf("sqlite: upsert session: %w", err)
	}
	return nil
}

// Get implements checkpoint.MetadataStore.
func (s *MetadataStore) Get(ctx context.Context, sessionID string) (checkpoint.SessionMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, thread_id, created_at, updated_at, workflow_type, user_id, phase, completed, error_count, metadata
		 FROM session_metadata WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListRecent implements checkpoint.MetadataStore.
func (s *MetadataStore) ListRecent(ctx context.Context, filter checkpoint.ListFilter) ([]checkpoint.SessionMeta, error) {
	query := `SELECT session_id, thread_id, created_at, updated_at, workflow_type, user_id, phase, completed, error_count, metadata
		FROM session_metadata WHERE 1=1`
	var args []any
	if filter.Workflow != "" {
		query += ` AND workflow_type = ?`
		args = append(args, filter.Workflow)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()
	var out []checkpoint.SessionMeta
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// GetResumable implements checkpoint.MetadataStore.
func (s *MetadataStore) GetResumable(ctx context.Context, now time.Time) (checkpoint.SessionMeta, error) {
	cutoff := now.Add(-checkpoint.ResumableWindow).UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, thread_id, created_at, updated_at, workflow_type, user_id, phase, completed, error_count, metadata
		 FROM session_metadata
		 WHERE completed = 0 AND updated_at >= ?
		 ORDER BY updated_at DESC LIMIT 1`, cutoff)
	return scanSession(row)
}

// MarkComplete implements checkpoint.MetadataStore.
func (s *MetadataStore) MarkComplete(ctx context.Context, sessionID string) error {
	return s.touch(ctx, sessionID, `completed = 1`)
}

// IncrementErrors implements checkpoint.MetadataStore.
func (s *MetadataStore) IncrementErrors(ctx context.Context, sessionID string) error {
	return s.touch(ctx, sessionID, `error_count = error_count + 1`)
}

func (s *MetadataStore) touch(ctx context.Context, sessionID, set string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_metadata SET `+set+`, updated_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return checkpoint.ErrSessionNotFound
	}
	return nil
}

// CleanupOlderThan implements checkpoint.MetadataStore.
func (s *MetadataStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_metadata WHERE updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats implements checkpoint.MetadataStore.
func (s *MetadataStore) Stats(ctx context.Context) (checkpoint.Statistics, error) {
	stats := checkpoint.Statistics{ByWorkflow: map[string]int{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_type, completed, created_at, updated_at FROM session_metadata`)
	if err != nil {
		return stats, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer rows.Close()
	var totalMinutes float64
	for rows.Next() {
		var workflow, createdAt, updatedAt string
		var completed int
		if err := rows.Scan(&workflow, &completed, &createdAt, &updatedAt); err != nil {
			return stats, err
		}
		stats.Total++
		if completed != 0 {
			stats.Completed++
		}
		stats.ByWorkflow[workflow]++
		created, err1 := time.Parse(time.RFC3339Nano, createdAt)
		updated, err2 := time.Parse(time.RFC3339Nano, updatedAt)
		if err1 == nil && err2 == nil {
			totalMinutes += updated.Sub(created).Minutes()
		}
	}
	if stats.Total > 0 {
		stats.AvgDurationMin = totalMinutes / float64(stats.Total)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (checkpoint.SessionMeta, error) {
	var meta checkpoint.SessionMeta
	var createdAt, updatedAt, extra string
	var completed int
	err := row.Scan(&meta.SessionID, &meta.ThreadID, &createdAt, &updatedAt,
		&meta.Workflow, &meta.UserID, &meta.Phase, &completed, &meta.ErrorCount, &extra)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.SessionMeta{}, checkpoint.ErrSessionNotFound
		}
		return checkpoint.SessionMeta{}, fmt.Errorf("sqlite: scan session: %w", err)
	}
	meta.Completed = completed != 0
	if meta.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return checkpoint.SessionMeta{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}
	if meta.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return checkpoint.SessionMeta{}, fmt.Errorf("sqlite: parse updated_at: %w", err)
	}
	if extra != "" && extra != "null" {
		if err := json.Unmarshal([]byte(extra), &meta.Metadata); err != nil {
			return checkpoint.SessionMeta{}, fmt.Errorf("sqlite: decode metadata: %w", err)
		}
	}
	return meta, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
