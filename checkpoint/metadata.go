package checkpoint

import (
	"context"
	"errors"
	"time"
)

type (
	// SessionMeta indexes one session for listing and resumability.
	SessionMeta struct {
		// SessionID is the primary key (timestamp-derived).
		SessionID string `json:"session_id"`
		// ThreadID links the session to its checkpoint thread.
		ThreadID string `json:"thread_id"`
		// CreatedAt and UpdatedAt bracket the session lifetime.
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		// Workflow is the workflow type ("weekly_review", "daily_clarify").
		Workflow string `json:"workflow_type"`
		// UserID owns the session.
		UserID string `json:"user_id"`
		// Phase is the phase the session was last observed in.
		Phase string `json:"phase"`
		// Completed marks sessions that reached their final phase.
		Completed bool `json:"completed"`
		// ErrorCount accumulates non-fatal errors.
		ErrorCount int `json:"error_count"`
		// Metadata is opaque caller data.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// ListFilter narrows ListRecent results. Zero values match everything.
	ListFilter struct {
		Workflow string
		UserID   string
		Limit    int
	}

	// Statistics summarizes the session index for the status command.
	Statistics struct {
		Total          int            `json:"total"`
		Completed      int            `json:"completed"`
		ByWorkflow     map[string]int `json:"by_workflow"`
		AvgDurationMin float64        `json:"avg_duration_minutes"`
	}

	// MetadataStore indexes sessions by id, thread, and recency.
	MetadataStore interface {
		// Upsert inserts or replaces the session row. Applying the same row
		// twice equals applying it once.
		Upsert(ctx context.Context, meta SessionMeta) error
		// Get returns the session or ErrSessionNotFound.
		Get(ctx context.Context, sessionID string) (SessionMeta, error)
		// ListRecent returns sessions ordered by updated_at descending.
		ListRecent(ctx context.Context, filter ListFilter) ([]SessionMeta, error)
		// GetResumable returns the most recent incomplete session updated
		// within the last 24 hours, or ErrSessionNotFound.
		GetResumable(ctx context.Context, now time.Time) (SessionMeta, error)
		// MarkComplete flags the session completed.
		MarkComplete(ctx context.Context, sessionID string) error
		// IncrementErrors bumps the error counter.
		IncrementErrors(ctx context.Context, sessionID string) error
		// CleanupOlderThan removes sessions last updated before the cutoff
		// and returns how many were removed.
		CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error)
		// Stats aggregates the index.
		Stats(ctx context.Context) (Statistics, error)
	}
)

// ErrSessionNotFound indicates no session matches the query.
var ErrSessionNotFound = errors.New("checkpoint: session not found")

// ResumableWindow is how far back GetResumable looks for an incomplete
// session.
const ResumableWindow = 24 * time.Hour
