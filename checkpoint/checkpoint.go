// Package checkpoint defines durable persistence contracts for session
// state: the Checkpointer stores versioned state snapshots per thread, and
// the MetadataStore indexes sessions for resumability.
//
// Contract:
//   - Checkpoints for distinct thread ids are fully isolated; no cross-thread
//     reads.
//   - Put is idempotent per (thread_id, checkpoint_id) and atomic.
//   - Get on an unknown thread returns nil, not an error.
//   - List yields checkpoints in descending step order.
//   - Concurrent writes to one thread converge last-write-wins on the latest
//     pointer; prior versions remain listable.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Config scopes checkpointer operations to a thread.
	Config struct {
		// ThreadID identifies the linear checkpoint history. Required.
		ThreadID string
	}

	// Metadata records provenance for one checkpoint.
	Metadata struct {
		// Source names what produced the checkpoint ("input", "loop", "tool").
		Source string `json:"source"`
		// Step is the monotonic step counter per thread.
		Step int `json:"step"`
		// Writes summarizes the channel writes folded into this version.
		Writes map[string]any `json:"writes,omitempty"`
		// Parents maps namespace to parent checkpoint id.
		Parents map[string]string `json:"parents,omitempty"`
	}

	// Checkpoint is one durable state version.
	Checkpoint struct {
		// ThreadID scopes the checkpoint.
		ThreadID string `json:"thread_id"`
		// ID uniquely identifies the checkpoint within the thread.
		ID string `json:"checkpoint_id"`
		// ParentID references the previous checkpoint in the chain; empty
		// for the first version.
		ParentID string `json:"parent_id,omitempty"`
		// TS is the creation timestamp.
		TS time.Time `json:"ts"`
		// ChannelValues carries the serialized state fields. Values round-trip
		// byte-equivalent.
		ChannelValues map[string]json.RawMessage `json:"channel_values"`
		// ChannelVersions tracks the version of each channel at this point.
		ChannelVersions map[string]int64 `json:"channel_versions,omitempty"`
		// VersionsSeen records, per node, the channel versions it has consumed.
		VersionsSeen map[string]map[string]int64 `json:"versions_seen,omitempty"`
		// Metadata records provenance.
		Metadata Metadata `json:"metadata"`
	}

	// ChannelWrite is one pending channel mutation stored alongside a
	// checkpoint.
	ChannelWrite struct {
		// Channel names the state field written.
		Channel string `json:"channel"`
		// Value is the serialized write.
		Value json.RawMessage `json:"value"`
	}

	// Checkpointer persists state versions per thread. Implementations must
	// be safe for concurrent readers and writers per thread; writes to
	// distinct threads are independent.
	Checkpointer interface {
		// Put stores the checkpoint. Idempotent per (thread_id, checkpoint_id).
		Put(ctx context.Context, cfg Config, cp Checkpoint, writes []ChannelWrite) error
		// Get returns the latest checkpoint for the thread, or nil when the
		// thread is unknown.
		Get(ctx context.Context, cfg Config) (*Checkpoint, error)
		// List returns the thread's checkpoints, most recent step first.
		List(ctx context.Context, cfg Config) ([]Checkpoint, error)
		// Close releases backend resources.
		Close() error
	}
)

var (
	// ErrInvalidConfig indicates a malformed config (missing thread id).
	ErrInvalidConfig = errors.New("checkpoint: thread_id is required")
	// ErrUnknownBackend indicates a backend kind the build does not provide.
	// Backend selection is strict: a configured backend that cannot be
	// opened fails fast instead of silently substituting in-memory.
	ErrUnknownBackend = errors.New("checkpoint: unknown backend")
)

// Validate reports ErrInvalidConfig when the thread id is missing.
func (c Config) Validate() error {
	if c.ThreadID == "" {
		return ErrInvalidConfig
	}
	return nil
}
