// Package inmem provides in-memory implementations of the Checkpointer and
// MetadataStore contracts. It backs tests and the in-memory degradation path
// taken when the configured durable backend corrupts mid-session; state does
// not survive process restarts.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gtdcoach/coach/checkpoint"
)

type (
	// Checkpointer implements checkpoint.Checkpointer in memory. Safe for
	// concurrent use; records are defensively copied on read and write.
	Checkpointer struct {
		mu      sync.RWMutex
		threads map[string][]checkpoint.Checkpoint
		writes  map[string]map[string][]checkpoint.ChannelWrite
	}

	// MetadataStore implements checkpoint.MetadataStore in memory.
	MetadataStore struct {
		mu       sync.RWMutex
		sessions map[string]checkpoint.SessionMeta
	}
)

// NewCheckpointer returns an empty in-memory checkpointer.
func NewCheckpointer() *Checkpointer {
	return &Checkpointer{
		threads: make(map[string][]checkpoint.Checkpoint),
		writes:  make(map[string]map[string][]checkpoint.ChannelWrite),
	}
}

// Put implements checkpoint.Checkpointer.
func (c *Checkpointer) Put(_ context.Context, cfg checkpoint.Config, cp checkpoint.Checkpoint, writes []checkpoint.ChannelWrite) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cp.ThreadID = cfg.ThreadID

	c.mu.Lock()
	defer c.mu.Unlock()

	chain := c.threads[cfg.ThreadID]
	for i, existing := range chain {
		if existing.ID == cp.ID {
			chain[i] = cloneCheckpoint(cp)
			c.storeWrites(cfg.ThreadID, cp.ID, writes)
			return nil
		}
	}
	c.threads[cfg.ThreadID] = append(chain, cloneCheckpoint(cp))
	c.storeWrites(cfg.ThreadID, cp.ID, writes)
	return nil
}

func (c *Checkpointer) storeWrites(threadID, checkpointID string, writes []checkpoint.ChannelWrite) {
	if len(writes) == 0 {
		return
	}
	byThread := c.writes[threadID]
	if byThread == nil {
		byThread = make(map[string][]checkpoint.ChannelWrite)
		c.writes[threadID] = byThread
	}
	byThread[checkpointID] = append([]checkpoint.ChannelWrite(nil), writes...)
}

// Get implements checkpoint.Checkpointer. Returns nil for unknown threads.
func (c *Checkpointer) Get(_ context.Context, cfg checkpoint.Config) (*checkpoint.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain := c.threads[cfg.ThreadID]
	if len(chain) == 0 {
		return nil, nil
	}
	latest := chain[0]
	for _, cp := range chain[1:] {
		if cp.Metadata.Step >= latest.Metadata.Step {
			latest = cp
		}
	}
	out := cloneCheckpoint(latest)
	return &out, nil
}

// List implements checkpoint.Checkpointer, most recent step first.
func (c *Checkpointer) List(_ context.Context, cfg checkpoint.Config) ([]checkpoint.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain := c.threads[cfg.ThreadID]
	out := make([]checkpoint.Checkpoint, 0, len(chain))
	for _, cp := range chain {
		out = append(out, cloneCheckpoint(cp))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.Step > out[j].Metadata.Step
	})
	return out, nil
}

// Close implements checkpoint.Checkpointer.
func (c *Checkpointer) Close() error { return nil }

func cloneCheckpoint(in checkpoint.Checkpoint) checkpoint.Checkpoint {
	out := in
	if in.ChannelValues != nil {
		out.ChannelValues = make(map[string]json.RawMessage, len(in.ChannelValues))
		for k, v := range in.ChannelValues {
			out.ChannelValues[k] = append(json.RawMessage(nil), v...)
		}
	}
	if in.ChannelVersions != nil {
		out.ChannelVersions = make(map[string]int64, len(in.ChannelVersions))
		for k, v := range in.ChannelVersions {
			out.ChannelVersions[k] = v
		}
	}
	if in.VersionsSeen != nil {
		out.VersionsSeen = make(map[string]map[string]int64, len(in.VersionsSeen))
		for node, seen := range in.VersionsSeen {
			inner := make(map[string]int64, len(seen))
			for k, v := range seen {
				inner[k] = v
			}
			out.VersionsSeen[node] = inner
		}
	}
	if in.Metadata.Writes != nil {
		writes := make(map[string]any, len(in.Metadata.Writes))
		for k, v := range in.Metadata.Writes {
			writes[k] = v
		}
		out.Metadata.Writes = writes
	}
	if in.Metadata.Parents != nil {
		parents := make(map[string]string, len(in.Metadata.Parents))
		for k, v := range in.Metadata.Parents {
			parents[k] = v
		}
		out.Metadata.Parents = parents
	}
	return out
}

// NewMetadataStore returns an empty in-memory session index.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{sessions: make(map[string]checkpoint.SessionMeta)}
}

// Upsert implements checkpoint.MetadataStore.
func (s *MetadataStore) Upsert(_ context.Context, meta checkpoint.SessionMeta) error {
	if meta.SessionID == "" {
		return checkpoint.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[meta.SessionID] = cloneMeta(meta)
	return nil
}

// Get implements checkpoint.MetadataStore.
func (s *MetadataStore) Get(_ context.Context, sessionID string) (checkpoint.SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return checkpoint.SessionMeta{}, checkpoint.ErrSessionNotFound
	}
	return cloneMeta(meta), nil
}

// ListRecent implements checkpoint.MetadataStore.
func (s *MetadataStore) ListRecent(_ context.Context, filter checkpoint.ListFilter) ([]checkpoint.SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]checkpoint.SessionMeta, 0, len(s.sessions))
	for _, meta := range s.sessions {
		if filter.Workflow != "" && meta.Workflow != filter.Workflow {
			continue
		}
		if filter.UserID != "" && meta.UserID != filter.UserID {
			continue
		}
		out = append(out, cloneMeta(meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetResumable implements checkpoint.MetadataStore.
func (s *MetadataStore) GetResumable(ctx context.Context, now time.Time) (checkpoint.SessionMeta, error) {
	recent, err := s.ListRecent(ctx, checkpoint.ListFilter{})
	if err != nil {
		return checkpoint.SessionMeta{}, err
	}
	cutoff := now.Add(-checkpoint.ResumableWindow)
	for _, meta := range recent {
		if meta.Completed || meta.UpdatedAt.Before(cutoff) {
			continue
		}
		return meta, nil
	}
	return checkpoint.SessionMeta{}, checkpoint.ErrSessionNotFound
}

// MarkComplete implements checkpoint.MetadataStore.
func (s *MetadataStore) MarkComplete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return checkpoint.ErrSessionNotFound
	}
	meta.Completed = true
	meta.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = meta
	return nil
}

// IncrementErrors implements checkpoint.MetadataStore.
func (s *MetadataStore) IncrementErrors(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return checkpoint.ErrSessionNotFound
	}
	meta.ErrorCount++
	meta.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = meta
	return nil
}

// CleanupOlderThan implements checkpoint.MetadataStore.
func (s *MetadataStore) CleanupOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, meta := range s.sessions {
		if meta.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Stats implements checkpoint.MetadataStore.
func (s *MetadataStore) Stats(_ context.Context) (checkpoint.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := checkpoint.Statistics{ByWorkflow: map[string]int{}}
	var totalMinutes float64
	for _, meta := range s.sessions {
		stats.Total++
		if meta.Completed {
			stats.Completed++
		}
		stats.ByWorkflow[meta.Workflow]++
		totalMinutes += meta.UpdatedAt.Sub(meta.CreatedAt).Minutes()
	}
	if stats.Total > 0 {
		stats.AvgDurationMin = totalMinutes / float64(stats.Total)
	}
	return stats, nil
}

func cloneMeta(in checkpoint.SessionMeta) checkpoint.SessionMeta {
	out := in
	if in.Metadata != nil {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
