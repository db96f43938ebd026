// Package inmem provides an in-memory memory.Sink used by tests and by the
// runtime when no graph backend is configured.
package inmem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gtdcoach/coach/memory"
)

// Sink stores episodes in memory. Search matches facts by substring against
// the episode content, newest first. FailFirst can be set to make the first
// N AddEpisode calls fail, which tests use to exercise retry and backup.
type Sink struct {
	mu       sync.Mutex
	episodes []stored
	excluded map[string][]string

	// FailFirst makes this many leading AddEpisode calls return FailErr.
	FailFirst int
	// FailErr is the error returned while FailFirst is positive. Defaults
	// to a generic unavailable error.
	FailErr error

	calls int
}

type stored struct {
	id string
	ep memory.Episode
}

// New returns an empty in-memory sink.
func New() *Sink {
	return &Sink{excluded: make(map[string][]string)}
}

// AddEpisode records the episode and returns a generated id.
func (s *Sink) AddEpisode(_ context.Context, ep memory.Episode, excludedEntities []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.FailFirst > 0 {
		s.FailFirst--
		if s.FailErr != nil {
			return "", s.FailErr
		}
		return "", fmt.Errorf("inmem: sink unavailable")
	}
	id := uuid.NewString()
	s.episodes = append(s.episodes, stored{id: id, ep: ep})
	s.excluded[id] = excludedEntities
	return id, nil
}

// Search returns hits whose content contains the query, newest first, with a
// uniform raw score of 1.0.
func (s *Sink) Search(_ context.Context, query, groupID string, limit int) ([]memory.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var hits []memory.Hit
	for i := len(s.episodes) - 1; i >= 0; i-- {
		st := s.episodes[i]
		if groupID != "" && st.ep.GroupID != groupID {
			continue
		}
		content := strings.ToLower(st.ep.Content())
		if q != "" && !strings.Contains(content, q) {
			continue
		}
		hits = append(hits, memory.Hit{
			Fact:      st.ep.Content(),
			Score:     1.0,
			Timestamp: st.ep.Timestamp,
			EpisodeID: st.id,
		})
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Close is a no-op.
func (s *Sink) Close() error { return nil }

// Episodes returns a copy of all stored episodes in insertion order.
func (s *Sink) Episodes() []memory.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Episode, len(s.episodes))
	for i, st := range s.episodes {
		out[i] = st.ep
	}
	return out
}

// Calls returns the total number of AddEpisode attempts, including failures.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ExcludedFor returns the excluded entity kinds recorded for an episode id.
func (s *Sink) ExcludedFor(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excluded[id]
}
