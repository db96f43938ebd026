// Package memory persists semantically rich episodes to an entity-graph
// sink with cost control, retries, temporal decay on retrieval, and a local
// JSON backup that survives even when the sink is entirely unavailable.
// Memory failures never fail the agent loop; they only degrade feature
// quality.
package memory

import (
	"context"
	"strings"
	"time"
)

// EpisodeType classifies an episode for routing and entity extraction.
type EpisodeType string

// Episode types written during coaching sessions.
const (
	TypeInteraction     EpisodeType = "interaction"
	TypeMindsweep       EpisodeType = "mindsweep_capture"
	TypeTimingAnalysis  EpisodeType = "timing_analysis"
	TypeBehaviorPattern EpisodeType = "behavior_pattern"
	TypeSessionSummary  EpisodeType = "session_summary"
	TypePhaseTransition EpisodeType = "phase_transition"
	TypePriorities      EpisodeType = "priorities"
)

type (
	// Episode is a typed record describing a discrete event during a
	// session. GroupID partitions the entity graph per user.
	Episode struct {
		Type      EpisodeType    `json:"type"`
		Phase     string         `json:"phase,omitempty"`
		Data      map[string]any `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
		SessionID string         `json:"session_id"`
		GroupID   string         `json:"group_id"`
		// Critical episodes bypass batching and must end up either
		// acknowledged by the sink or in the local backup.
		Critical bool `json:"critical,omitempty"`
	}

	// Hit is one retrieval result. Score is the raw sink score; Decayed is
	// the score after temporal decay. Callers see both.
	Hit struct {
		Fact      string    `json:"fact"`
		Score     float64   `json:"score"`
		Decayed   float64   `json:"decayed_score"`
		Timestamp time.Time `json:"timestamp"`
		EpisodeID string    `json:"episode_id,omitempty"`
	}

	// Sink is the entity-graph backend. Implementations own the episode
	// identifiers they return.
	Sink interface {
		// AddEpisode writes one episode and returns its sink-assigned id.
		// ExcludedEntities lists entity kinds the sink must not extract for
		// this episode.
		AddEpisode(ctx context.Context, ep Episode, excludedEntities []string) (string, error)
		// Search queries the entity graph within a group partition.
		Search(ctx context.Context, query, groupID string, limit int) ([]Hit, error)
		// Close releases the connection.
		Close() error
	}

	// Disposition is the router's decision for one episode.
	Disposition int
)

// Episode dispositions.
const (
	// DispositionSend submits the episode to the sink immediately.
	DispositionSend Disposition = iota
	// DispositionBatch queues the episode for a later flush.
	DispositionBatch
	// DispositionSkip drops the episode (trivial content).
	DispositionSkip
)

// excludedEntities maps each episode type to the entity kinds the sink must
// not attempt to extract. Narrowing extraction reduces cost and false
// positives. Phase transitions request no custom extraction at all.
var excludedEntities = map[EpisodeType][]string{
	TypeInteraction:     {"TimingInsight", "WeeklyReview"},
	TypeMindsweep:       {"TimingInsight", "ADHDPattern"},
	TypeTimingAnalysis:  {"MindsweepItem", "WeeklyPriority"},
	TypeBehaviorPattern: {"TimingInsight", "MindsweepItem"},
	TypeSessionSummary:  {"TimingInsight"},
	TypePriorities:      {"TimingInsight", "ADHDPattern"},
}

// ExcludedEntities returns the entity kinds excluded for the episode type.
func ExcludedEntities(t EpisodeType) []string {
	if t == TypePhaseTransition {
		return nil
	}
	return excludedEntities[t]
}

// sendImmediately lists the types that bypass batching.
var sendImmediately = map[EpisodeType]bool{
	TypeSessionSummary:  true,
	TypePhaseTransition: true,
	TypePriorities:      true,
}

// trivialContent lists replies too thin to be worth graph extraction.
var trivialContent = map[string]bool{
	"ok": true, "thanks": true, "yes": true, "no": true, "sure": true,
}

// Route classifies an episode. skipTrivial enables dropping episodes whose
// content is a bare acknowledgement or shorter than three characters.
func Route(ep Episode, skipTrivial bool) Disposition {
	if ep.Critical || sendImmediately[ep.Type] {
		return DispositionSend
	}
	if skipTrivial && isTrivial(ep) {
		return DispositionSkip
	}
	return DispositionBatch
}

func isTrivial(ep Episode) bool {
	content, _ := ep.Data["content"].(string)
	trimmed := strings.TrimSpace(strings.ToLower(content))
	if len(trimmed) < 3 {
		return true
	}
	return trivialContent[trimmed]
}

// Content returns the episode's content field, if any.
func (e Episode) Content() string {
	content, _ := e.Data["content"].(string)
	return content
}
