package patterns

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EvolutionType classifies one supersession step.
type EvolutionType string

// Evolution types.
const (
	EvolutionResolved    EvolutionType = "resolved"
	EvolutionEmerged     EvolutionType = "emerged"
	EvolutionTransformed EvolutionType = "transformed"
	EvolutionImproved    EvolutionType = "improved"
	EvolutionWorsened    EvolutionType = "worsened"
)

type (
	// EvolutionRecord is one step in a pattern's supersession chain.
	EvolutionRecord struct {
		ID           string        `json:"id"`
		Timestamp    time.Time     `json:"timestamp"`
		Type         EvolutionType `json:"type"`
		OldPattern   *Pattern      `json:"old_pattern,omitempty"`
		NewPattern   *Pattern      `json:"new_pattern,omitempty"`
		Intervention string        `json:"intervention,omitempty"`
		// Supersedes is the previous record id in the same chain.
		Supersedes string `json:"supersedes,omitempty"`
		// ImprovementScore is in [-1,1]; positive means the pattern got
		// better.
		ImprovementScore float64 `json:"improvement_score"`
	}

	// InterventionScore pairs an intervention with its mean improvement.
	InterventionScore struct {
		Intervention string  `json:"intervention"`
		MeanScore    float64 `json:"mean_score"`
	}

	// EvolutionStore keeps the global timestamp-ordered evolution history
	// and per-pattern chains keyed by the first pattern id in each chain.
	// Both files are append-only.
	EvolutionStore struct {
		dir   string
		clock func() time.Time

		mu      sync.Mutex
		history []EvolutionRecord
		// chains maps chain key (originating pattern id) to record ids.
		chains map[string][]string
		// chainOf maps every pattern id seen in a chain to its chain key.
		chainOf map[string]string
	}
)

const (
	historyFile = "pattern_evolution.json"
	chainsFile  = "evolution_chains.json"
)

// NewEvolutionStore loads existing history from dir, typically
// $HOME/.gtd_coach/evolution.
func NewEvolutionStore(dir string) (*EvolutionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("patterns: create evolution dir: %w", err)
	}
	s := &EvolutionStore{
		dir:     dir,
		clock:   time.Now,
		chains:  make(map[string][]string),
		chainOf: make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Track appends one evolution step and returns its record id. old or new may
// be nil (pattern emerged or fully resolved). The chain key is the id of the
// first pattern ever seen in the chain; later steps join the chain through
// the old pattern's id.
func (s *EvolutionStore) Track(old, new *Pattern, intervention string) (string, error) {
	if old == nil && new == nil {
		return "", errors.New("patterns: track requires at least one pattern")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(old)
	ensureID(new)

	rec := EvolutionRecord{
		ID:               fmt.Sprintf("evo_%s_%s", s.clock().Format("20060102150405"), uuid.NewString()[:8]),
		Timestamp:        s.clock(),
		Type:             classify(old, new),
		OldPattern:       old,
		NewPattern:       new,
		Intervention:     intervention,
		ImprovementScore: improvementScore(old, new),
	}

	key := s.chainKeyLocked(old, new)
	if ids := s.chains[key]; len(ids) > 0 {
		rec.Supersedes = ids[len(ids)-1]
	}
	s.chains[key] = append(s.chains[key], rec.ID)
	if old != nil {
		s.chainOf[old.ID] = key
	}
	if new != nil {
		s.chainOf[new.ID] = key
	}
	s.history = append(s.history, rec)

	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// History returns a copy of the global evolution history, timestamp-ordered.
func (s *EvolutionStore) History() []EvolutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EvolutionRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Chain returns the record ids of the chain containing the pattern id.
func (s *EvolutionStore) Chain(patternID string) []EvolutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.chainOf[patternID]
	if !ok {
		return nil
	}
	byID := make(map[string]EvolutionRecord, len(s.history))
	for _, rec := range s.history {
		byID[rec.ID] = rec
	}
	var out []EvolutionRecord
	for _, id := range s.chains[key] {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// SuccessfulInterventions returns interventions whose mean improvement score
// for the pattern type is positive, best first.
func (s *EvolutionStore) SuccessfulInterventions(patternType string) []InterventionScore {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, rec := range s.history {
		if rec.Intervention == "" || !matchesType(rec, patternType) {
			continue
		}
		sums[rec.Intervention] += rec.ImprovementScore
		counts[rec.Intervention]++
	}
	var out []InterventionScore
	for iv, sum := range sums {
		mean := sum / float64(counts[iv])
		if mean > 0 {
			out = append(out, InterventionScore{Intervention: iv, MeanScore: mean})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeanScore > out[j].MeanScore })
	return out
}

// ImprovementStory narrates how a pattern type improved from its first to
// its latest severity, naming up to two interventions with positive scores.
// Returns "" when severity did not improve; worsening is never highlighted.
func (s *EvolutionStore) ImprovementStory(patternType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []EvolutionRecord
	for _, rec := range s.history {
		if matchesType(rec, patternType) {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return ""
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })

	first := firstSeverity(records)
	last := lastSeverity(records)
	if last.Level() >= first.Level() {
		return ""
	}

	var helpers []string
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.Intervention == "" || rec.ImprovementScore <= 0 || seen[rec.Intervention] {
			continue
		}
		seen[rec.Intervention] = true
		helpers = append(helpers, rec.Intervention)
		if len(helpers) == 2 {
			break
		}
	}

	story := fmt.Sprintf("%s improved from %s to %s", patternType, first, last)
	if len(helpers) > 0 {
		story += ", helped by " + strings.Join(helpers, " and ")
	}
	return story + "."
}

// classify derives the evolution type from the severity transition.
func classify(old, new *Pattern) EvolutionType {
	if new == nil || new.Severity == SeverityNone {
		return EvolutionResolved
	}
	if old == nil || old.Severity == SeverityNone {
		return EvolutionEmerged
	}
	if old.Type != new.Type {
		return EvolutionTransformed
	}
	switch {
	case new.Severity.Level() < old.Severity.Level():
		return EvolutionImproved
	case new.Severity.Level() > old.Severity.Level():
		return EvolutionWorsened
	default:
		return EvolutionTransformed
	}
}

// improvementScore weighs the severity delta at 0.33 per level with 0.2
// bonuses for reduced frequency and reduced duration, clamped to [-1,1].
func improvementScore(old, new *Pattern) float64 {
	oldLevel, newLevel := 0, 0
	if old != nil {
		oldLevel = old.Severity.Level()
	}
	if new != nil {
		newLevel = new.Severity.Level()
	}
	score := float64(oldLevel-newLevel) * 0.33
	if old != nil && new != nil {
		if new.Frequency < old.Frequency {
			score += 0.2
		}
		if new.DurationMinutes < old.DurationMinutes {
			score += 0.2
		}
	}
	return clamp(score, -1, 1)
}

func (s *EvolutionStore) chainKeyLocked(old, new *Pattern) string {
	if old != nil {
		if key, ok := s.chainOf[old.ID]; ok {
			return key
		}
		return old.ID
	}
	if key, ok := s.chainOf[new.ID]; ok {
		return key
	}
	return new.ID
}

func (s *EvolutionStore) persistLocked() error {
	if err := writeJSONAtomic(filepath.Join(s.dir, historyFile), s.history); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(s.dir, chainsFile), s.chains)
}

func (s *EvolutionStore) load() error {
	if err := readJSON(filepath.Join(s.dir, historyFile), &s.history); err != nil {
		return err
	}
	if err := readJSON(filepath.Join(s.dir, chainsFile), &s.chains); err != nil {
		return err
	}
	if s.chains == nil {
		s.chains = make(map[string][]string)
	}
	byID := make(map[string]EvolutionRecord, len(s.history))
	for _, rec := range s.history {
		byID[rec.ID] = rec
	}
	for key, ids := range s.chains {
		for _, id := range ids {
			rec, ok := byID[id]
			if !ok {
				continue
			}
			if rec.OldPattern != nil {
				s.chainOf[rec.OldPattern.ID] = key
			}
			if rec.NewPattern != nil {
				s.chainOf[rec.NewPattern.ID] = key
			}
		}
	}
	return nil
}

func matchesType(rec EvolutionRecord, patternType string) bool {
	if rec.OldPattern != nil && rec.OldPattern.Type == patternType {
		return true
	}
	return rec.NewPattern != nil && rec.NewPattern.Type == patternType
}

func firstSeverity(records []EvolutionRecord) Severity {
	for _, rec := range records {
		if rec.OldPattern != nil && rec.OldPattern.Severity != SeverityNone {
			return rec.OldPattern.Severity
		}
		if rec.NewPattern != nil && rec.NewPattern.Severity != SeverityNone {
			return rec.NewPattern.Severity
		}
	}
	return SeverityNone
}

func lastSeverity(records []EvolutionRecord) Severity {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].NewPattern != nil {
			return records[i].NewPattern.Severity
		}
	}
	return SeverityNone
}

func ensureID(p *Pattern) {
	if p != nil && p.ID == "" {
		p.ID = uuid.NewString()
	}
}
