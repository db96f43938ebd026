// Package patterns persists per-session behavior pattern records and the
// supersession chains that describe how patterns evolve across sessions.
// Both stores are append-only: nothing is ever deleted or rewritten away.
package patterns

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity ranks how disruptive a pattern currently is.
type Severity string

// Severity levels, mildest first.
const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityLevels = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Level returns the numeric rank of the severity. Unknown severities rank as
// none.
func (s Severity) Level() int { return severityLevels[s] }

type (
	// Pattern is one observed behavior pattern.
	Pattern struct {
		ID              string         `json:"id,omitempty"`
		Type            string         `json:"type"`
		Severity        Severity       `json:"severity"`
		Frequency       int            `json:"frequency,omitempty"`
		DurationMinutes float64        `json:"duration_minutes,omitempty"`
		Evidence        map[string]any `json:"evidence,omitempty"`
	}

	// Intervention is one coaching action taken in response to a pattern.
	Intervention struct {
		Type      string    `json:"type"`
		Context   string    `json:"context"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Outcomes summarizes how the session went, for effectiveness scoring.
	Outcomes struct {
		AllPhasesCompleted bool           `json:"all_phases_completed"`
		FocusScore         float64        `json:"focus_score"`
		Coherence          float64        `json:"coherence"`
		ContextSwitches    int            `json:"context_switches"`
		Notes              map[string]any `json:"notes,omitempty"`
	}

	// SessionRecord is the append-only per-session pattern record.
	SessionRecord struct {
		SessionID     string         `json:"session_id"`
		Timestamp     time.Time      `json:"timestamp"`
		Patterns      []Pattern      `json:"patterns"`
		Interventions []Intervention `json:"interventions"`
		Outcomes      Outcomes       `json:"outcomes"`
		Effectiveness float64        `json:"effectiveness"`
	}

	// RecurringPattern is one pattern type seen across sessions.
	RecurringPattern struct {
		Type        string    `json:"type"`
		Count       int       `json:"count"`
		MaxSeverity Severity  `json:"max_severity"`
		LastSeen    time.Time `json:"last_seen"`
	}

	// InterventionHistory summarizes past use of one intervention type.
	InterventionHistory struct {
		Count            int      `json:"count"`
		AvgEffectiveness float64  `json:"avg_effectiveness"`
		RecentContexts   []string `json:"recent_contexts"`
	}

	// Store buffers the current session's patterns and interventions and
	// writes one record file per session under root/sessions.
	Store struct {
		dir   string
		clock func() time.Time

		mu            sync.Mutex
		patterns      []Pattern
		interventions []Intervention
	}
)

// NewStore creates the session record directory if needed. dir is typically
// $HOME/.gtd_coach/patterns/sessions.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("patterns: create store dir: %w", err)
	}
	return &Store{dir: dir, clock: time.Now}, nil
}

// TrackPattern buffers a pattern into the current session.
func (s *Store) TrackPattern(p Pattern) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.patterns = append(s.patterns, p)
	s.mu.Unlock()
}

// TrackIntervention buffers an intervention into the current session.
func (s *Store) TrackIntervention(typ, context string) {
	s.mu.Lock()
	s.interventions = append(s.interventions, Intervention{
		Type:      typ,
		Context:   context,
		Timestamp: s.clock(),
	})
	s.mu.Unlock()
}

// Save writes the buffered session as one record file and clears the buffer.
// The returned session id embeds the timestamp plus a random suffix so
// sub-second invocations still get distinct ids.
func (s *Store) Save(outcomes Outcomes) (string, error) {
	s.mu.Lock()
	rec := SessionRecord{
		Timestamp:     s.clock(),
		Patterns:      s.patterns,
		Interventions: s.interventions,
		Outcomes:      outcomes,
	}
	s.patterns = nil
	s.interventions = nil
	s.mu.Unlock()

	rec.SessionID = fmt.Sprintf("%s_%s", rec.Timestamp.Format("20060102_150405"), uuid.NewString()[:8])
	rec.Effectiveness = Effectiveness(rec.Patterns, outcomes)

	if err := writeJSONAtomic(filepath.Join(s.dir, rec.SessionID+".json"), rec); err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

// Effectiveness scores a session in [0,1]: base 0.5, +0.2 when every phase
// completed, +0.1 for focus ≥ 60, +0.1 for coherence ≥ 0.6, −0.1 when more
// than two high-severity patterns occurred, −0.1 when context switches
// exceeded ten.
func Effectiveness(patterns []Pattern, outcomes Outcomes) float64 {
	score := 0.5
	if outcomes.AllPhasesCompleted {
		score += 0.2
	}
	if outcomes.FocusScore >= 60 {
		score += 0.1
	}
	if outcomes.Coherence >= 0.6 {
		score += 0.1
	}
	high := 0
	for _, p := range patterns {
		if p.Severity.Level() >= SeverityHigh.Level() {
			high++
		}
	}
	if high > 2 {
		score -= 0.1
	}
	if outcomes.ContextSwitches > 10 {
		score -= 0.1
	}
	return clamp(score, 0, 1)
}

// LoadRecurring returns pattern types appearing at least N times within the
// lookback window. N adapts to the dataset: 3 once nine or more patterns
// exist in the window, otherwise 1 so the system is useful from the first
// session.
func (s *Store) LoadRecurring(weeksBack int) ([]RecurringPattern, error) {
	records, err := s.loadSince(s.clock().AddDate(0, 0, -7*weeksBack))
	if err != nil {
		return nil, err
	}

	total := 0
	byType := make(map[string]*RecurringPattern)
	for _, rec := range records {
		for _, p := range rec.Patterns {
			total++
			rp, ok := byType[p.Type]
			if !ok {
				rp = &RecurringPattern{Type: p.Type}
				byType[p.Type] = rp
			}
			rp.Count++
			if p.Severity.Level() > rp.MaxSeverity.Level() {
				rp.MaxSeverity = p.Severity
			}
			if rec.Timestamp.After(rp.LastSeen) {
				rp.LastSeen = rec.Timestamp
			}
		}
	}

	threshold := 1
	if total >= 9 {
		threshold = 3
	}
	var out []RecurringPattern
	for _, rp := range byType {
		if rp.Count >= threshold {
			out = append(out, *rp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// History summarizes past sessions' use of one intervention type, with the
// five most recent contexts.
func (s *Store) History(interventionType string) (InterventionHistory, error) {
	records, err := s.loadSince(time.Time{})
	if err != nil {
		return InterventionHistory{}, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })

	var hist InterventionHistory
	var sum float64
	sessions := 0
	for _, rec := range records {
		matched := false
		for _, iv := range rec.Interventions {
			if iv.Type != interventionType {
				continue
			}
			hist.Count++
			matched = true
			hist.RecentContexts = append(hist.RecentContexts, iv.Context)
		}
		if matched {
			sum += rec.Effectiveness
			sessions++
		}
	}
	if sessions > 0 {
		hist.AvgEffectiveness = sum / float64(sessions)
	}
	if len(hist.RecentContexts) > 5 {
		hist.RecentContexts = hist.RecentContexts[len(hist.RecentContexts)-5:]
	}
	return hist, nil
}

func (s *Store) loadSince(cutoff time.Time) ([]SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("patterns: read store dir: %w", err)
	}
	var records []SessionRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("patterns: read record %s: %w", e.Name(), err)
		}
		var rec SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// One corrupt record must not hide the rest of the history.
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// writeJSONAtomic writes via a temp file and rename so a crash never leaves
// a partial record.
func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("patterns: marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("patterns: temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("patterns: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("patterns: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("patterns: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON loads a JSON file into v; a missing or empty file is not an
// error.
func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("patterns: read %s: %w", filepath.Base(path), err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("patterns: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
