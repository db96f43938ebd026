// Package state defines the typed session state record shared by the agent
// core, tools, and the checkpointer. The state is the single source of truth
// for a session: every field the runtime depends on is declared here and
// validated at ingress; unknown fields ride along in Extra.
//
// Ownership contract: the agent core exclusively owns the live state. Tools
// read and mutate it only through a Manager bound at session start; the
// checkpointer owns durable copies.
package state

import (
	"fmt"
	"time"

	"github.com/gtdcoach/coach/agent/model"
)

// Workflow identifies which coaching workflow a session runs.
type Workflow string

// Supported workflows.
const (
	WorkflowWeeklyReview Workflow = "weekly_review"
	WorkflowDailyClarify Workflow = "daily_clarify"
)

// AccountabilityMode selects the coaching tone.
type AccountabilityMode string

// Accountability modes. Adaptive resolves to firm or gentle per session
// based on recurring patterns.
const (
	AccountabilityFirm     AccountabilityMode = "firm"
	AccountabilityGentle   AccountabilityMode = "gentle"
	AccountabilityAdaptive AccountabilityMode = "adaptive"
)

// InteractionMode tracks conversational pacing; urgent is set under time
// pressure.
type InteractionMode string

// Interaction modes.
const (
	InteractionConversational InteractionMode = "conversational"
	InteractionUrgent         InteractionMode = "urgent"
)

type (
	// Capture is one item collected during mind sweep or daily capture.
	Capture struct {
		Text       string    `json:"text"`
		Phase      string    `json:"phase"`
		CapturedAt time.Time `json:"captured_at"`
	}

	// Priority is one weekly priority ranked with the ABC method.
	Priority struct {
		Rank   int    `json:"rank"`
		Letter string `json:"letter"`
		Title  string `json:"title"`
	}

	// Project is a reviewed project with its decided next action.
	Project struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		NextAction string `json:"next_action,omitempty"`
	}

	// ProcessedItem records one inbox item clarified during daily sessions.
	ProcessedItem struct {
		Text     string    `json:"text"`
		Decision string    `json:"decision"`
		At       time.Time `json:"at"`
	}

	// ToolInvocation records one tool call for the session history.
	ToolInvocation struct {
		Name       string    `json:"name"`
		At         time.Time `json:"at"`
		DurationMs int64     `json:"duration_ms"`
		Error      string    `json:"error,omitempty"`
	}

	// Reminder is a pending reminder enqueued via set_reminder.
	Reminder struct {
		At      time.Time `json:"at"`
		Message string    `json:"message"`
	}

	// ErrorRecord captures a non-fatal error absorbed during the session.
	ErrorRecord struct {
		At      time.Time `json:"at"`
		Source  string    `json:"source"`
		Message string    `json:"message"`
	}

	// FeatureFlags toggles optional session behavior.
	FeatureFlags struct {
		SkipTiming   bool `json:"skip_timing"`
		VoiceEnabled bool `json:"voice_enabled"`
		Verbose      bool `json:"verbose"`
		TestMode     bool `json:"test_mode"`
	}

	// State is the full session state. All fields exist after Validate;
	// nil-able pointers model the spec's nullable fields.
	State struct {
		// Conversation.
		Messages []model.Message `json:"messages"`

		// Identity.
		SessionID string    `json:"session_id"`
		Workflow  Workflow  `json:"workflow_type"`
		StartedAt time.Time `json:"started_at"`
		UserID    string    `json:"user_id"`

		// User context and learned history.
		UserContext       map[string]any     `json:"user_context"`
		PreviousSummary   *string            `json:"previous_session_summary"`
		RecurringPatterns []string           `json:"recurring_patterns"`
		ADHDPatterns      []string           `json:"adhd_patterns"`
		Accountability    AccountabilityMode `json:"accountability_mode"`

		// Review artifacts.
		Captures         []Capture       `json:"captures"`
		ProcessedItems   []ProcessedItem `json:"processed_items"`
		Projects         []Project       `json:"projects"`
		WeeklyPriorities []Priority      `json:"weekly_priorities"`

		// External signals (nullable until fetched).
		TimingData      map[string]any `json:"timing_data"`
		FocusScore      *float64       `json:"focus_score"`
		ContextSwitches *int           `json:"context_switches"`

		// Memory plumbing.
		EpisodeIDs  []string         `json:"graphiti_episode_ids"`
		MemoryBatch []map[string]any `json:"memory_batch"`

		// Phase machine.
		CurrentPhase    string           `json:"current_phase"`
		CompletedPhases []string         `json:"completed_phases"`
		AvailableTools  []string         `json:"available_tools"`
		ToolHistory     []ToolInvocation `json:"tool_history"`
		PhaseStart      time.Time        `json:"phase_start_time"`
		PhaseLimitMin   float64          `json:"phase_time_limit"`
		TotalElapsedMin float64          `json:"total_elapsed"`
		TimeWarnings    []string         `json:"time_warnings"`
		LastTimeCheck   time.Time        `json:"last_time_check"`
		TimePressure    bool             `json:"time_pressure_mode"`
		Interaction     InteractionMode  `json:"interaction_mode"`
		Reminders       []Reminder       `json:"reminders"`

		// Input handling.
		AwaitingInput bool     `json:"awaiting_input"`
		InputTimeout  *float64 `json:"input_timeout"`

		// Context-window management.
		ContextUsage         map[string]any `json:"context_usage"`
		MessageSummary       string         `json:"message_summary"`
		PhaseSummary         string         `json:"phase_summary"`
		PhaseChanged         bool           `json:"phase_changed"`
		ContextOverflowCount int            `json:"context_overflow_count"`

		// Error accounting.
		Errors     []ErrorRecord `json:"errors"`
		RetryCount int           `json:"retry_count"`

		// Durability bookkeeping.
		LastCheckpoint string             `json:"last_checkpoint"`
		PhaseDurations map[string]float64 `json:"phase_durations"`
		ToolLatencies  map[string]float64 `json:"tool_latencies"`
		TokenUsage     map[string]int     `json:"llm_token_usage"`

		Flags FeatureFlags `json:"feature_flags"`

		// Extra preserves unknown fields round-tripped through checkpoints.
		Extra map[string]any `json:"extra,omitempty"`
	}
)

// New builds a session state for the given identity with every collection
// initialized and defaults applied.
func New(sessionID, userID string, workflow Workflow, now time.Time) *State {
	st := &State{
		SessionID: sessionID,
		UserID:    userID,
		Workflow:  workflow,
		StartedAt: now,
	}
	st.Validate(now)
	return st
}

// Validate fills defaults for any missing field so the rest of the runtime
// never nil-checks collections. Invalid values are replaced, not rejected;
// the session continues (InvalidState handling).
func (s *State) Validate(now time.Time) {
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.UserID == "" {
		// Anonymous users bucket by ISO week so memory stays partitioned
		// without a stable identity.
		year, week := now.ISOWeek()
		s.UserID = weekBucket(year, week)
	}
	switch s.Workflow {
	case WorkflowWeeklyReview, WorkflowDailyClarify:
	default:
		s.Workflow = WorkflowWeeklyReview
	}
	switch s.Accountability {
	case AccountabilityFirm, AccountabilityGentle, AccountabilityAdaptive:
	default:
		s.Accountability = AccountabilityAdaptive
	}
	switch s.Interaction {
	case InteractionConversational, InteractionUrgent:
	default:
		s.Interaction = InteractionConversational
	}
	if s.Messages == nil {
		s.Messages = []model.Message{}
	}
	if s.UserContext == nil {
		s.UserContext = map[string]any{}
	}
	if s.RecurringPatterns == nil {
		s.RecurringPatterns = []string{}
	}
	if s.ADHDPatterns == nil {
		s.ADHDPatterns = []string{}
	}
	if s.Captures == nil {
		s.Captures = []Capture{}
	}
	if s.ProcessedItems == nil {
		s.ProcessedItems = []ProcessedItem{}
	}
	if s.Projects == nil {
		s.Projects = []Project{}
	}
	if s.WeeklyPriorities == nil {
		s.WeeklyPriorities = []Priority{}
	}
	if s.EpisodeIDs == nil {
		s.EpisodeIDs = []string{}
	}
	if s.MemoryBatch == nil {
		s.MemoryBatch = []map[string]any{}
	}
	if s.CompletedPhases == nil {
		s.CompletedPhases = []string{}
	}
	if s.AvailableTools == nil {
		s.AvailableTools = []string{}
	}
	if s.ToolHistory == nil {
		s.ToolHistory = []ToolInvocation{}
	}
	if s.TimeWarnings == nil {
		s.TimeWarnings = []string{}
	}
	if s.Reminders == nil {
		s.Reminders = []Reminder{}
	}
	if s.ContextUsage == nil {
		s.ContextUsage = map[string]any{}
	}
	if s.Errors == nil {
		s.Errors = []ErrorRecord{}
	}
	if s.PhaseDurations == nil {
		s.PhaseDurations = map[string]float64{}
	}
	if s.ToolLatencies == nil {
		s.ToolLatencies = map[string]float64{}
	}
	if s.TokenUsage == nil {
		s.TokenUsage = map[string]int{}
	}
}

// Clone returns a deep copy safe to hand outside the owning manager.
func (s *State) Clone() *State {
	out := *s
	out.Messages = append([]model.Message(nil), s.Messages...)
	out.RecurringPatterns = append([]string(nil), s.RecurringPatterns...)
	out.ADHDPatterns = append([]string(nil), s.ADHDPatterns...)
	out.Captures = append([]Capture(nil), s.Captures...)
	out.ProcessedItems = append([]ProcessedItem(nil), s.ProcessedItems...)
	out.Projects = append([]Project(nil), s.Projects...)
	out.WeeklyPriorities = append([]Priority(nil), s.WeeklyPriorities...)
	out.EpisodeIDs = append([]string(nil), s.EpisodeIDs...)
	out.MemoryBatch = cloneMapSlice(s.MemoryBatch)
	out.CompletedPhases = append([]string(nil), s.CompletedPhases...)
	out.AvailableTools = append([]string(nil), s.AvailableTools...)
	out.ToolHistory = append([]ToolInvocation(nil), s.ToolHistory...)
	out.TimeWarnings = append([]string(nil), s.TimeWarnings...)
	out.Reminders = append([]Reminder(nil), s.Reminders...)
	out.Errors = append([]ErrorRecord(nil), s.Errors...)
	out.UserContext = cloneMap(s.UserContext)
	out.ContextUsage = cloneMap(s.ContextUsage)
	out.Extra = cloneMap(s.Extra)
	out.PhaseDurations = cloneFloatMap(s.PhaseDurations)
	out.ToolLatencies = cloneFloatMap(s.ToolLatencies)
	out.TokenUsage = cloneIntMap(s.TokenUsage)
	if s.PreviousSummary != nil {
		v := *s.PreviousSummary
		out.PreviousSummary = &v
	}
	if s.FocusScore != nil {
		v := *s.FocusScore
		out.FocusScore = &v
	}
	if s.ContextSwitches != nil {
		v := *s.ContextSwitches
		out.ContextSwitches = &v
	}
	if s.InputTimeout != nil {
		v := *s.InputTimeout
		out.InputTimeout = &v
	}
	return &out
}

// RecordError appends a non-fatal error to the session error list.
func (s *State) RecordError(source, message string, now time.Time) {
	s.Errors = append(s.Errors, ErrorRecord{At: now, Source: source, Message: message})
}

func weekBucket(year, week int) string {
	return fmt.Sprintf("anon-%d-W%02d", year, week)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneMapSlice(src []map[string]any) []map[string]any {
	if src == nil {
		return nil
	}
	dst := make([]map[string]any, len(src))
	for i, m := range src {
		dst[i] = cloneMap(m)
	}
	return dst
}

func cloneFloatMap(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneIntMap(src map[string]int) map[string]int {
	if src == nil {
		return nil
	}
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
