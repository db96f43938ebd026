// Package phase enforces per-phase time budgets and drives transitions
// through the fixed phase order of each workflow.
package phase

import (
	"time"

	"github.com/gtdcoach/coach/agent/state"
)

// Weekly review phases, in traversal order.
const (
	Startup        = "STARTUP"
	MindSweep      = "MIND_SWEEP"
	ProjectReview  = "PROJECT_REVIEW"
	Prioritization = "PRIORITIZATION"
	WrapUp         = "WRAP_UP"
)

// Daily clarify phases, in traversal order.
const (
	Load          = "LOAD"
	Preview       = "PREVIEW"
	ProcessTask   = "PROCESS_TASK"
	CheckDeepWork = "CHECK_DEEP_WORK"
	AddToToday    = "ADD_TO_TODAY"
	OfferBreak    = "OFFER_BREAK"
	Save          = "SAVE"
	Summary       = "SUMMARY"
)

// def describes one phase: its minute budget, the guidance line injected
// into the prompt, and a hint of which conversational tool fits next.
type def struct {
	budgetMin float64
	guidance  string
	toolHint  string
}

var weeklyOrder = []string{Startup, MindSweep, ProjectReview, Prioritization, WrapUp}

var weeklyDefs = map[string]def{
	Startup:        {2, "check readiness, set positive tone", "check_in"},
	MindSweep:      {10, "capture quickly, no filtering", "capture_item"},
	ProjectReview:  {12, "identify next actions", "review_project"},
	Prioritization: {5, "top 3 for the week, ABC method", "set_priority"},
	WrapUp:         {3, "save, celebrate, reinforce", "save_summary"},
}

var dailyOrder = []string{Load, Preview, ProcessTask, CheckDeepWork, AddToToday, OfferBreak, Save, Summary}

var dailyDefs = map[string]def{
	Load:          {1, "load the inbox, no decisions yet", "check_in"},
	Preview:       {2, "preview the items, set expectations", "check_in"},
	ProcessTask:   {15, "one item, one decision, then the next", "clarify_item"},
	CheckDeepWork: {2, "spot the deep work candidates", "clarify_item"},
	AddToToday:    {2, "pick what actually fits today", "set_priority"},
	OfferBreak:    {1, "offer a break, short and genuine", "check_in"},
	Save:          {1, "save everything decided", "save_summary"},
	Summary:       {1, "recap decisions, end on a win", "save_summary"},
}

// Order returns the phase sequence for a workflow.
func Order(w state.Workflow) []string {
	if w == state.WorkflowDailyClarify {
		return dailyOrder
	}
	return weeklyOrder
}

// Budget returns the phase's time budget in minutes, or false for an
// unknown phase.
func Budget(w state.Workflow, phase string) (float64, bool) {
	d, ok := defs(w)[phase]
	return d.budgetMin, ok
}

// Guidance returns the prompt guidance line for a phase.
func Guidance(w state.Workflow, phase string) string {
	return defs(w)[phase].guidance
}

// ToolHint names the conversational tool that fits the phase.
func ToolHint(w state.Workflow, phase string) string {
	return defs(w)[phase].toolHint
}

// Known reports whether phase belongs to the workflow.
func Known(w state.Workflow, phase string) bool {
	_, ok := defs(w)[phase]
	return ok
}

func defs(w state.Workflow) map[string]def {
	if w == state.WorkflowDailyClarify {
		return dailyDefs
	}
	return weeklyDefs
}

// Urgency is the time-pressure reading returned by check_time.
type Urgency string

// Urgency levels, most severe first. The casing is deliberate: the strings
// are shown to the model verbatim and the lowercase "wrap up" reads as a
// nudge rather than an order.
const (
	UrgencyTimeUp      Urgency = "TIME UP"
	UrgencyFinalMinute Urgency = "FINAL MINUTE"
	UrgencyWrapUp      Urgency = "WRAP UP"
	UrgencyWindDown    Urgency = "wrap up"
	UrgencyGoodPace    Urgency = "good pace"
)

// Assess derives the urgency level from elapsed time against the limit.
func Assess(elapsed, limit time.Duration) Urgency {
	remaining := limit - elapsed
	switch {
	case remaining <= 0:
		return UrgencyTimeUp
	case remaining <= time.Minute:
		return UrgencyFinalMinute
	case remaining < 2*time.Minute:
		return UrgencyWrapUp
	case float64(remaining) < 0.2*float64(limit):
		return UrgencyWindDown
	default:
		return UrgencyGoodPace
	}
}
