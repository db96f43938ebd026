package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gtdcoach/coach/agent/state"
	"github.com/gtdcoach/coach/telemetry"
)

// ErrInvalidPhase reports an unrecognized or out-of-order phase name. The
// transition leaves state untouched.
var ErrInvalidPhase = errors.New("phase: invalid phase")

// AlertKind classifies out-of-band notifications.
type AlertKind string

// Alert kinds.
const (
	AlertWarning     AlertKind = "warning"
	AlertUrgent      AlertKind = "urgent"
	AlertCritical    AlertKind = "critical"
	AlertPhaseChange AlertKind = "phase_change"
	AlertCompletion  AlertKind = "completion"
)

type (
	// Notifier emits out-of-band notifications (terminal bell, sound).
	Notifier interface {
		Alert(ctx context.Context, kind AlertKind, message string)
	}

	// TransitionResult is the structured message returned to the model
	// after a successful transition.
	TransitionResult struct {
		From            string  `json:"from"`
		To              string  `json:"to"`
		FromDurationMin float64 `json:"from_duration_minutes"`
		LimitMin        float64 `json:"time_limit_minutes"`
		Guidance        string  `json:"guidance"`
		NextToolHint    string  `json:"next_tool_hint"`
		Message         string  `json:"message"`
	}

	// TimeStatus is the structured result of check_time.
	TimeStatus struct {
		Status       Urgency `json:"status"`
		ElapsedMin   float64 `json:"elapsed_minutes"`
		RemainingMin float64 `json:"remaining_minutes"`
		// Warning is non-empty the first time each threshold is crossed
		// within a phase.
		Warning string `json:"warning,omitempty"`
	}

	// Scheduler overlays time contracts on the session state. Elapsed time
	// is computed from the manager's clock; time.Time subtraction uses the
	// monotonic reading, wall clock is display only.
	Scheduler struct {
		mgr      *state.Manager
		notifier Notifier
		logger   telemetry.Logger
	}
)

// NewScheduler wires a scheduler over the session's state manager.
func NewScheduler(mgr *state.Manager, notifier Notifier, logger telemetry.Logger) *Scheduler {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{mgr: mgr, notifier: notifier, logger: logger}
}

// Start enters the workflow's first phase if the session has none yet.
// Resumed sessions keep their saved phase.
func (s *Scheduler) Start(ctx context.Context) {
	now := s.mgr.Now()
	s.mgr.Update(func(st *state.State) {
		if st.CurrentPhase != "" {
			return
		}
		first := Order(st.Workflow)[0]
		budget, _ := Budget(st.Workflow, first)
		st.CurrentPhase = first
		st.PhaseStart = now
		st.PhaseLimitMin = budget
	})
	st := s.mgr.Snapshot()
	s.logger.Info(ctx, "session phase entered",
		"phase", st.CurrentPhase, "limit_minutes", st.PhaseLimitMin)
}

// Transition moves to the next phase. The name must be the workflow's next
// phase in order; the workflow name itself and unknown strings are rejected,
// and skipping is forbidden. Nothing is mutated on error.
func (s *Scheduler) Transition(ctx context.Context, next string) (TransitionResult, error) {
	st := s.mgr.Snapshot()
	if !Known(st.Workflow, next) {
		return TransitionResult{}, fmt.Errorf("%w: %q is not a %s phase", ErrInvalidPhase, next, st.Workflow)
	}
	order := Order(st.Workflow)
	idx := indexOf(order, st.CurrentPhase)
	if idx < 0 || idx+1 >= len(order) || order[idx+1] != next {
		return TransitionResult{}, fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidPhase, st.CurrentPhase, next)
	}

	now := s.mgr.Now()
	elapsedMin := now.Sub(st.PhaseStart).Minutes()
	budget, _ := Budget(st.Workflow, next)

	s.mgr.Update(func(st *state.State) {
		st.PhaseDurations[st.CurrentPhase] = elapsedMin
		st.TotalElapsedMin += elapsedMin
		st.CompletedPhases = append(st.CompletedPhases, st.CurrentPhase)
		st.CurrentPhase = next
		st.PhaseStart = now
		st.PhaseLimitMin = budget
		st.PhaseChanged = true
		st.TimeWarnings = []string{}
		st.TimePressure = false
		st.Interaction = state.InteractionConversational
	})

	from := st.CurrentPhase
	telemetry.Active().PhaseTransition(ctx, from, next, time.Duration(elapsedMin*float64(time.Minute)))
	s.notifier.Alert(ctx, AlertPhaseChange, fmt.Sprintf("Entering %s (%.0f min)", next, budget))

	res := TransitionResult{
		From:            from,
		To:              next,
		FromDurationMin: elapsedMin,
		LimitMin:        budget,
		Guidance:        Guidance(st.Workflow, next),
		NextToolHint:    ToolHint(st.Workflow, next),
	}
	res.Message = fmt.Sprintf("Now in %s (%.0f min): %s. Consider calling %s next.",
		next, budget, res.Guidance, res.NextToolHint)
	return res, nil
}

// CheckTime reads the phase clock and updates pressure flags. The first
// crossing of each threshold within a phase appends a warning and emits an
// alert; later checks at the same level stay quiet.
func (s *Scheduler) CheckTime(ctx context.Context) TimeStatus {
	now := s.mgr.Now()
	st := s.mgr.Snapshot()
	limit := time.Duration(st.PhaseLimitMin * float64(time.Minute))
	elapsed := now.Sub(st.PhaseStart)
	urgency := Assess(elapsed, limit)

	status := TimeStatus{
		Status:       urgency,
		ElapsedMin:   elapsed.Minutes(),
		RemainingMin: (limit - elapsed).Minutes(),
	}

	warningKey := st.CurrentPhase + ":" + string(urgency)
	firstCrossing := urgency != UrgencyGoodPace && !contains(st.TimeWarnings, warningKey)
	if firstCrossing {
		status.Warning = fmt.Sprintf("%s: %.1f minutes elapsed of %.0f in %s",
			urgency, status.ElapsedMin, st.PhaseLimitMin, st.CurrentPhase)
	}

	s.mgr.Update(func(st *state.State) {
		st.LastTimeCheck = now
		switch urgency {
		case UrgencyTimeUp, UrgencyFinalMinute:
			st.TimePressure = true
			st.Interaction = state.InteractionUrgent
		case UrgencyWrapUp:
			st.TimePressure = true
		}
		if firstCrossing {
			st.TimeWarnings = append(st.TimeWarnings, warningKey)
		}
	})

	if firstCrossing {
		switch urgency {
		case UrgencyTimeUp, UrgencyFinalMinute:
			s.notifier.Alert(ctx, AlertUrgent, status.Warning)
		default:
			s.notifier.Alert(ctx, AlertWarning, status.Warning)
		}
	}
	return status
}

// SetReminder enqueues a pending reminder surfaced later by the pre-model
// hook's time-context line.
func (s *Scheduler) SetReminder(minutesFromNow float64, message string) {
	at := s.mgr.Now().Add(time.Duration(minutesFromNow * float64(time.Minute)))
	s.mgr.Update(func(st *state.State) {
		st.Reminders = append(st.Reminders, state.Reminder{At: at, Message: message})
	})
}

// Alert forwards an explicit send_alert tool call to the notifier.
func (s *Scheduler) Alert(ctx context.Context, kind AlertKind, message string) {
	s.notifier.Alert(ctx, kind, message)
}

func indexOf(order []string, phase string) int {
	for i, p := range order {
		if p == phase {
			return i
		}
	}
	return -1
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type noopNotifier struct{}

func (noopNotifier) Alert(context.Context, AlertKind, string) {}
