package builtin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/agent/interrupt"
	"github.com/gtdcoach/coach/agent/phase"
	"github.com/gtdcoach/coach/agent/state"
	"github.com/gtdcoach/coach/agent/tools"
	"github.com/gtdcoach/coach/agent/tools/builtin"
	"github.com/gtdcoach/coach/memory"
	"github.com/gtdcoach/coach/memory/inmem"
)

type fixture struct {
	reg  *tools.Registry
	mgr  *state.Manager
	ctrl *interrupt.Controller
	sink *inmem.Sink
	mem  *memory.BatchingMemory
	now  *time.Time
}

func newFixture(t *testing.T, workflow state.Workflow) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mgr := state.NewManager(state.New("sess-1", "user-1", workflow, now), clock)
	sched := phase.NewScheduler(mgr, nil, nil)
	sched.Start(context.Background())
	ctrl := interrupt.New("sess-1", 0, nil)

	sink := inmem.New()
	mem := memory.NewBatching(memory.Options{
		Sink:      sink,
		SessionID: "sess-1",
		GroupID:   "user-1",
		Clock:     clock,
	})
	t.Cleanup(func() { mem.Close() })

	reg := tools.NewRegistry(nil, nil)
	require.NoError(t, builtin.Register(reg, builtin.Deps{
		Manager:    mgr,
		Scheduler:  sched,
		Interrupts: ctrl,
		Memory:     mem,
	}))
	return &fixture{reg: reg, mgr: mgr, ctrl: ctrl, sink: sink, mem: mem, now: &now}
}

// dispatch runs a call with a fresh invocation scope, the way the loop does.
func (f *fixture) dispatch(t *testing.T, name, id string, args map[string]any) tools.Outcome {
	t.Helper()
	f.ctrl.BeginInvocation(id)
	return f.reg.Dispatch(context.Background(), tools.Call{ID: id, Name: name, Args: args})
}

func value(t *testing.T, out tools.Outcome) map[string]any {
	t.Helper()
	v, ok := out.(tools.Value)
	require.True(t, ok, "expected a value outcome, got %#v", out)
	m, ok := v.Data.(map[string]any)
	require.True(t, ok, "expected a map payload, got %#v", v.Data)
	return m
}

func TestTransitionPhaseAdvancesAndPostsEpisode(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)
	*f.now = f.now.Add(90 * time.Second)

	out := f.dispatch(t, "transition_phase", "call-1", map[string]any{"phase": phase.MindSweep})
	v, ok := out.(tools.Value)
	require.True(t, ok)
	res, ok := v.Data.(phase.TransitionResult)
	require.True(t, ok)
	assert.Equal(t, phase.MindSweep, res.To)
	assert.InDelta(t, 1.5, res.FromDurationMin, 0.01)

	f.mem.Flush()
	var transitions int
	for _, ep := range f.sink.Episodes() {
		if ep.Type == memory.TypePhaseTransition {
			transitions++
			assert.Equal(t, "sess-1", ep.SessionID)
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestTransitionPhaseRejectsSkipAsToolError(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)

	out := f.dispatch(t, "transition_phase", "call-1", map[string]any{"phase": phase.WrapUp})
	e, ok := out.(tools.Error)
	require.True(t, ok)
	assert.Equal(t, "invalid_phase", e.Code)
	assert.Equal(t, phase.Startup, f.mgr.Snapshot().CurrentPhase)
}

func TestCheckTimeReturnsStatus(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)
	*f.now = f.now.Add(time.Minute)

	out := f.dispatch(t, "check_time", "call-1", nil)
	v, ok := out.(tools.Value)
	require.True(t, ok)
	status, ok := v.Data.(phase.TimeStatus)
	require.True(t, ok)
	assert.InDelta(t, 1.0, status.ElapsedMin, 0.01)
}

func TestSetReminderSchedules(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)

	out := f.dispatch(t, "set_reminder", "call-1", map[string]any{
		"minutes": 5.0, "message": "drink water",
	})
	assert.Equal(t, true, value(t, out)["scheduled"])

	st := f.mgr.Snapshot()
	require.Len(t, st.Reminders, 1)
	assert.Equal(t, f.now.Add(5*time.Minute), st.Reminders[0].At)
}

func TestCheckInSuspendsThenReturnsReply(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)
	args := map[string]any{"question": "How are you feeling about this week?"}

	out := f.dispatch(t, "check_in", "call-1", args)
	in, ok := out.(tools.Interrupt)
	require.True(t, ok)
	assert.Equal(t, "How are you feeling about this week?", in.Prompt)
	assert.Equal(t, "call-1", in.Metadata["call_id"])

	f.ctrl.Resume(context.Background(), "pretty scattered honestly")
	out = f.dispatch(t, "check_in", "call-1", args)
	assert.Equal(t, "pretty scattered honestly", value(t, out)["reply"])
}

func TestCaptureItemRecordsEveryLine(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)
	args := map[string]any{"prompt": "What's on your mind?"}

	out := f.dispatch(t, "capture_item", "call-1", args)
	require.IsType(t, tools.Interrupt{}, out)

	f.ctrl.Resume(context.Background(), "1. fix the gutter\n2. call dentist\nplan trip")
	out = f.dispatch(t, "capture_item", "call-1", args)
	m := value(t, out)
	assert.Equal(t, 3, m["count"])

	st := f.mgr.Snapshot()
	require.Len(t, st.Captures, 3)
	assert.Equal(t, "fix the gutter", st.Captures[0].Text)
	assert.Equal(t, phase.Startup, st.Captures[0].Phase)
	assert.Equal(t, "call dentist", st.Captures[1].Text)
}

func TestReviewProjectRecordsNextAction(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)
	args := map[string]any{"project": "Garage cleanup", "question": "What's the next action?"}

	out := f.dispatch(t, "review_project", "call-1", args)
	require.IsType(t, tools.Interrupt{}, out)

	f.ctrl.Resume(context.Background(), "buy shelving brackets")
	out = f.dispatch(t, "review_project", "call-1", args)
	assert.Equal(t, "Garage cleanup", value(t, out)["project"])

	st := f.mgr.Snapshot()
	require.Len(t, st.Projects, 1)
	assert.Equal(t, "buy shelving brackets", st.Projects[0].NextAction)
}

func TestSetPriorityRanksABC(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)
	args := map[string]any{"question": "Top three priorities?"}

	out := f.dispatch(t, "set_priority", "call-1", args)
	require.IsType(t, tools.Interrupt{}, out)

	f.ctrl.Resume(context.Background(), "ship report, book flights, renew passport, clean desk")
	out = f.dispatch(t, "set_priority", "call-1", args)
	assert.Equal(t, 4, value(t, out)["count"])

	st := f.mgr.Snapshot()
	require.Len(t, st.WeeklyPriorities, 4)
	assert.Equal(t, "A", st.WeeklyPriorities[0].Letter)
	assert.Equal(t, "B", st.WeeklyPriorities[1].Letter)
	assert.Equal(t, "C", st.WeeklyPriorities[2].Letter)
	assert.Equal(t, "C", st.WeeklyPriorities[3].Letter)
	assert.Equal(t, 1, st.WeeklyPriorities[0].Rank)
	assert.Equal(t, "ship report", st.WeeklyPriorities[0].Title)
}

func TestClarifyItemRecordsDecision(t *testing.T) {
	f := newFixture(t, state.WorkflowDailyClarify)
	args := map[string]any{"item": "email from landlord", "question": "Actionable?"}

	out := f.dispatch(t, "clarify_item", "call-1", args)
	require.IsType(t, tools.Interrupt{}, out)

	f.ctrl.Resume(context.Background(), "defer to weekend")
	out = f.dispatch(t, "clarify_item", "call-1", args)
	assert.Equal(t, "defer to weekend", value(t, out)["decision"])

	st := f.mgr.Snapshot()
	require.Len(t, st.ProcessedItems, 1)
	assert.Equal(t, "email from landlord", st.ProcessedItems[0].Text)
}

func TestSaveSummaryPostsCriticalEpisode(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)

	out := f.dispatch(t, "save_summary", "call-1", map[string]any{
		"summary": "Captured 12 items, set 3 priorities.",
	})
	assert.Equal(t, true, value(t, out)["saved"])
	assert.Equal(t, "Captured 12 items, set 3 priorities.", f.mgr.Snapshot().MessageSummary)

	f.mem.Flush()
	var found bool
	for _, ep := range f.sink.Episodes() {
		if ep.Type == memory.TypeSessionSummary {
			found = true
			assert.True(t, ep.Critical)
		}
	}
	assert.True(t, found)
}

func TestSecondInterruptInOneCallIsError(t *testing.T) {
	f := newFixture(t, state.WorkflowWeeklyReview)

	greedy := tools.Tool{
		Spec: tools.Spec{
			Name:        "double_ask",
			Description: "asks twice",
			InputSchema: map[string]any{"type": "object"},
			MaySuspend:  true,
		},
		Handler: func(ctx context.Context, call tools.Call) tools.Outcome {
			if _, suspended := f.ctrl.Interrupt(ctx, "first?"); suspended != nil {
				return suspended
			}
			_, suspended := f.ctrl.Interrupt(ctx, "second?")
			require.NotNil(t, suspended)
			return suspended
		},
	}
	require.NoError(t, f.reg.Register(greedy))

	out := f.dispatch(t, "double_ask", "call-1", nil)
	require.IsType(t, tools.Interrupt{}, out)
	f.ctrl.Resume(context.Background(), "fine")

	out = f.dispatch(t, "double_ask", "call-1", nil)
	e, ok := out.(tools.Error)
	require.True(t, ok)
	assert.Equal(t, "multiple_interrupts", e.Code)
}
