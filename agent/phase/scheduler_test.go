package phase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/agent/state"
)

type recordingNotifier struct {
	alerts []AlertKind
}

func (n *recordingNotifier) Alert(_ context.Context, kind AlertKind, _ string) {
	n.alerts = append(n.alerts, kind)
}

func newTestScheduler(t *testing.T, workflow state.Workflow) (*Scheduler, *state.Manager, *time.Time, *recordingNotifier) {
	t.Helper()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mgr := state.NewManager(state.New("sess", "user", workflow, now), clock)
	notifier := &recordingNotifier{}
	sched := NewScheduler(mgr, notifier, nil)
	sched.Start(context.Background())
	return sched, mgr, &now, notifier
}

func TestAssessBoundaries(t *testing.T) {
	limit := 10 * time.Minute
	cases := []struct {
		elapsed time.Duration
		want    Urgency
	}{
		{10 * time.Minute, UrgencyTimeUp},
		{11 * time.Minute, UrgencyTimeUp},
		{9 * time.Minute, UrgencyFinalMinute},
		{9*time.Minute + 30*time.Second, UrgencyFinalMinute},
		{8*time.Minute + 30*time.Second, UrgencyWrapUp},
		{8*time.Minute + 10*time.Second, UrgencyWindDown},
		{5 * time.Minute, UrgencyGoodPace},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Assess(tc.elapsed, limit), tc.elapsed.String())
	}
}

func TestStartEntersFirstPhase(t *testing.T) {
	_, mgr, _, _ := newTestScheduler(t, state.WorkflowWeeklyReview)
	st := mgr.Snapshot()
	assert.Equal(t, Startup, st.CurrentPhase)
	assert.Equal(t, 2.0, st.PhaseLimitMin)
	assert.Empty(t, st.CompletedPhases)
}

func TestTransitionFollowsStrictOrder(t *testing.T) {
	sched, mgr, now, _ := newTestScheduler(t, state.WorkflowWeeklyReview)
	ctx := context.Background()

	*now = now.Add(90 * time.Second)
	res, err := sched.Transition(ctx, MindSweep)
	require.NoError(t, err)
	assert.Equal(t, Startup, res.From)
	assert.Equal(t, MindSweep, res.To)
	assert.InDelta(t, 1.5, res.FromDurationMin, 0.01)
	assert.Equal(t, 10.0, res.LimitMin)
	assert.Contains(t, res.Message, "capture_item")

	st := mgr.Snapshot()
	assert.Equal(t, []string{Startup}, st.CompletedPhases)
	assert.Equal(t, MindSweep, st.CurrentPhase)
	assert.True(t, st.PhaseChanged)
	assert.InDelta(t, 1.5, st.PhaseDurations[Startup], 0.01)
}

func TestTransitionRejectsSkipping(t *testing.T) {
	sched, mgr, _, _ := newTestScheduler(t, state.WorkflowWeeklyReview)
	before := mgr.Version()

	_, err := sched.Transition(context.Background(), Prioritization)
	assert.ErrorIs(t, err, ErrInvalidPhase)
	// No state mutation on error.
	assert.Equal(t, before, mgr.Version())
	assert.Equal(t, Startup, mgr.Snapshot().CurrentPhase)
}

func TestTransitionRejectsUnknownAndWorkflowName(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, state.WorkflowWeeklyReview)
	_, err := sched.Transition(context.Background(), "weekly_review")
	assert.ErrorIs(t, err, ErrInvalidPhase)
	_, err = sched.Transition(context.Background(), "NAP_TIME")
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestDailyWorkflowHasOwnOrder(t *testing.T) {
	sched, mgr, _, _ := newTestScheduler(t, state.WorkflowDailyClarify)
	assert.Equal(t, Load, mgr.Snapshot().CurrentPhase)

	_, err := sched.Transition(context.Background(), Preview)
	require.NoError(t, err)
	_, err = sched.Transition(context.Background(), ProcessTask)
	require.NoError(t, err)
	assert.Equal(t, 15.0, mgr.Snapshot().PhaseLimitMin)
}

func TestCheckTimeSetsPressureAndWarnsOncePerThreshold(t *testing.T) {
	sched, mgr, now, notifier := newTestScheduler(t, state.WorkflowWeeklyReview)
	ctx := context.Background()

	status := sched.CheckTime(ctx)
	assert.Equal(t, UrgencyGoodPace, status.Status)
	assert.Empty(t, status.Warning)

	// Startup budget is 2 minutes; at the limit the phase is out of time.
	*now = now.Add(2 * time.Minute)
	status = sched.CheckTime(ctx)
	assert.Equal(t, UrgencyTimeUp, status.Status)
	assert.NotEmpty(t, status.Warning)

	st := mgr.Snapshot()
	assert.True(t, st.TimePressure)
	assert.Equal(t, state.InteractionUrgent, st.Interaction)
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, AlertUrgent, notifier.alerts[0])

	// Second check at the same threshold stays quiet.
	status = sched.CheckTime(ctx)
	assert.Equal(t, UrgencyTimeUp, status.Status)
	assert.Empty(t, status.Warning)
	assert.Len(t, notifier.alerts, 1)
}

func TestTransitionClearsWarningsAndPressure(t *testing.T) {
	sched, mgr, now, _ := newTestScheduler(t, state.WorkflowWeeklyReview)
	ctx := context.Background()

	*now = now.Add(3 * time.Minute)
	sched.CheckTime(ctx)
	require.True(t, mgr.Snapshot().TimePressure)

	_, err := sched.Transition(ctx, MindSweep)
	require.NoError(t, err)

	st := mgr.Snapshot()
	assert.False(t, st.TimePressure)
	assert.Empty(t, st.TimeWarnings)
	assert.Equal(t, state.InteractionConversational, st.Interaction)
}

func TestSetReminder(t *testing.T) {
	sched, mgr, now, _ := newTestScheduler(t, state.WorkflowWeeklyReview)
	sched.SetReminder(5, "stand up and stretch")

	st := mgr.Snapshot()
	require.Len(t, st.Reminders, 1)
	assert.Equal(t, "stand up and stretch", st.Reminders[0].Message)
	assert.Equal(t, now.Add(5*time.Minute), st.Reminders[0].At)
}
