package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/agent/model"
)

func TestValidateFillsDefaults(t *testing.T) {
	now := time.Date(2025, 8, 18, 9, 0, 0, 0, time.UTC)
	st := &State{}
	st.Validate(now)

	assert.Equal(t, WorkflowWeeklyReview, st.Workflow)
	assert.Equal(t, AccountabilityAdaptive, st.Accountability)
	assert.Equal(t, InteractionConversational, st.Interaction)
	assert.Equal(t, "anon-2025-W34", st.UserID)
	assert.Equal(t, now, st.StartedAt)

	require.NotNil(t, st.Messages)
	require.NotNil(t, st.Captures)
	require.NotNil(t, st.WeeklyPriorities)
	require.NotNil(t, st.CompletedPhases)
	require.NotNil(t, st.PhaseDurations)
	require.NotNil(t, st.TokenUsage)
	assert.Nil(t, st.FocusScore)
	assert.Nil(t, st.PreviousSummary)
}

func TestValidateKeepsExplicitValues(t *testing.T) {
	st := &State{
		UserID:         "stable-user",
		Workflow:       WorkflowDailyClarify,
		Accountability: AccountabilityFirm,
	}
	st.Validate(time.Now())
	assert.Equal(t, "stable-user", st.UserID)
	assert.Equal(t, WorkflowDailyClarify, st.Workflow)
	assert.Equal(t, AccountabilityFirm, st.Accountability)
}

func TestCloneIsDeep(t *testing.T) {
	st := New("s1", "u1", WorkflowWeeklyReview, time.Now())
	st.Captures = append(st.Captures, Capture{Text: "taxes"})
	st.UserContext["tz"] = "Europe/London"

	clone := st.Clone()
	clone.Captures[0].Text = "mutated"
	clone.UserContext["tz"] = "UTC"
	clone.Messages = append(clone.Messages, model.Message{Role: model.RoleUser, Content: "hi"})

	assert.Equal(t, "taxes", st.Captures[0].Text)
	assert.Equal(t, "Europe/London", st.UserContext["tz"])
	assert.Empty(t, st.Messages)
}

func TestManagerVersionsEveryMutation(t *testing.T) {
	frozen := time.Date(2025, 8, 18, 9, 0, 0, 0, time.UTC)
	mgr := NewManager(New("s1", "u1", WorkflowWeeklyReview, frozen), func() time.Time { return frozen })

	assert.Equal(t, 0, mgr.Version())
	mgr.AppendMessage(model.Message{Role: model.RoleUser, Content: "ready"})
	assert.Equal(t, 1, mgr.Version())
	mgr.Update(func(st *State) { st.CurrentPhase = "STARTUP" })
	assert.Equal(t, 2, mgr.Version())

	snap := mgr.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "STARTUP", snap.CurrentPhase)

	// Snapshot mutations must not leak back.
	snap.CurrentPhase = "MIND_SWEEP"
	assert.Equal(t, "STARTUP", mgr.Snapshot().CurrentPhase)
}

func TestRecordToolCall(t *testing.T) {
	mgr := NewManager(New("s1", "u1", WorkflowWeeklyReview, time.Now()), nil)
	mgr.RecordToolCall("capture_item", 120*time.Millisecond, nil)
	mgr.RecordToolCall("transition_phase", 5*time.Millisecond, errors.New("invalid phase"))

	snap := mgr.Snapshot()
	require.Len(t, snap.ToolHistory, 2)
	assert.Equal(t, "capture_item", snap.ToolHistory[0].Name)
	assert.Empty(t, snap.ToolHistory[0].Error)
	assert.Equal(t, "invalid phase", snap.ToolHistory[1].Error)
	assert.Equal(t, float64(120), snap.ToolLatencies["capture_item"])
}
