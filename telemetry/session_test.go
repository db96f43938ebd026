package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionEffectivenessScoring(t *testing.T) {
	cases := []struct {
		name  string
		stats EffectivenessStats
		want  float64
	}{
		{
			name: "completed with captures and priorities under budget",
			stats: EffectivenessStats{
				Completed:       true,
				DurationMinutes: 28,
				TasksCaptured:   3,
				PrioritiesSet:   3,
			},
			want: 1.0, // 1.0 + 0.2 + 0.3 + 0.2 clamped
		},
		{
			name:  "abandoned empty session",
			stats: EffectivenessStats{DurationMinutes: 45},
			want:  0.0,
		},
		{
			name: "incomplete but productive",
			stats: EffectivenessStats{
				DurationMinutes: 25,
				TasksCaptured:   5,
			},
			want: 0.4, // 0.2 captures + 0.2 duration
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracer := NewSessionTracer(SessionInfo{SessionID: "s1"}, nil, nil, nil)
			got := tracer.SessionEffectiveness(context.Background(), tc.stats)
			assert.InDelta(t, tc.want, got, 1e-9)

			scores := tracer.Scores()
			require.NotEmpty(t, scores)
			last := scores[len(scores)-1]
			assert.Equal(t, ScoreEffectiveness, last.Name)
			assert.InDelta(t, tc.want, last.Value, 1e-9)
		})
	}
}

func TestRecordScoreClamps(t *testing.T) {
	tracer := NewSessionTracer(SessionInfo{}, nil, nil, nil)
	tracer.RecordScore(context.Background(), "coherence", 1.7)
	tracer.RecordScore(context.Background(), "focus", -0.2)

	scores := tracer.Scores()
	require.Len(t, scores, 2)
	assert.Equal(t, 1.0, scores[0].Value)
	assert.Equal(t, 0.0, scores[1].Value)
}

func TestActiveReturnsNoopBeforeInstall(t *testing.T) {
	SetActive(nil)
	tracer := Active()
	require.NotNil(t, tracer)
	// Must be callable without panicking.
	tracer.Event(context.Background(), EventToolStart, "tool", "capture_item")

	installed := NewSessionTracer(SessionInfo{SessionID: "s2"}, nil, nil, nil)
	SetActive(installed)
	t.Cleanup(func() { SetActive(nil) })
	assert.Equal(t, "s2", Active().Info().SessionID)
}

func TestTagsAndWeekTag(t *testing.T) {
	tracer := NewSessionTracer(SessionInfo{}, nil, nil, nil)
	tracer.Tag("tone", "firm")
	tracer.Tag("phase", "MIND_SWEEP")
	assert.Equal(t, []string{"tone:firm", "phase:MIND_SWEEP"}, tracer.Tags())

	ts := time.Date(2025, 8, 18, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "week:2025-W34", WeekTag(ts))
}
