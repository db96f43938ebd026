package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/agent/model"
)

func msg(role, content string) model.Message {
	return model.Message{Role: role, Content: content}
}

func TestEstimateTokensCountsToolCalls(t *testing.T) {
	msgs := []model.Message{
		msg(model.RoleUser, strings.Repeat("a", 400)),
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{Name: "check_time", RawArguments: `{"x":1}`},
		}},
	}
	// 400 content chars + 10 name + 7 raw args, at 4 chars per token.
	assert.Equal(t, 104, estimateTokens(msgs))
}

func TestTrimLastFitKeepsRecentAndAlignsToUser(t *testing.T) {
	long := strings.Repeat("x", 2000) // ~500 tokens each
	msgs := []model.Message{
		msg(model.RoleUser, long),
		msg(model.RoleAssistant, long),
		msg(model.RoleUser, long),
		msg(model.RoleAssistant, long),
		msg(model.RoleUser, "latest question"),
	}

	trimmed, did := trimLastFit(msgs, 600)
	assert.True(t, did)
	require.NotEmpty(t, trimmed)
	assert.Equal(t, model.RoleUser, trimmed[0].Role)
	assert.True(t, estimateTokens(trimmed) <= 600 || len(trimmed) == 1)
	assert.Equal(t, "latest question", trimmed[len(trimmed)-1].Content)
}

func TestTrimLastFitNoopUnderBudget(t *testing.T) {
	msgs := []model.Message{
		msg(model.RoleUser, "hi"),
		msg(model.RoleAssistant, "hello"),
	}
	trimmed, did := trimLastFit(msgs, 1000)
	assert.False(t, did)
	assert.Len(t, trimmed, 2)
}

func TestSummarizePhaseKeepsUserAndToolContent(t *testing.T) {
	msgs := []model.Message{
		msg(model.RoleSystem, "system noise"),
		msg(model.RoleUser, "capture: fix the gutter"),
		msg(model.RoleAssistant, "great, noted! anything else on your mind today?"),
		msg(model.RoleTool, `{"captured":1}`),
	}
	s := summarizePhase("MIND_SWEEP", msgs, 500)
	assert.Contains(t, s, "[MIND_SWEEP]")
	assert.Contains(t, s, "fix the gutter")
	assert.Contains(t, s, `{"captured":1}`)
	assert.NotContains(t, s, "anything else")
	assert.NotContains(t, s, "system noise")
}

func TestSummarizePhaseRespectsBudget(t *testing.T) {
	msgs := []model.Message{msg(model.RoleUser, strings.Repeat("w ", 3000))}
	s := summarizePhase("STARTUP", msgs, 100)
	assert.LessOrEqual(t, len(s), 100*charsPerToken)
}
