package interrupt

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/agent/tools"
)

func TestInterruptSuspendsThenReplaysReply(t *testing.T) {
	ctx := context.Background()
	c := New("thread-1", 0, nil)

	c.BeginInvocation("call-1")
	reply, outcome := c.Interrupt(ctx, "Ready to start?")
	require.NotNil(t, outcome)
	intr, ok := outcome.(tools.Interrupt)
	require.True(t, ok)
	assert.Equal(t, "Ready to start?", intr.Prompt)
	assert.Empty(t, reply)
	assert.True(t, c.Pending())

	c.Resume(ctx, "yes, ready")
	assert.False(t, c.Pending())

	// Replay of the same call returns the exact reply without suspending.
	c.BeginInvocation("call-1")
	reply, outcome = c.Interrupt(ctx, "Ready to start?")
	assert.Nil(t, outcome)
	assert.Equal(t, "yes, ready", reply)
}

func TestSecondInterruptInOneInvocationIsToolError(t *testing.T) {
	ctx := context.Background()
	c := New("thread-1", 0, nil)

	c.BeginInvocation("call-1")
	_, outcome := c.Interrupt(ctx, "first question")
	require.IsType(t, tools.Interrupt{}, outcome)
	c.Resume(ctx, "answer")

	c.BeginInvocation("call-1")
	reply, outcome := c.Interrupt(ctx, "first question")
	require.Nil(t, outcome)
	assert.Equal(t, "answer", reply)

	_, outcome = c.Interrupt(ctx, "sneaky second question")
	toolErr, ok := outcome.(tools.Error)
	require.True(t, ok)
	assert.Equal(t, "multiple_interrupts", toolErr.Code)
}

func TestNestedInterruptsAcrossInvocations(t *testing.T) {
	ctx := context.Background()
	c := New("thread-1", 0, nil)

	for i := 0; i < 3; i++ {
		callID := fmt.Sprintf("call-%d", i)
		c.BeginInvocation(callID)
		_, outcome := c.Interrupt(ctx, "question")
		require.IsType(t, tools.Interrupt{}, outcome)
		c.Resume(ctx, fmt.Sprintf("reply-%d", i))

		c.BeginInvocation(callID)
		reply, outcome := c.Interrupt(ctx, "question")
		require.Nil(t, outcome)
		assert.Equal(t, fmt.Sprintf("reply-%d", i), reply)
	}
	assert.Equal(t, 3, c.Count())
}

func TestInterruptIndexIsMonotonic(t *testing.T) {
	ctx := context.Background()
	c := New("thread-1", 0, nil)

	for i := 0; i < 2; i++ {
		c.BeginInvocation(fmt.Sprintf("call-%d", i))
		_, outcome := c.Interrupt(ctx, "q")
		intr := outcome.(tools.Interrupt)
		assert.Equal(t, i, intr.Metadata["interrupt_index"])
		c.Resume(ctx, "a")
	}
}

func TestCeilingWarnsOnce(t *testing.T) {
	ctx := context.Background()
	logger := &capturingLogger{}
	c := New("thread-1", 2, logger)

	for i := 0; i < 4; i++ {
		c.BeginInvocation(fmt.Sprintf("call-%d", i))
		_, outcome := c.Interrupt(ctx, "q")
		require.IsType(t, tools.Interrupt{}, outcome)
		c.Resume(ctx, "a")
	}
	assert.Equal(t, 1, logger.warnings)
	assert.Equal(t, 4, c.Count())
}

func TestResumeWithoutPendingIsHarmless(t *testing.T) {
	logger := &capturingLogger{}
	c := New("thread-1", 0, logger)
	c.Resume(context.Background(), "unsolicited")
	assert.Equal(t, 1, logger.warnings)
}

type capturingLogger struct{ warnings int }

func (l *capturingLogger) Debug(context.Context, string, ...any) {}
func (l *capturingLogger) Info(context.Context, string, ...any)  {}
func (l *capturingLogger) Warn(context.Context, string, ...any)  { l.warnings++ }
func (l *capturingLogger) Error(context.Context, string, ...any) {}
