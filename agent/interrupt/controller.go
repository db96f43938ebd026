// Package interrupt implements the suspend/resume protocol: tools pause the
// agent loop to ask the user a question, the runner replies, and the
// interrupted tool call replays with the reply served from a cache. The
// interrupt is a control signal, never an error.
package interrupt

import (
	"context"
	"sync"

	"github.com/gtdcoach/coach/agent/tools"
	"github.com/gtdcoach/coach/telemetry"
)

// DefaultCeiling is the per-session interrupt count past which a warning is
// logged. Exceeding it is never an error.
const DefaultCeiling = 20

// Controller mediates interrupt calls for one thread. Replies are cached by
// the originating tool-call id, which is stable across replay, so a replayed
// invocation observes the answer instead of re-prompting. Each suspension is
// also assigned a monotonically increasing interrupt index for telemetry.
type Controller struct {
	threadID string
	ceiling  int
	logger   telemetry.Logger

	mu sync.Mutex
	// replies caches the resume value per tool-call id. One entry per call
	// is enough: a tool may suspend at most once per invocation.
	replies map[string]string
	// current is the tool-call id of the invocation in flight.
	current string
	// pos counts interrupt calls inside the current invocation, enforcing
	// the single-interrupt rule.
	pos int
	// pendingCall is the call id awaiting a resume value, "" when none.
	pendingCall string
	// next is the interrupt index assigned to the next suspension.
	next      int
	suspended int
	warned    bool
}

// New builds a controller for the thread. ceiling <= 0 uses DefaultCeiling.
func New(threadID string, ceiling int, logger telemetry.Logger) *Controller {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Controller{
		threadID: threadID,
		ceiling:  ceiling,
		logger:   logger,
		replies:  make(map[string]string),
	}
}

// BeginInvocation marks the start of one tool dispatch, including replays.
// The loop calls it with the model-assigned tool-call id.
func (c *Controller) BeginInvocation(callID string) {
	c.mu.Lock()
	c.current = callID
	c.pos = 0
	c.mu.Unlock()
}

// Interrupt is called by tools that need a user reply. On replay of an
// answered interrupt it returns the cached reply with a nil outcome.
// Otherwise it returns a suspending Outcome the tool must return unchanged;
// the loop unwinds and surfaces prompt to the runner.
//
// A tool may suspend at most once per invocation. A second interrupt call in
// the same invocation is reported as a tool error: on replay it would
// re-prompt with a question the user already answered.
func (c *Controller) Interrupt(ctx context.Context, prompt string) (string, tools.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pos++
	tracer := telemetry.Active()
	tracer.Event(ctx, telemetry.EventInterruptAttempt,
		"thread_id", c.threadID, "call_id", c.current, "position", c.pos)

	if c.pos > 1 {
		return "", tools.NewError("multiple_interrupts",
			"tool attempted a second interrupt in one invocation; return to the agent and ask in a separate call")
	}
	if reply, ok := c.replies[c.current]; ok {
		tracer.Event(ctx, telemetry.EventInterruptState,
			"call_id", c.current, "state", "replayed")
		return reply, nil
	}

	idx := c.next
	c.next++
	c.pendingCall = c.current
	c.suspended++
	if c.suspended > c.ceiling && !c.warned {
		c.warned = true
		c.logger.Warn(ctx, "interrupt ceiling exceeded",
			"thread_id", c.threadID, "count", c.suspended, "ceiling", c.ceiling)
		tracer.Tag("interrupt_ceiling_exceeded", "true")
	}
	tracer.Event(ctx, telemetry.EventInterruptCaptured,
		"thread_id", c.threadID, "index", idx)
	return "", tools.Interrupt{Prompt: prompt, Metadata: map[string]any{
		"thread_id":       c.threadID,
		"interrupt_index": idx,
		"call_id":         c.current,
	}}
}

// Resume records the user's reply for the pending interrupt. The loop then
// replays the interrupted tool call, which consumes the reply via Interrupt.
func (c *Controller) Resume(ctx context.Context, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingCall == "" {
		c.logger.Warn(ctx, "resume with no pending interrupt", "thread_id", c.threadID)
		return
	}
	c.replies[c.pendingCall] = reply
	telemetry.Active().Event(ctx, telemetry.EventInterruptResume,
		"thread_id", c.threadID, "call_id", c.pendingCall)
	c.pendingCall = ""
}

// Pending reports whether an interrupt is awaiting a resume value.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCall != ""
}

// PendingCall returns the tool-call id awaiting a resume, "" when none.
func (c *Controller) PendingCall() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCall
}

// Count returns how many interrupts have suspended this session.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}
