// Package agent drives the tool-using reasoning loop: compose the prompt
// within the token budget, call the model, dispatch tool calls, checkpoint
// after every step, and unwind cleanly when a tool suspends for user input.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/gtdcoach/coach/agent/interrupt"
	"github.com/gtdcoach/coach/agent/model"
	"github.com/gtdcoach/coach/agent/state"
	"github.com/gtdcoach/coach/agent/stream"
	"github.com/gtdcoach/coach/agent/tools"
	"github.com/gtdcoach/coach/checkpoint"
	"github.com/gtdcoach/coach/prompts"
	"github.com/gtdcoach/coach/telemetry"
)

// RecursionLimitError reports that the loop hit its step budget. State is
// checkpointed before it is raised.
type RecursionLimitError struct {
	Limit int
}

// Error implements the error interface.
func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("agent: recursion limit %d reached", e.Limit)
}

// ErrNoTools reports an invocation before SetTools.
var ErrNoTools = fmt.Errorf("agent: tool registry not bound; call SetTools first")

type (
	// Config parameterizes one invocation.
	Config struct {
		// ThreadID keys checkpoints. Required.
		ThreadID string
		// RecursionLimit bounds loop steps. A limit of zero (or less) is a
		// terminal error before any LLM call.
		RecursionLimit int
		// Model overrides the client's default model name.
		Model string
		// Temperature for sampling.
		Temperature float64
		// Token budgets; see the package defaults.
		MaxInputTokens    int
		MaxResponseTokens int
		SummaryTokens     int
		// Mode selects stream chunk verbosity.
		Mode stream.Mode
	}

	// Result is the outcome of an invocation: either a completed state or a
	// suspension awaiting user input.
	Result struct {
		State     *state.State
		Interrupt *stream.Interrupt
		Steps     int
	}

	// Options wires a Core.
	Options struct {
		Client      model.Client
		Manager     *state.Manager
		Interrupts  *interrupt.Controller
		Checkpoints checkpoint.Checkpointer
		Metadata    checkpoint.MetadataStore
		Prompts     *prompts.Chain
		// Tone is the resolved accountability tone (firm or gentle).
		Tone    string
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Core is the ReAct loop. It exclusively owns live State; tools mutate
	// it only through the bound state manager.
	Core struct {
		client   model.Client
		mgr      *state.Manager
		registry *tools.Registry
		ctrl     *interrupt.Controller
		ckpt     checkpoint.Checkpointer
		meta     checkpoint.MetadataStore
		prompts  *prompts.Chain
		tone     string
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		// step is the monotonic checkpoint step for the thread.
		step       int
		parentCkpt string
	}
)

// DefaultConfig returns an invocation config with the standard budgets.
func DefaultConfig(threadID string) Config {
	return Config{
		ThreadID:          threadID,
		RecursionLimit:    150,
		Temperature:       0.7,
		MaxInputTokens:    DefaultMaxInputTokens,
		MaxResponseTokens: DefaultMaxResponseTokens,
		SummaryTokens:     DefaultSummaryTokens,
		Mode:              stream.ModeValues,
	}
}

// New builds a Core. SetTools must be called before any invocation.
func New(opts Options) *Core {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tone == "" {
		opts.Tone = prompts.ToneGentle
	}
	return &Core{
		client:  opts.Client,
		mgr:     opts.Manager,
		ctrl:    opts.Interrupts,
		ckpt:    opts.Checkpoints,
		meta:    opts.Metadata,
		prompts: opts.Prompts,
		tone:    opts.Tone,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// SetTools binds the tool registry.
func (c *Core) SetTools(reg *tools.Registry) {
	c.registry = reg
	names := make([]string, 0)
	for _, spec := range reg.Specs() {
		names = append(names, spec.Name)
	}
	c.mgr.Update(func(st *state.State) { st.AvailableTools = names })
}

// Manager exposes the state manager to tools and the runner.
func (c *Core) Manager() *state.Manager { return c.mgr }

// Invoke runs the loop to completion or suspension.
func (c *Core) Invoke(ctx context.Context, cfg Config) (*Result, error) {
	return c.run(ctx, cfg, nil)
}

// Resume records the user's reply for the pending interrupt and re-enters
// the loop; the interrupted tool call replays with the reply.
func (c *Core) Resume(ctx context.Context, cfg Config, reply string) (*Result, error) {
	c.ctrl.Resume(ctx, reply)
	c.mgr.Update(func(st *state.State) { st.AwaitingInput = false })
	return c.run(ctx, cfg, nil)
}

// Stream runs the loop and yields progress chunks. The terminal chunk
// carries the final state, an interrupt descriptor when suspended, or an
// error entry in Update when the loop failed.
func (c *Core) Stream(ctx context.Context, cfg Config) <-chan stream.Chunk {
	ch := make(chan stream.Chunk, 16)
	go func() {
		defer close(ch)
		emit := func(chunk stream.Chunk) {
			chunk.Mode = cfg.Mode
			telemetry.Active().StreamChunk(ctx)
			select {
			case ch <- chunk:
			case <-ctx.Done():
			}
		}
		res, err := c.run(ctx, cfg, emit)
		terminal := stream.Chunk{Mode: cfg.Mode, Final: true}
		if err != nil {
			terminal.Update = map[string]any{"error": err.Error()}
		} else {
			terminal.State = res.State
			terminal.Interrupt = res.Interrupt
			terminal.Step = res.Steps
		}
		select {
		case ch <- terminal:
		case <-ctx.Done():
		}
	}()
	return ch
}

func (c *Core) run(ctx context.Context, cfg Config, emit func(stream.Chunk)) (*Result, error) {
	if c.registry == nil {
		return nil, ErrNoTools
	}
	if cfg.ThreadID == "" {
		return nil, fmt.Errorf("agent: thread id is required")
	}
	if cfg.RecursionLimit <= 0 {
		return nil, &RecursionLimitError{Limit: cfg.RecursionLimit}
	}

	for step := 0; ; step++ {
		if step >= cfg.RecursionLimit {
			c.saveCheckpoint(ctx, cfg, "recursion_limit")
			return nil, &RecursionLimitError{Limit: cfg.RecursionLimit}
		}

		// Replay or dispatch any tool calls the last assistant message left
		// unresolved. After a resume this is where the interrupted tool
		// re-executes and consumes the cached reply.
		intr, err := c.resolveToolCalls(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if intr != nil {
			c.mgr.Update(func(st *state.State) { st.AwaitingInput = true })
			c.saveCheckpoint(ctx, cfg, "interrupt")
			res := &Result{State: c.mgr.Snapshot(), Interrupt: intr, Steps: step}
			return res, nil
		}

		msgs := c.composeMessages(ctx, cfg)
		resp, err := c.complete(ctx, cfg, msgs, emit)
		if err != nil {
			c.saveCheckpoint(ctx, cfg, "llm_error")
			now := c.mgr.Now()
			c.mgr.Update(func(st *state.State) { st.RecordError("llm", err.Error(), now) })
			return nil, fmt.Errorf("agent: model call: %w", err)
		}

		c.mgr.AppendMessage(resp.Message)
		c.mgr.Update(func(st *state.State) {
			st.TokenUsage["input"] += resp.Usage.InputTokens
			st.TokenUsage["output"] += resp.Usage.OutputTokens
		})
		c.saveCheckpoint(ctx, cfg, "loop")

		if emit != nil {
			emit(c.stepChunk(cfg, step, resp))
		}

		if len(resp.Message.ToolCalls) == 0 {
			return &Result{State: c.mgr.Snapshot(), Steps: step}, nil
		}
	}
}

// resolveToolCalls dispatches every unresolved tool call of the most recent
// assistant message, in call order. A suspending tool stops the scan and
// surfaces its prompt; already-answered calls replay from the interrupt
// cache inside the controller.
func (c *Core) resolveToolCalls(ctx context.Context, cfg Config) (*stream.Interrupt, error) {
	st := c.mgr.Snapshot()
	calls, answered := pendingToolCalls(st.Messages)
	for _, tc := range calls {
		if answered[tc.ID] {
			continue
		}
		c.ctrl.BeginInvocation(tc.ID)
		start := time.Now()
		outcome := c.registry.Dispatch(ctx, tools.Call{
			ID:   tc.ID,
			Name: tc.Name,
			Args: tc.Arguments,
			Raw:  []byte(tc.RawArguments),
		})
		switch v := outcome.(type) {
		case tools.Interrupt:
			return &stream.Interrupt{Value: v.Prompt, Metadata: v.Metadata}, nil
		case tools.Error:
			c.mgr.RecordToolCall(tc.Name, time.Since(start), fmt.Errorf("%s", v.Message))
		default:
			c.mgr.RecordToolCall(tc.Name, time.Since(start), nil)
		}
		payload, err := json.Marshal(tools.ResultPayload(outcome))
		if err != nil {
			payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
		c.mgr.AppendMessage(model.Message{
			Role:       model.RoleTool,
			Content:    string(payload),
			ToolCallID: tc.ID,
		})
	}
	return nil, nil
}

// pendingToolCalls returns the tool calls of the last assistant message and
// the set of call ids already answered by tool messages.
func pendingToolCalls(msgs []model.Message) ([]model.ToolCall, map[string]bool) {
	answered := make(map[string]bool)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == model.RoleTool {
			answered[m.ToolCallID] = true
			continue
		}
		if m.Role == model.RoleAssistant {
			if len(m.ToolCalls) == 0 {
				return nil, nil
			}
			return m.ToolCalls, answered
		}
		if m.Role == model.RoleUser {
			return nil, nil
		}
	}
	return nil, nil
}

// complete performs one model call, streaming text deltas to emit when the
// caller wants them. The generation span links the prompt name and version
// for the dashboard.
func (c *Core) complete(ctx context.Context, cfg Config, msgs []model.Message, emit func(stream.Chunk)) (*model.Response, error) {
	st := c.mgr.Snapshot()
	promptName := systemPromptName(st.Workflow)
	genCtx, gen := telemetry.Active().StartGeneration(ctx, promptName, c.promptVersion(ctx, promptName))

	req := model.Request{
		Model:       cfg.Model,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		Tools:       c.registry.Definitions(),
		MaxTokens:   cfg.MaxResponseTokens,
		Stream:      emit != nil,
	}

	var resp *model.Response
	var err error
	if emit != nil {
		resp, err = c.streamCompletion(genCtx, req, emit, cfg)
	} else {
		var r model.Response
		r, err = c.client.Complete(genCtx, req)
		resp = &r
	}
	if err != nil {
		gen.End(0, 0, err)
		return nil, err
	}
	gen.End(resp.Usage.InputTokens, resp.Usage.OutputTokens, nil)
	return resp, nil
}

// streamCompletion accumulates a streamed response while forwarding text
// deltas. Providers without streaming fall back to a blocking completion.
func (c *Core) streamCompletion(ctx context.Context, req model.Request, emit func(stream.Chunk), cfg Config) (*model.Response, error) {
	streamer, err := c.client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		r, err := c.client.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if r.Message.Content != "" {
			emit(stream.Chunk{Mode: cfg.Mode, Text: r.Message.Content})
		}
		return &r, nil
	}
	if err != nil {
		return nil, err
	}
	defer streamer.Close()

	var msg model.Message
	msg.Role = model.RoleAssistant
	var usage model.TokenUsage
	for {
		chunk, err := streamer.Recv()
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			msg.Content += chunk.Text
			emit(stream.Chunk{Mode: cfg.Mode, Text: chunk.Text})
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, *chunk.ToolCall)
			}
		case model.ChunkTypeUsage:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}
	return &model.Response{Message: msg, Usage: usage}, nil
}

// stepChunk renders one loop step per the configured mode.
func (c *Core) stepChunk(cfg Config, step int, resp *model.Response) stream.Chunk {
	chunk := stream.Chunk{Mode: cfg.Mode, Step: step}
	st := c.mgr.Snapshot()
	switch cfg.Mode {
	case stream.ModeUpdates:
		chunk.Update = map[string]any{
			"phase":      st.CurrentPhase,
			"messages":   len(st.Messages),
			"tool_calls": len(resp.Message.ToolCalls),
		}
	case stream.ModeDebug:
		chunk.Update = map[string]any{
			"phase":             st.CurrentPhase,
			"messages":          len(st.Messages),
			"tool_calls":        len(resp.Message.ToolCalls),
			"input_tokens":      resp.Usage.InputTokens,
			"output_tokens":     resp.Usage.OutputTokens,
			"context_overflows": st.ContextOverflowCount,
		}
	default:
		chunk.State = st
	}
	return chunk
}

// saveCheckpoint persists the current state version. Storage errors are
// logged and counted, never raised: the loop keeps going and the next
// successful put restores durability.
func (c *Core) saveCheckpoint(ctx context.Context, cfg Config, source string) {
	st := c.mgr.Snapshot()
	raw, err := json.Marshal(st)
	if err != nil {
		c.logger.Error(ctx, "checkpoint marshal failed", "error", err.Error())
		return
	}
	c.step++
	ckpt := checkpoint.Checkpoint{
		ThreadID:      cfg.ThreadID,
		ID:            uuid.NewString(),
		ParentID:      c.parentCkpt,
		TS:            c.mgr.Now(),
		ChannelValues: map[string]json.RawMessage{"state": raw},
		Metadata: checkpoint.Metadata{
			Source: source,
			Step:   c.step,
		},
	}
	if err := c.ckpt.Put(ctx, checkpoint.Config{ThreadID: cfg.ThreadID}, ckpt, nil); err != nil {
		c.metrics.IncCounter("coach_checkpoint_errors_total", 1)
		c.logger.Error(ctx, "checkpoint put failed", "thread_id", cfg.ThreadID, "error", err.Error())
		return
	}
	c.parentCkpt = ckpt.ID
	c.mgr.Update(func(st *state.State) { st.LastCheckpoint = ckpt.ID })

	if c.meta != nil {
		meta := checkpoint.SessionMeta{
			SessionID: st.SessionID,
			ThreadID:  cfg.ThreadID,
			Workflow:  string(st.Workflow),
			UserID:    st.UserID,
			Phase:     st.CurrentPhase,
			UpdatedAt: c.mgr.Now(),
		}
		if err := c.meta.Upsert(ctx, meta); err != nil {
			c.logger.Error(ctx, "session metadata upsert failed", "error", err.Error())
		}
	}
}

// RestoreStep seeds the checkpoint step counter when resuming a thread so
// steps stay monotonic across process restarts.
func (c *Core) RestoreStep(step int, parentID string) {
	c.step = step
	c.parentCkpt = parentID
}

func (c *Core) promptVersion(ctx context.Context, name string) string {
	p, err := c.prompts.Fetch(ctx, name)
	if err != nil {
		return "unknown"
	}
	return p.Version
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
