package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Span and event names emitted during a coaching session. Dashboards group
// on these, so the values are part of the observability contract.
const (
	EventGraphConfig       = "graph.config"
	EventStreamChunk       = "stream.chunk"
	EventToolStart         = "tool.start"
	EventToolEnd           = "tool.end"
	EventToolError         = "tool.error"
	EventInterruptAttempt  = "interrupt.attempt"
	EventInterruptCaptured = "interrupt.captured"
	EventInterruptResume   = "interrupt.resume"
	EventInterruptState    = "interrupt.state"
	EventInterruptAnalysis = "interrupt.analysis"
	EventPhaseTransition   = "phase.transition"
	ScoreEffectiveness     = "session.effectiveness"
)

type (
	// Score is a named numeric evaluation in [0,1] attached to a session or
	// span for offline analysis.
	Score struct {
		Name  string
		Value float64
	}

	// SessionInfo identifies the session a tracer observes and the metadata
	// recorded on its root span.
	SessionInfo struct {
		SessionID    string
		UserID       string
		WorkflowType string
		AgentType    string
		ToolsCount   int
		Model        string
	}

	// EffectivenessStats feeds the session.effectiveness score emitted when
	// a session ends.
	EffectivenessStats struct {
		Completed         bool
		DurationMinutes   float64
		TasksCaptured     int
		PrioritiesSet     int
		InterruptsHandled int
	}

	// SessionTracer links prompts, spans, and scores for one coaching
	// session. It is safe for concurrent emission. When the backend is
	// unavailable the tracer is constructed over no-op implementations and
	// every method degrades to a cheap no-op; the agent loop is never
	// blocked by tracing.
	SessionTracer struct {
		info    SessionInfo
		tracer  Tracer
		metrics Metrics
		logger  Logger

		mu     sync.Mutex
		tags   []string
		scores []Score
		chunk  int
	}

	// GenerationSpan wraps a model-call span and records the prompt variant
	// that produced it so the dashboard can group spans by prompt version.
	GenerationSpan struct {
		span    Span
		tracer  *SessionTracer
		started time.Time
	}
)

var (
	activeMu sync.RWMutex
	active   *SessionTracer
)

// NewSessionTracer builds a tracer for the given session. Pass no-op
// implementations when the tracing backend is unreachable; callers never
// need to nil-check the result.
func NewSessionTracer(info SessionInfo, tracer Tracer, metrics Metrics, logger Logger) *SessionTracer {
	if tracer == nil {
		tracer = NewNoopTracer()
	}
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &SessionTracer{info: info, tracer: tracer, metrics: metrics, logger: logger}
}

// SetActive installs the tracer as the process-wide handle. Components that
// cannot thread a tracer through their call stack read it via Active.
func SetActive(t *SessionTracer) {
	activeMu.Lock()
	defer activeMu.Unlock()
	active = t
}

// Active returns the installed session tracer. Before SetActive is called it
// returns a no-op-backed tracer so callers can emit unconditionally.
func Active() *SessionTracer {
	activeMu.RLock()
	defer activeMu.RUnlock()
	if active == nil {
		return NewSessionTracer(SessionInfo{}, nil, nil, nil)
	}
	return active
}

// Info returns the session identity the tracer was created with.
func (t *SessionTracer) Info() SessionInfo { return t.info }

// Tag attaches a key:value tag to subsequent spans. Used for A/B tone
// variants ("tone:firm") and workflow tags ("week:2025-W34", "phase:MIND_SWEEP").
func (t *SessionTracer) Tag(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tags = append(t.tags, key+":"+value)
}

// Tags returns a copy of the accumulated tags.
func (t *SessionTracer) Tags() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.tags))
	copy(out, t.tags)
	return out
}

// WeekTag formats the ISO-week workflow tag for the given time.
func WeekTag(ts time.Time) string {
	year, week := ts.ISOWeek()
	return fmt.Sprintf("week:%d-W%02d", year, week)
}

// Event records a point-in-time event on the current span and bumps the
// matching counter metric.
func (t *SessionTracer) Event(ctx context.Context, name string, attrs ...any) {
	span := t.tracer.Span(ctx)
	attrs = append(attrs, "session_id", t.info.SessionID)
	span.AddEvent(name, attrs...)
	t.metrics.IncCounter("coach_events_total", 1, "event", name)
}

// StreamChunk records a stream.chunk event carrying the running chunk index.
func (t *SessionTracer) StreamChunk(ctx context.Context) {
	t.mu.Lock()
	t.chunk++
	idx := t.chunk
	t.mu.Unlock()
	t.Event(ctx, EventStreamChunk, "index", idx)
}

// PhaseTransition records a phase.transition event with the outgoing phase
// duration.
func (t *SessionTracer) PhaseTransition(ctx context.Context, from, to string, duration time.Duration) {
	t.Event(ctx, EventPhaseTransition, "from", from, "to", to, "duration_ms", duration.Milliseconds())
	t.metrics.RecordTimer("coach_phase_duration_seconds", duration, "phase", from)
}

// StartGeneration opens a span around an LLM invocation and links the prompt
// name and version used to build the request.
func (t *SessionTracer) StartGeneration(ctx context.Context, promptName, promptVersion string) (context.Context, *GenerationSpan) {
	ctx, span := t.tracer.Start(ctx, "llm.generation", trace.WithSpanKind(trace.SpanKindClient))
	span.AddEvent("prompt.link",
		"prompt_name", promptName,
		"prompt_version", promptVersion,
		"session_id", t.info.SessionID,
		"model", t.info.Model,
	)
	return ctx, &GenerationSpan{span: span, tracer: t, started: time.Now()}
}

// End closes the generation span, recording token usage when known.
func (g *GenerationSpan) End(inputTokens, outputTokens int, err error) {
	if err != nil {
		g.span.RecordError(err)
	}
	g.span.AddEvent("usage", "input_tokens", inputTokens, "output_tokens", outputTokens)
	g.span.End()
	g.tracer.metrics.RecordTimer("coach_llm_latency_seconds", time.Since(g.started))
}

// RecordScore attaches a named score to the session. Values are clamped to
// [0,1].
func (t *SessionTracer) RecordScore(ctx context.Context, name string, value float64) {
	value = clamp01(value)
	t.mu.Lock()
	t.scores = append(t.scores, Score{Name: name, Value: value})
	t.mu.Unlock()
	t.Event(ctx, "score."+name, "value", value)
	t.metrics.RecordGauge("coach_score_"+name, value)
}

// Scores returns a copy of the scores recorded so far.
func (t *SessionTracer) Scores() []Score {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Score, len(t.scores))
	copy(out, t.scores)
	return out
}

// SessionEffectiveness computes and records the end-of-session score:
// base 1.0 when the session completed, +0.2 for any captures, +0.3 for any
// priorities, +0.2 when the whole session fit inside 30 minutes. The result
// is clamped to [0,1] before recording.
func (t *SessionTracer) SessionEffectiveness(ctx context.Context, stats EffectivenessStats) float64 {
	score := 0.0
	if stats.Completed {
		score = 1.0
	}
	if stats.TasksCaptured > 0 {
		score += 0.2
	}
	if stats.PrioritiesSet > 0 {
		score += 0.3
	}
	if stats.DurationMinutes > 0 && stats.DurationMinutes <= 30 {
		score += 0.2
	}
	score = clamp01(score)
	t.Event(ctx, ScoreEffectiveness,
		"completed", stats.Completed,
		"duration_minutes", stats.DurationMinutes,
		"tasks_captured", stats.TasksCaptured,
		"priorities_set", stats.PrioritiesSet,
		"interrupts_handled", stats.InterruptsHandled,
	)
	t.RecordScore(ctx, ScoreEffectiveness, score)
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
