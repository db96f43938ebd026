package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gtdcoach/coach/agent/model"
	"github.com/gtdcoach/coach/telemetry"
)

// Registry holds the session's tools, validates call arguments against each
// tool's declared schema, and dispatches with telemetry around every call.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// NewRegistry builds an empty registry.
func NewRegistry(logger telemetry.Logger, metrics telemetry.Metrics) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool, compiling its input schema. Duplicate names and
// invalid schemas are registration errors, caught at session setup rather
// than mid-loop.
func (r *Registry) Register(t Tool) error {
	if t.Spec.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	if _, ok := r.tools[t.Spec.Name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", t.Spec.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", t.Spec.Name)
	}
	if len(t.Spec.InputSchema) > 0 {
		schema, err := compileSchema(t.Spec.Name, t.Spec.InputSchema)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %q: %w", t.Spec.Name, err)
		}
		r.schemas[t.Spec.Name] = schema
	}
	r.tools[t.Spec.Name] = t
	r.order = append(r.order, t.Spec.Name)
	return nil
}

// MustRegister registers or panics; for static builtin tool sets wired at
// startup.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Specs returns the registered specs in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec)
	}
	return out
}

// Definitions renders the specs as model function schemas.
func (r *Registry) Definitions() []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		spec := r.tools[name].Spec
		out = append(out, model.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		})
	}
	return out
}

// MaySuspend reports whether the named tool can interrupt.
func (r *Registry) MaySuspend(name string) bool {
	t, ok := r.tools[name]
	return ok && t.Spec.MaySuspend
}

// Dispatch validates and runs one tool call. Unknown tools, schema
// violations, and panics all come back as Error outcomes so the loop can
// keep going; only Interrupt unwinds it.
func (r *Registry) Dispatch(ctx context.Context, call Call) (out Outcome) {
	t, ok := r.tools[call.Name]
	if !ok {
		return NewError(CodeUnknownTool, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if schema, ok := r.schemas[call.Name]; ok {
		if err := schema.Validate(validationDoc(call)); err != nil {
			r.metrics.IncCounter("coach_tool_invalid_args_total", 1, "tool", call.Name)
			return NewError(CodeInvalidArgument, err.Error())
		}
	}

	start := time.Now()
	tracer := telemetry.Active()
	tracer.Event(ctx, telemetry.EventToolStart, "tool", call.Name, "call_id", call.ID)

	defer func() {
		elapsed := time.Since(start)
		r.metrics.RecordTimer("coach_tool_duration", elapsed, "tool", call.Name)
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "tool panicked", "tool", call.Name, "panic", fmt.Sprint(rec))
			tracer.Event(ctx, telemetry.EventToolError, "tool", call.Name, "panic", fmt.Sprint(rec))
			out = NewError(CodeInternal, fmt.Sprintf("tool %s panicked: %v", call.Name, rec))
			return
		}
		switch v := out.(type) {
		case Error:
			tracer.Event(ctx, telemetry.EventToolError, "tool", call.Name, "error", v.Message)
		default:
			tracer.Event(ctx, telemetry.EventToolEnd, "tool", call.Name, "duration_ms", elapsed.Milliseconds())
		}
	}()

	return t.Handler(ctx, call)
}

// validationDoc returns the argument document to validate: the raw JSON when
// available (round-tripped through encoding/json), else the decoded map.
// A call with no arguments validates as an empty object.
func validationDoc(call Call) any {
	if len(call.Raw) > 0 {
		var doc any
		if err := json.Unmarshal(call.Raw, &doc); err == nil {
			if doc == nil {
				return map[string]any{}
			}
			return doc
		}
	}
	if call.Args == nil {
		return map[string]any{}
	}
	// Normalize the map through JSON so numbers validate as json values.
	raw, err := json.Marshal(call.Args)
	if err != nil {
		return map[string]any(call.Args)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any(call.Args)
	}
	return doc
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip so the compiler sees plain JSON values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}
