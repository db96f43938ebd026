// Package tools defines the tool contract for the agent loop: typed specs
// sent to the model as function schemas, a three-way outcome (value,
// interrupt, error), and a registry that validates and dispatches calls.
package tools

import (
	"context"
	"encoding/json"
)

type (
	// Spec describes one tool to the model and the registry.
	Spec struct {
		// Name is the unique tool identifier.
		Name string
		// Description provides human-readable context for the model.
		Description string
		// InputSchema is the JSON schema document for the tool's arguments.
		InputSchema map[string]any
		// MaySuspend marks tools that can interrupt the loop to ask the
		// user a question.
		MaySuspend bool
	}

	// Call is one tool invocation requested by the model.
	Call struct {
		// ID is the model-assigned tool call id, echoed on the result.
		ID string
		// Name is the tool being invoked.
		Name string
		// Args holds the decoded arguments.
		Args map[string]any
		// Raw is the original argument JSON, kept for validation.
		Raw json.RawMessage
	}

	// Handler executes one tool call.
	Handler func(ctx context.Context, call Call) Outcome

	// Tool pairs a spec with its handler.
	Tool struct {
		Spec    Spec
		Handler Handler
	}

	// Outcome is the result of a tool invocation: exactly one of a value,
	// an interrupt, or an error. The interrupt variant is a control signal,
	// not a failure; it must never be logged or wrapped as an error.
	Outcome interface {
		isOutcome()
	}

	// Value is a successful tool result. Data must be JSON-encodable.
	Value struct {
		Data any
	}

	// Interrupt suspends the loop and surfaces Prompt to the host runner.
	// At most one interrupt may suspend per tool invocation; on resume the
	// tool re-executes and the interrupt call returns the cached reply.
	Interrupt struct {
		// Prompt is shown to the user, typically a question string.
		Prompt any
		// Metadata carries optional context for the runner UI.
		Metadata map[string]any
	}

	// Error is a runtime failure inside a tool. The loop converts it to a
	// tool-result message with an error field and continues.
	Error struct {
		Code    string
		Message string
	}
)

func (Value) isOutcome()     {}
func (Interrupt) isOutcome() {}
func (Error) isOutcome()     {}

// Error codes used by the registry and builtin tools.
const (
	CodeUnknownTool     = "unknown_tool"
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal"
)

// NewValue wraps a successful result.
func NewValue(data any) Outcome { return Value{Data: data} }

// NewInterrupt suspends with a prompt for the user.
func NewInterrupt(prompt any) Outcome { return Interrupt{Prompt: prompt} }

// NewError reports a tool runtime failure.
func NewError(code, message string) Outcome { return Error{Code: code, Message: message} }

// ResultPayload renders the outcome as the JSON-encodable body of a tool
// result message. Interrupts have no payload; the loop unwinds instead.
func ResultPayload(o Outcome) any {
	switch v := o.(type) {
	case Value:
		return v.Data
	case Error:
		return map[string]any{"error": v.Message, "code": v.Code}
	default:
		return nil
	}
}
