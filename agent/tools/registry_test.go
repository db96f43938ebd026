package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"content"},
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func echoTool() Tool {
	return Tool{
		Spec: Spec{
			Name:        "capture_item",
			Description: "Capture one mind sweep item.",
			InputSchema: captureSchema(),
			MaySuspend:  true,
		},
		Handler: func(_ context.Context, call Call) Outcome {
			return NewValue(map[string]any{"captured": call.Args["content"]})
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(echoTool()))
	assert.Error(t, r.Register(echoTool()))
}

func TestRegisterRejectsMissingHandler(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Register(Tool{Spec: Spec{Name: "broken"}})
	assert.Error(t, err)
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil)
	out := r.Dispatch(context.Background(), Call{Name: "nope"})
	toolErr, ok := out.(Error)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownTool, toolErr.Code)
}

func TestDispatchValidatesSchema(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(echoTool()))

	out := r.Dispatch(context.Background(), Call{
		Name: "capture_item",
		Args: map[string]any{"wrong_field": 42},
	})
	toolErr, ok := out.(Error)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidArgument, toolErr.Code)

	out = r.Dispatch(context.Background(), Call{
		Name: "capture_item",
		Args: map[string]any{"content": "call the dentist"},
	})
	val, ok := out.(Value)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"captured": "call the dentist"}, val.Data)
}

func TestDispatchValidatesRawArguments(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(echoTool()))

	out := r.Dispatch(context.Background(), Call{
		Name: "capture_item",
		Raw:  []byte(`{"content": ""}`),
	})
	toolErr, ok := out.(Error)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidArgument, toolErr.Code)
}

func TestDispatchRecoversPanics(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(Tool{
		Spec: Spec{Name: "explosive"},
		Handler: func(context.Context, Call) Outcome {
			panic("boom")
		},
	}))

	out := r.Dispatch(context.Background(), Call{Name: "explosive"})
	toolErr, ok := out.(Error)
	require.True(t, ok)
	assert.Equal(t, CodeInternal, toolErr.Code)
	assert.Contains(t, toolErr.Message, "boom")
}

func TestDefinitionsPreserveRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(echoTool()))
	require.NoError(t, r.Register(Tool{
		Spec:    Spec{Name: "check_time", Description: "Check remaining phase time."},
		Handler: func(context.Context, Call) Outcome { return NewValue("good pace") },
	}))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "capture_item", defs[0].Name)
	assert.Equal(t, "check_time", defs[1].Name)
	assert.True(t, r.MaySuspend("capture_item"))
	assert.False(t, r.MaySuspend("check_time"))
}

func TestResultPayload(t *testing.T) {
	assert.Equal(t, "hello", ResultPayload(NewValue("hello")))
	payload := ResultPayload(NewError("internal", "it broke"))
	assert.Equal(t, map[string]any{"error": "it broke", "code": "internal"}, payload)
	assert.Nil(t, ResultPayload(NewInterrupt("question?")))
}
