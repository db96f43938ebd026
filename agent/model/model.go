// Package model defines the provider-agnostic contract the agent core uses
// to invoke chat-completion models. Implementations wrap provider SDKs and
// translate Request/Response to provider-specific formats; the core never
// imports an SDK directly.
package model

import (
	"context"
	"errors"
)

// Conversation roles. The supported local inference server requires Content
// to be a plain string for every role, so the types below never carry
// structured content arrays.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type (
	// Client is the contract the agent core uses to invoke LLM calls.
	// Implementations must be safe for reuse across invocations and should
	// retry transient failures with exponential backoff.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Returns an error if the model is unavailable, quota is
		// exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks. The returned Streamer must be closed by
		// callers. Providers without streaming return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)

		// Health verifies the endpoint is reachable and the configured model
		// is served. Called once at client creation; failure is fatal.
		Health(ctx context.Context) error
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the underlying connection.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered chat history, including system prompt,
		// user inputs, assistant turns, and tool results.
		Messages []Message
		// Temperature controls sampling temperature.
		Temperature float64
		// Tools describes the function schemas exposed to the model.
		Tools []ToolDefinition
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
		// Stream indicates the caller prefers streaming output.
		Stream bool
	}

	// Message mirrors an LLM chat message. Messages are immutable once
	// appended to session history.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool.
		Role string
		// Content is the plain-string message text.
		Content string
		// ToolCalls carries the tool invocations requested by an assistant
		// message. Empty for other roles.
		ToolCalls []ToolCall
		// ToolCallID links a tool-result message to the originating call.
		// Set only when Role == RoleTool.
		ToolCallID string
		// Meta holds optional metadata (timestamps, phase) for debugging.
		Meta map[string]any
	}

	// ToolDefinition describes a tool schema passed to the model for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool's parameters.
		InputSchema map[string]any
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier used to correlate the
		// eventual tool-result message.
		ID string
		// Name identifies which tool should be invoked.
		Name string
		// Arguments carries the decoded JSON arguments for the call.
		Arguments map[string]any
		// RawArguments preserves the argument text when decoding fails.
		RawArguments string
	}

	// Response wraps the generated assistant message and usage accounting.
	Response struct {
		// Message is the assistant message, possibly carrying tool calls.
		Message Message
		// Usage reports token usage when the provider supplies it.
		Usage TokenUsage
		// StopReason explains why generation stopped ("stop", "tool_calls",
		// "length"); provider-specific and possibly empty.
		StopReason string
	}

	// Chunk is a streaming event. Type indicates which field is populated.
	Chunk struct {
		// Type is one of ChunkTypeText, ChunkTypeToolCall, ChunkTypeUsage,
		// ChunkTypeStop.
		Type string
		// Text is the assistant text delta when Type == ChunkTypeText.
		Text string
		// ToolCall is the completed tool invocation when Type == ChunkTypeToolCall.
		ToolCall *ToolCall
		// Usage reports incremental token usage when Type == ChunkTypeUsage.
		Usage *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records prompt/completion token counts when the provider
	// reports them.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// OutputTokens counts tokens produced by the completion.
		OutputTokens int
		// TotalTokens is the aggregate when reported by the provider.
		TotalTokens int
	}
)

// Chunk type constants populate Chunk.Type.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrUnavailable indicates the model endpoint failed its health check.
var ErrUnavailable = errors.New("model: endpoint unavailable")
