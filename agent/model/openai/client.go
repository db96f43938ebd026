// Package openai provides a model.Client backed by any OpenAI-compatible
// chat-completions endpoint, including local inference servers such as LM
// Studio. It translates coach requests into ChatCompletion calls using
// github.com/openai/openai-go and maps responses back to the generic model
// structures. Message content is always a plain string; the supported local
// server rejects structured content arrays.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/gtdcoach/coach/agent/model"
	"github.com/gtdcoach/coach/retry"
)

// Options configures the adapter.
type Options struct {
	// BaseURL is the OpenAI-compatible endpoint, e.g.
	// "http://localhost:1234/v1" for LM Studio. Required.
	BaseURL string
	// APIKey authenticates against the endpoint. Local servers accept any
	// non-empty value.
	APIKey string
	// Model is the default model identifier. Required.
	Model string
	// Retry overrides the connection retry policy. Zero value uses
	// retry.LLMConfig (3 attempts, 2-10s backoff).
	Retry retry.Config
}

// Client implements model.Client via the OpenAI chat-completions API.
type Client struct {
	chat     oai.Client
	model    string
	retryCfg retry.Config
}

// New builds a client from the provided options. The endpoint is not
// contacted until Health or the first completion.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("openai: base URL is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: default model is required")
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.LLMConfig()
	}
	chat := oai.NewClient(option.WithBaseURL(opts.BaseURL), option.WithAPIKey(apiKey))
	return &Client{chat: chat, model: opts.Model, retryCfg: retryCfg}, nil
}

// Health lists served models to verify the endpoint is reachable.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.chat.Models.List(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return nil
}

// Complete renders a chat completion, retrying connection and timeout
// failures with exponential backoff.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	var completion *oai.ChatCompletion
	err = retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		var callErr error
		completion, callErr = c.chat.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateCompletion(completion), nil
}

// Stream opens a streaming chat completion. Text deltas are yielded as they
// arrive; accumulated tool calls, usage, and the stop reason follow once the
// provider closes the stream.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.Chat.Completions.NewStreaming(ctx, params)
	return &streamer{stream: stream}, nil
}

func (c *Client) encodeRequest(req model.Request) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		union, err := encodeMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, union)
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
		Tools:    encodeTools(req.Tools),
	}
	if req.Temperature > 0 {
		params.Temperature = oai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(req.MaxTokens))
	}
	return params, nil
}

func encodeMessage(m model.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case model.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case model.RoleUser:
		return oai.UserMessage(m.Content), nil
	case model.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	case model.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return oai.AssistantMessage(m.Content), nil
		}
		assistant := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content.OfString = oai.String(m.Content)
		}
		for _, call := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: call.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      call.Name,
					Arguments: encodeArguments(call),
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported role %q", m.Role)
	}
}

func encodeArguments(call model.ToolCall) string {
	if call.RawArguments != "" {
		return call.RawArguments
	}
	if call.Arguments == nil {
		return "{}"
	}
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func encodeTools(defs []model.ToolDefinition) []oai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]oai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: oai.String(def.Description),
				Parameters:  shared.FunctionParameters(def.InputSchema),
			},
		})
	}
	return tools
}

func translateCompletion(resp *oai.ChatCompletion) model.Response {
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = choice.FinishReason
	out.Message = model.Message{
		Role:      model.RoleAssistant,
		Content:   choice.Message.Content,
		ToolCalls: translateToolCalls(choice.Message.ToolCalls),
	}
	return out
}

func translateToolCalls(calls []oai.ChatCompletionMessageToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, decodeToolCall(call.ID, call.Function.Name, call.Function.Arguments))
	}
	return out
}

func decodeToolCall(id, name, rawArgs string) model.ToolCall {
	tc := model.ToolCall{ID: id, Name: name, RawArguments: rawArgs}
	if rawArgs == "" {
		return tc
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err == nil {
		tc.Arguments = args
	}
	return tc
}

type streamer struct {
	stream interface {
		Next() bool
		Current() oai.ChatCompletionChunk
		Err() error
		Close() error
	}
	acc     oai.ChatCompletionAccumulator
	pending []model.Chunk
	done    bool
}

// Recv returns the next chunk from the stream.
func (s *streamer) Recv() (model.Chunk, error) {
	if len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		return next, nil
	}
	if s.done {
		return model.Chunk{}, io.EOF
	}
	for s.stream.Next() {
		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return model.Chunk{Type: model.ChunkTypeText, Text: delta}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return model.Chunk{}, err
	}
	s.done = true
	s.queueFinal()
	if len(s.pending) == 0 {
		return model.Chunk{}, io.EOF
	}
	return s.Recv()
}

// queueFinal drains accumulated tool calls, usage, and the stop reason once
// the provider closes the stream.
func (s *streamer) queueFinal() {
	if len(s.acc.Choices) > 0 {
		choice := s.acc.Choices[0]
		for _, call := range choice.Message.ToolCalls {
			tc := decodeToolCall(call.ID, call.Function.Name, call.Function.Arguments)
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &tc})
		}
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeStop, StopReason: choice.FinishReason})
	}
	if s.acc.Usage.TotalTokens > 0 {
		usage := model.TokenUsage{
			InputTokens:  int(s.acc.Usage.PromptTokens),
			OutputTokens: int(s.acc.Usage.CompletionTokens),
			TotalTokens:  int(s.acc.Usage.TotalTokens),
		}
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	}
}

// Close releases the underlying connection.
func (s *streamer) Close() error {
	return s.stream.Close()
}
