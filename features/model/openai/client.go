// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates workflow model requests into chat
// completion calls using the official github.com/openai/openai-go SDK and maps
// responses back to the generic model structures. Tool calls arrive as
// function-call deltas; the adapter decodes their JSON arguments before
// handing them to the workflow engine.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/flow/model"
)

// ChatClient captures the subset of the chat completion service used by the
// adapter. *openai.ChatCompletionService satisfies it.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the OpenAI adapter.
type Options struct {
	// DefaultModel is used when a request does not name a model. Required.
	DefaultModel string
	// MaxTokens caps completion length when the request does not set one.
	MaxTokens int
	// Temperature is applied when the request does not set one.
	Temperature float32
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTok       int
	temp         float32
}

// New builds an OpenAI-backed model client. The chat argument is typically
// &openaiClient.Chat.Completions.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client with the default SDK HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

// Stream opens a streaming chat completion and adapts its event stream to the
// model.Streamer contract.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: sdk.Bool(true),
	}
	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	return newOpenAIStreamer(ctx, stream, string(params.Model)), nil
}

func (c *Client) prepareRequest(req model.Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: msgs,
	}
	toolParams, err := encodeTools(req.Tools)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(float64(t))
	}
	if req.JSONResponse {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &sdk.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

func (c *Client) effectiveTemperature(reqTemp float32) float32 {
	if reqTemp > 0 {
		return reqTemp
	}
	return c.temp
}

func encodeMessages(messages []*model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		if m == nil || m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			msgs = append(msgs, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	return msgs, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolParams := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		parameters, err := toolParameters(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		fn := sdk.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: parameters,
		}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		toolParams = append(toolParams, sdk.ChatCompletionToolParam{Function: fn})
	}
	return toolParams, nil
}

// toolParameters converts an arbitrary schema value into the map form the SDK
// expects. Schemas may arrive as raw JSON, as structs produced by a schema
// generator, or as plain maps.
func toolParameters(schema any) (sdk.FunctionParameters, error) {
	if schema == nil {
		return sdk.FunctionParameters{"type": "object"}, nil
	}
	var raw []byte
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return sdk.FunctionParameters(m), nil
}

func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func translateResponse(resp *sdk.ChatCompletion) (model.Response, error) {
	if resp == nil {
		return model.Response{}, errors.New("openai: response is nil")
	}
	out := model.Response{}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			out.Content = append(out.Content, model.Message{
				Role:    model.RoleAssistant,
				Content: msg.Content,
			})
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:    call.Function.Name,
				Payload: parseToolArguments(call.Function.Arguments),
			})
		}
	}
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 {
		out.Usage = model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

// parseToolArguments decodes function-call arguments. Malformed JSON is
// preserved under a "raw" key so callers can surface it in error reports
// instead of losing the payload.
func parseToolArguments(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}
