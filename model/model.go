// Package model provides the provider-agnostic LLM client contract used by
// workflow nodes. LLM nodes, AUTO pre-tool speech and human-input extraction
// all invoke models through Client so they never couple to specific SDKs.
// Implementations under features/model translate these normalized types into
// provider-specific formats (Anthropic, OpenAI, Bedrock).
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract workflow nodes use to invoke LLM calls.
	// Implementations wrap provider SDKs and must be safe for concurrent use
	// across executions.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Returns an error if the provider is unavailable, quota is
		// exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks. The returned Streamer must be closed by
		// the caller. Providers without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Safe for use from a single goroutine.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases underlying resources.
		Close() error
		// Metadata returns provider-specific stream metadata such as
		// "provider", "model" or request IDs. Contents are optional and
		// provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for a model invocation.
	// Fields map to common provider parameters but may not be supported by
	// all backends; implementations document unsupported fields and either
	// return errors or apply defaults.
	Request struct {
		// Model is the provider-specific model identifier (e.g. "gpt-4o",
		// "claude-sonnet-4-20250514").
		Model string

		// Messages is the ordered chat history: system prompts, user inputs
		// and prior assistant responses.
		Messages []*Message

		// Temperature controls sampling temperature. Zero means greedy
		// decoding.
		Temperature float32

		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int

		// Tools describes tool schemas exposed for function calling. Empty
		// when the model should not invoke tools.
		Tools []*ToolDefinition

		// JSONResponse asks the provider for a JSON object response. LLM
		// nodes set this when an output schema is configured. Providers
		// without a native JSON mode should prompt for JSON and leave
		// enforcement to the caller.
		JSONResponse bool

		// Stream indicates the caller prefers streaming output. Providers
		// may ignore the flag when streaming is unsupported.
		Stream bool
	}

	// Response wraps the generated content and any tool call requests.
	Response struct {
		// Content contains the assistant messages returned by the model.
		// Typically one message; empty if the model only requested tools.
		Content []Message

		// ToolCalls lists tool invocations requested by the model. Empty for
		// final text responses.
		ToolCalls []ToolCall

		// Usage reports token counts when the provider supplies them. Check
		// InputTokens > 0 to confirm availability.
		Usage TokenUsage

		// StopReason explains why generation stopped. Values are
		// provider-specific ("stop_sequence", "max_tokens", "tool_calls",
		// content policy outcomes) and may be empty.
		StopReason string
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is "system", "user", "assistant" or a provider-specific role
		// such as "tool".
		Role string

		// Content is the message text. May be empty for tool call requests.
		Content string

		// Meta carries provider-specific metadata (message IDs, timestamps).
		Meta map[string]any
	}

	// ToolDefinition describes a tool schema passed to providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Providers may
		// restrict characters or length.
		Name string

		// Description documents the tool so the model knows when to call it.
		Description string

		// InputSchema is a JSON Schema object (map[string]any with "type",
		// "properties", "required") describing the tool arguments.
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// Name matches a ToolDefinition.Name from the request.
		Name string

		// Payload carries the JSON arguments generated by the model,
		// typically a map[string]any conforming to the input schema.
		Payload any
	}

	// Chunk is a streaming event. Type indicates which payload field is
	// populated.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Message contains the assistant delta when Type == ChunkTypeText.
		Message *Message
		// ToolCall carries the requested invocation when Type == ChunkTypeToolCall.
		ToolCall *ToolCall
		// UsageDelta reports incremental token usage when Type == ChunkTypeUsage.
		UsageDelta *TokenUsage
		// StopReason explains termination when Type == ChunkTypeStop.
		StopReason string
	}

	// TokenUsage records prompt/completion token counts when reported by the
	// provider. All fields are zero when the provider does not report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// OutputTokens counts tokens produced in this completion.
		OutputTokens int
		// TotalTokens is the provider-reported aggregate; prefer it over
		// summing Input + Output since some providers include overhead.
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

// Message role constants used across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate or
// quota limits. Adapters wrap provider throttling errors with this sentinel
// so callers can test with errors.Is and apply backoff uniformly.
var ErrRateLimited = errors.New("model: rate limited")
