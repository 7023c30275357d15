// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration, and translates Converse
// responses (text + tool_use blocks) back into the generic model structures.
// Tool names are sanitized to Bedrock's character set on the way in and mapped
// back to their original identifiers on the way out.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/flow/model"
	"goa.design/flow/telemetry"
)

const (
	bedrockProviderName = "bedrock"

	// jsonInstruction steers models toward JSON output. Converse has no
	// response-format parameter, so structured output rides on the system
	// prompt.
	jsonInstruction = "Respond with a single valid JSON object. Do not include any text outside the JSON."
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. The SDK's ConverseStream returns a concrete output type;
// Wrap adapts *bedrockruntime.Client so tests can substitute fakes.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// StreamOutput is the subset of the ConverseStream output required by the
// adapter. It is satisfied by *bedrockruntime.ConverseStreamOutput.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// Wrap adapts the concrete AWS SDK client to the RuntimeClient interface.
func Wrap(client *bedrockruntime.Client) RuntimeClient {
	return sdkRuntime{client: client}
}

type sdkRuntime struct {
	client *bedrockruntime.Client
}

func (r sdkRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.client.Converse(ctx, params, optFns...)
}

func (r sdkRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// Model is the default model identifier used when a request does not name
	// one. Required.
	Model string

	// MaxTokens sets the default completion cap when a request does not
	// specify MaxTokens. When zero or negative, the client omits MaxTokens so
	// Bedrock uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// Logger is used for non-fatal diagnostics inside the adapter. When nil,
	// defaults to a no-op logger.
	Logger telemetry.Logger
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
	logger       telemetry.Logger
}

type requestParts struct {
	modelID     string
	messages    []brtypes.Message
	system      []brtypes.SystemContentBlock
	toolConfig  *brtypes.ToolConfiguration
	provToCanon map[string]string
}

// New initializes a Bedrock-powered model client for chat completion and
// streaming requests.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.Model,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// Complete issues a chat completion request to the configured Bedrock model
// using the Converse API.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output, parts.provToCanon)
}

// Stream invokes the Bedrock ConverseStream API and adapts incremental events
// into model.Chunks so callers can surface partial responses.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, c.buildConverseStreamInput(parts, req))
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse stream: %w", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newBedrockStreamer(ctx, stream, parts.provToCanon, parts.modelID), nil
}

func (c *Client) prepareRequest(req model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, _, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if req.JSONResponse {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: jsonInstruction})
	}
	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: sanToCanon,
	}, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req model.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) buildConverseStreamInput(parts *requestParts, req model.Request) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	t := temp
	if t <= 0 {
		t = c.temp
	}
	if t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals and is idempotent when
// ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}

	return false
}

// encodeMessages splits system prompts from the conversation and converts the
// remainder into Converse messages. Consecutive messages with the same role
// are merged into one multi-block message because Bedrock requires strictly
// alternating turns.
func encodeMessages(msgs []*model.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var (
		messages []brtypes.Message
		system   []brtypes.SystemContentBlock
	)
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		block := &brtypes.ContentBlockMemberText{Value: m.Content}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			continue
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{block},
		})
	}
	if len(messages) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return messages, system, nil
}

// encodeTools converts tool definitions into Bedrock's ToolConfiguration.
// It returns the forward (canonical to sanitized) and reverse maps so
// tool_use names echoed by the model can be translated back.
func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := SanitizeToolName(def.Name)
		if existing, ok := sanToCanon[sanitized]; ok && existing != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, existing)
		}
		canonToSan[def.Name] = sanitized
		sanToCanon[sanitized] = def.Name
		doc, err := toDocument(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: doc},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

// toDocument converts an arbitrary schema value into a smithy document.
// Schemas may arrive as raw JSON, as structs produced by a schema generator,
// or as plain maps; all are normalized through a JSON round trip.
func toDocument(schema any) (document.Interface, error) {
	m := map[string]any{"type": "object"}
	if schema != nil {
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
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	return document.NewLazyDocument(&m), nil
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response output is nil")
	}
	msgOut, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Response{}, fmt.Errorf("bedrock: unexpected converse output type %T", output.Output)
	}
	resp := model.Response{StopReason: string(output.StopReason)}
	for _, block := range msgOut.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			resp.Content = append(resp.Content, model.Message{
				Role:    model.RoleAssistant,
				Content: b.Value,
			})
		case *brtypes.ContentBlockMemberToolUse:
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				Name:    resolveToolName(aws.ToString(b.Value.Name), nameMap),
				Payload: decodeToolInput(b.Value.Input),
			})
		}
	}
	if u := output.Usage; u != nil {
		in := int(aws.ToInt32(u.InputTokens))
		out := int(aws.ToInt32(u.OutputTokens))
		total := int(aws.ToInt32(u.TotalTokens))
		if total == 0 {
			total = in + out
		}
		resp.Usage = model.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: total}
	}
	return resp, nil
}

// resolveToolName maps a provider-reported tool name back to the identifier
// the caller registered. Some Bedrock models prefix tool names with
// "$FUNCTIONS."; the prefix is stripped before the reverse lookup.
func resolveToolName(raw string, nameMap map[string]string) string {
	name := normalizeToolName(raw)
	if canonical, ok := nameMap[name]; ok {
		return canonical
	}
	return name
}

func decodeToolInput(doc document.Interface) any {
	if doc == nil {
		return map[string]any{}
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		raw, merr := doc.MarshalSmithyDocument()
		if merr != nil {
			return map[string]any{}
		}
		return map[string]any{"raw": string(raw)}
	}
	return v
}
