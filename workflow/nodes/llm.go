package nodes

import (
	"context"
	"encoding/json"
	"strings"

	"goa.design/flow/hooks"
	"goa.design/flow/model"
	"goa.design/flow/prompt"
	"goa.design/flow/telemetry"
	"goa.design/flow/workflow"
)

// ModelClientMetaKey is the context metadata key under which callers may
// stash a model.Client for LLM nodes built without one. Resolution order is
// llm_id binding, then the factory client, then this metadata entry.
const ModelClientMetaKey = "model_client"

type (
	llmConfig struct {
		Model        string         `json:"model"`
		SystemPrompt string         `json:"system_prompt"`
		System       string         `json:"system"`
		Temperature  float32        `json:"temperature"`
		MaxTokens    int            `json:"max_tokens"`
		OutputSchema map[string]any `json:"output_schema"`
		JSONResponse bool           `json:"json_response"`
	}

	// llmNode renders its prompt template against the payload and context,
	// merges any user-supplied prompt fragment per the node's merge policy
	// and sends the completion request. With JSON mode on, the response is
	// decoded before it becomes the node output.
	llmNode struct {
		id         string
		cfg        llmConfig
		template   string
		promptID   string
		llmID      string
		userPrompt *workflow.UserPromptConfig
		client     model.Client
		modelName  string
		renderer   *prompt.Renderer
		models     ModelResolver
		prompts    PromptResolver
		bus        hooks.Bus
		logger     telemetry.Logger
	}
)

func newLLM(ns *workflow.NodeSpec, f *Factory) (workflow.Node, error) {
	var cfg llmConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = cfg.System
	}
	if ns.LLMID != "" && f.models == nil {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q references llm %q but no model resolver is configured", ns.ID, ns.LLMID)
	}
	if ns.PromptID != "" && ns.Prompt == "" && f.prompts == nil {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q references prompt %q but no prompt resolver is configured", ns.ID, ns.PromptID)
	}
	return &llmNode{
		id:         ns.ID,
		cfg:        cfg,
		template:   ns.Prompt,
		promptID:   ns.PromptID,
		llmID:      ns.LLMID,
		userPrompt: ns.UserPrompt,
		client:     f.client,
		modelName:  f.modelName,
		renderer:   f.renderer,
		models:     f.models,
		prompts:    f.prompts,
		bus:        f.bus,
		logger:     f.logger,
	}, nil
}

func (n *llmNode) ID() string              { return n.id }
func (n *llmNode) Kind() workflow.NodeKind { return workflow.NodeLLM }

func (n *llmNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	req, client, err := n.buildRequest(ctx, wctx, input)
	if err != nil {
		return nil, err
	}

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindNodeExecution, err,
			"node %q completion", n.id).WithDetails("code", "llm_error", "model", req.Model)
	}

	var text strings.Builder
	for _, msg := range resp.Content {
		text.WriteString(msg.Content)
	}
	content := any(text.String())
	if n.jsonMode() {
		var decoded any
		if err := json.Unmarshal([]byte(text.String()), &decoded); err == nil {
			content = decoded
		}
	}

	if n.bus != nil {
		event := hooks.NewAssistantMessageEvent(wctx.WorkflowID(), wctx.ExecutionID(), n.id, text.String(), req.Model)
		if perr := n.bus.Publish(ctx, event); perr != nil {
			n.logger.Warn(ctx, "event publish failed", "node_id", n.id, "event", event.Type(), "err", perr)
		}
	}

	out := map[string]any{"content": content}
	if req.Model != "" {
		out["model"] = req.Model
	}
	if resp.Usage.TotalTokens > 0 || resp.Usage.InputTokens > 0 {
		out["usage"] = map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		}
	}
	if resp.StopReason != "" {
		out["stop_reason"] = resp.StopReason
	}
	return out, nil
}

func (n *llmNode) buildRequest(ctx context.Context, wctx *workflow.Context, input any) (model.Request, model.Client, error) {
	client := n.client
	modelName := n.cfg.Model
	temperature := n.cfg.Temperature
	maxTokens := n.cfg.MaxTokens

	if n.llmID != "" {
		binding, err := n.models.Model(ctx, n.llmID)
		if err != nil {
			return model.Request{}, nil, workflow.WrapError(workflow.KindNodeExecution, err,
				"node %q resolve llm %q", n.id, n.llmID).WithDetails("code", "llm_error")
		}
		if binding.Client != nil {
			client = binding.Client
		}
		if modelName == "" {
			modelName = binding.Model
		}
		if temperature == 0 {
			temperature = binding.Temperature
		}
		if maxTokens == 0 {
			maxTokens = binding.MaxTokens
		}
	}
	if client == nil {
		if c, ok := wctx.Meta(ModelClientMetaKey); ok {
			client, _ = c.(model.Client)
		}
	}
	if client == nil {
		return model.Request{}, nil, workflow.NewError(workflow.KindNodeExecution,
			"node %q has no model client", n.id).WithDetails("code", "llm_error")
	}
	if modelName == "" {
		modelName = n.modelName
	}

	userMsg, err := n.userMessage(ctx, wctx, input)
	if err != nil {
		return model.Request{}, nil, err
	}

	var messages []*model.Message
	if n.cfg.SystemPrompt != "" {
		messages = append(messages, &model.Message{Role: model.RoleSystem, Content: n.cfg.SystemPrompt})
	}
	messages = append(messages, &model.Message{Role: model.RoleUser, Content: userMsg})

	return model.Request{
		Model:        modelName,
		Messages:     messages,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		JSONResponse: n.jsonMode(),
	}, client, nil
}

func (n *llmNode) jsonMode() bool {
	return n.cfg.JSONResponse || len(n.cfg.OutputSchema) > 0
}

func (n *llmNode) userMessage(ctx context.Context, wctx *workflow.Context, input any) (string, error) {
	template := n.template
	if template == "" && n.promptID != "" {
		stored, err := n.prompts.Prompt(ctx, n.promptID)
		if err != nil {
			return "", workflow.WrapError(workflow.KindNodeExecution, err,
				"node %q resolve prompt %q", n.id, n.promptID).WithDetails("code", "llm_error")
		}
		template = stored
	}

	var rendered string
	switch {
	case template != "":
		vars := map[string]any{"input": input, "ctx": wctx.Variables()}
		if m, ok := asMap(input); ok {
			for k, v := range m {
				vars[k] = v
			}
		}
		out, err := n.renderer.Render(template, vars)
		if err != nil {
			return "", workflow.WrapError(workflow.KindNodeExecution, err,
				"node %q prompt template", n.id).WithDetails("code", "llm_error")
		}
		rendered = out
	default:
		if s, ok := input.(string); ok {
			rendered = s
		} else if raw, err := json.Marshal(input); err == nil {
			rendered = string(raw)
		}
	}
	return n.mergeUserPrompt(wctx, input, rendered), nil
}

// mergeUserPrompt combines the node prompt with a caller-supplied fragment
// from the payload or context according to the node's merge policy.
func (n *llmNode) mergeUserPrompt(wctx *workflow.Context, input any, nodePrompt string) string {
	if n.userPrompt == nil {
		return nodePrompt
	}
	var fragment string
	if m, ok := asMap(input); ok {
		fragment, _ = m["user_prompt"].(string)
	}
	if fragment == "" {
		fragment = wctx.GetString("user_prompt")
	}
	if fragment == "" {
		return n.truncate(nodePrompt)
	}

	merged := nodePrompt
	switch {
	case n.userPrompt.Precedence == "user_only" || n.userPrompt.MergeStrategy == "replace":
		merged = fragment
	case n.userPrompt.Precedence == "user_first" || n.userPrompt.MergeStrategy == "prepend":
		merged = joinPrompts(fragment, nodePrompt)
	default:
		merged = joinPrompts(nodePrompt, fragment)
	}
	return n.truncate(merged)
}

func (n *llmNode) truncate(s string) string {
	if n.userPrompt.MaxLength > 0 && len(s) > n.userPrompt.MaxLength {
		return s[:n.userPrompt.MaxLength]
	}
	return s
}

func joinPrompts(first, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	default:
		return first + "\n\n" + second
	}
}
