package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/flow/model"
	"goa.design/flow/telemetry"
	"goa.design/flow/workflow"
	"goa.design/flow/workflow/transform"
)

type (
	humanInputConfig struct {
		RequiredFields   []string          `json:"required_fields"`
		FieldPrompts     map[string]string `json:"field_prompts"`
		Prompt           string            `json:"prompt"`
		ApprovalMode     bool              `json:"approval_mode"`
		RetryOnInvalid   bool              `json:"retry_on_invalid"`
		MaxRetries       int               `json:"max_retries"`
		ExtractionPrompt string            `json:"extraction_prompt"`
	}

	// hitlState is the collection progress a human-input node carries
	// across suspensions, persisted in the context under the node's state
	// key so snapshots resume cleanly.
	hitlState struct {
		existing    map[string]any
		retries     int
		contextData map[string]any
		approved    *bool
	}

	// humanInputNode is the only node kind that suspends execution. With
	// no pending input it saves its collection state, raises the waiting
	// markers the engine suspends on and describes what it needs. On
	// resume it consumes the payload left under its input key, merges or
	// extracts fields, and completes once every required field is present
	// (and, in approval mode, the yes/no is decided). Collected fields are
	// written into the context as variables.
	humanInputNode struct {
		id     string
		cfg    humanInputConfig
		client model.Client
		logger telemetry.Logger
	}
)

func newHumanInput(ns *workflow.NodeSpec, f *Factory) (workflow.Node, error) {
	var cfg humanInputConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &humanInputNode{id: ns.ID, cfg: cfg, client: f.client, logger: f.logger}, nil
}

func (n *humanInputNode) ID() string              { return n.id }
func (n *humanInputNode) Kind() workflow.NodeKind { return workflow.NodeHumanInput }

func (n *humanInputNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	st := n.loadState(wctx)
	if m, ok := asMap(input); ok {
		if seed, ok := asMap(m["existing_values"]); ok {
			for k, v := range seed {
				if _, have := st.existing[k]; !have {
					st.existing[k] = v
				}
			}
		}
		if cd, ok := asMap(m["context_data"]); ok {
			st.contextData = cd
		}
	}

	pending, hasPending := wctx.Get(workflow.HITLInputKey(n.id))
	if !hasPending {
		if n.satisfied(st) {
			return n.complete(wctx, nil, st), nil
		}
		return n.wait(wctx, input, st), nil
	}

	// Consume the payload and lower the waiting markers before deciding
	// anything; resume re-runs this node with both still in place.
	wctx.Delete(workflow.HITLInputKey(n.id))
	wctx.Delete(workflow.WaitingForInputKey)
	wctx.Delete(workflow.WaitingNodeIDKey)

	switch v := pending.(type) {
	case map[string]any:
		n.mergeFields(st, v)
	case string:
		if out, suspended := n.consumeText(ctx, wctx, input, st, v); suspended {
			return out, nil
		}
	default:
		if missing := n.missing(st); len(missing) == 1 {
			st.existing[missing[0]] = v
		}
	}

	if n.cfg.ApprovalMode && st.approved == nil {
		return n.wait(wctx, input, st), nil
	}
	if missing := n.missing(st); len(missing) > 0 {
		if n.cfg.RetryOnInvalid && st.retries >= n.cfg.MaxRetries {
			return map[string]any{
				"user_input":     pending,
				"fields":         st.existing,
				"complete":       false,
				"missing_fields": missing,
			}, nil
		}
		st.retries++
		return n.wait(wctx, input, st), nil
	}
	return n.complete(wctx, pending, st), nil
}

// consumeText folds a free-text payload into the collection state. In
// approval mode it parses the yes/no; otherwise it runs LLM extraction when
// configured and falls back to binding the text to a sole missing field.
// Returns the waiting descriptor when the node re-suspends immediately.
func (n *humanInputNode) consumeText(ctx context.Context, wctx *workflow.Context, input any, st *hitlState, text string) (any, bool) {
	if n.cfg.ApprovalMode {
		if approved, ok := parseApproval(text); ok {
			st.approved = &approved
			return nil, false
		}
		if n.cfg.RetryOnInvalid && st.retries < n.cfg.MaxRetries {
			st.retries++
			return n.wait(wctx, input, st), true
		}
		denied := false
		st.approved = &denied
		return nil, false
	}
	missing := n.missing(st)
	if len(missing) == 0 {
		return nil, false
	}
	if n.cfg.ExtractionPrompt != "" && n.client != nil {
		fields, err := n.extract(ctx, text, missing)
		if err != nil {
			n.logger.Warn(ctx, "field extraction failed", "node_id", n.id, "err", err)
		} else {
			for _, f := range n.cfg.RequiredFields {
				if v, ok := fields[f]; ok {
					st.existing[f] = v
				}
			}
		}
	}
	if missing = n.missing(st); len(missing) == 1 {
		st.existing[missing[0]] = text
	}
	return nil, false
}

// extract asks the model to pull the missing fields out of free text as a
// JSON object keyed by field name.
func (n *humanInputNode) extract(ctx context.Context, text string, missing []string) (map[string]any, error) {
	req := model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: n.cfg.ExtractionPrompt},
			{Role: model.RoleUser, Content: fmt.Sprintf("Fields: %s\nResponse: %s", strings.Join(missing, ", "), text)},
		},
		JSONResponse: true,
	}
	resp, err := n.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var content strings.Builder
	for _, msg := range resp.Content {
		content.WriteString(msg.Content)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(content.String()), &fields); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	return fields, nil
}

func (n *humanInputNode) mergeFields(st *hitlState, m map[string]any) {
	for k, v := range m {
		if n.cfg.ApprovalMode && k == "approved" {
			approved := workflow.Truthy(v)
			st.approved = &approved
			continue
		}
		st.existing[k] = v
	}
}

// satisfied reports whether the node can complete without ever suspending:
// all required fields are already present, or nothing was asked for.
func (n *humanInputNode) satisfied(st *hitlState) bool {
	if n.cfg.ApprovalMode {
		return false
	}
	if len(n.cfg.RequiredFields) > 0 {
		return len(n.missing(st)) == 0
	}
	return n.cfg.Prompt == ""
}

func (n *humanInputNode) missing(st *hitlState) []string {
	missing := make([]string, 0, len(n.cfg.RequiredFields))
	for _, f := range n.cfg.RequiredFields {
		if _, ok := st.existing[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// wait persists the collection state, raises the waiting markers the
// engine suspends on and returns the prompt descriptor surfaced to the
// caller.
func (n *humanInputNode) wait(wctx *workflow.Context, input any, st *hitlState) map[string]any {
	n.saveState(wctx, st)
	wctx.Set(workflow.WaitingForInputKey, true)
	wctx.Set(workflow.WaitingNodeIDKey, n.id)
	missing := n.missing(st)
	return map[string]any{
		"status":          "waiting",
		"prompt":          n.prompt(wctx, input, missing),
		"required_fields": n.cfg.RequiredFields,
		"missing_fields":  missing,
		"field_prompts":   n.cfg.FieldPrompts,
		"approval_mode":   n.cfg.ApprovalMode,
		"existing_values": st.existing,
	}
}

func (n *humanInputNode) complete(wctx *workflow.Context, userInput any, st *hitlState) map[string]any {
	for k, v := range st.existing {
		wctx.Set(k, v)
	}
	wctx.Delete(workflow.HITLStateKey(n.id))
	out := map[string]any{
		"user_input":     userInput,
		"fields":         st.existing,
		"complete":       true,
		"missing_fields": []string{},
	}
	if n.cfg.ApprovalMode {
		out["approved"] = st.approved != nil && *st.approved
	}
	return out
}

func (n *humanInputNode) prompt(wctx *workflow.Context, input any, missing []string) string {
	if n.cfg.Prompt != "" {
		return transform.Substitute(n.cfg.Prompt, input, wctx)
	}
	if n.cfg.ApprovalMode {
		return "Please confirm (yes/no)."
	}
	if len(missing) == 0 {
		return "Please provide input."
	}
	asks := make([]string, 0, len(missing))
	for _, f := range missing {
		if p, ok := n.cfg.FieldPrompts[f]; ok && p != "" {
			asks = append(asks, p)
			continue
		}
		asks = append(asks, f)
	}
	return "Please provide: " + strings.Join(asks, "; ")
}

func (n *humanInputNode) loadState(wctx *workflow.Context) *hitlState {
	st := &hitlState{existing: map[string]any{}}
	raw, ok := wctx.Get(workflow.HITLStateKey(n.id))
	if !ok {
		return st
	}
	m, ok := asMap(raw)
	if !ok {
		return st
	}
	if ev, ok := asMap(m["existing_values"]); ok {
		for k, v := range ev {
			st.existing[k] = v
		}
	}
	if r, ok := toInt(m["retries"]); ok {
		st.retries = r
	}
	if cd, ok := asMap(m["context_data"]); ok {
		st.contextData = cd
	}
	if a, ok := m["approved"].(bool); ok {
		st.approved = &a
	}
	return st
}

func (n *humanInputNode) saveState(wctx *workflow.Context, st *hitlState) {
	state := map[string]any{
		"existing_values": st.existing,
		"retries":         st.retries,
	}
	if st.contextData != nil {
		state["context_data"] = st.contextData
	}
	if st.approved != nil {
		state["approved"] = *st.approved
	}
	wctx.Set(workflow.HITLStateKey(n.id), state)
}

// parseApproval maps yes/no style answers to a decision. The second return
// is false when the text matches neither form.
func parseApproval(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "approve", "approved", "ok", "confirm", "confirmed":
		return true, true
	case "no", "n", "false", "reject", "rejected", "deny", "denied", "cancel", "cancelled":
		return false, true
	default:
		return false, false
	}
}
