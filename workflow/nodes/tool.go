package nodes

import (
	"context"
	"time"

	"goa.design/flow/hooks"
	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
	"goa.design/flow/workflow"
)

// toolNode invokes a tool through the tool runtime, which owns retries,
// validation, circuit breaking and idempotency. The workflow context backs
// the runtime's variable store so tool-level assignments land in workflow
// variables. Failures surface as raw tool errors so error edges can match
// on tool error kinds and codes.
type toolNode struct {
	id       string
	spec     *tools.Spec
	toolID   string
	toolName string
	runtime  *tools.Runtime
	source   ToolResolver
	bus      hooks.Bus
	logger   telemetry.Logger
}

func newTool(ns *workflow.NodeSpec, f *Factory) (workflow.Node, error) {
	if f.runtime == nil {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q requires a tool runtime", ns.ID)
	}
	n := &toolNode{
		id:       ns.ID,
		spec:     ns.Tool,
		toolID:   ns.ToolID,
		toolName: ns.ToolName,
		runtime:  f.runtime,
		source:   f.toolSource,
		bus:      f.bus,
		logger:   f.logger,
	}
	if n.spec == nil {
		if inline, ok := ns.Config["tool"].(map[string]any); ok {
			var spec tools.Spec
			if err := decodeConfig(ns.ID, inline, &spec); err != nil {
				return nil, err
			}
			n.spec = &spec
		}
	}
	if n.toolID == "" {
		n.toolID = cfgString(ns.Config, "tool_id")
	}
	if n.toolName == "" {
		n.toolName = cfgString(ns.Config, "tool_name")
	}
	if n.spec == nil {
		if n.toolID == "" && n.toolName == "" {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q names no tool", ns.ID)
		}
		if f.toolSource == nil {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q requires a tool resolver", ns.ID)
		}
	}
	return n, nil
}

func (n *toolNode) ID() string              { return n.id }
func (n *toolNode) Kind() workflow.NodeKind { return workflow.NodeTool }

func (n *toolNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	spec := n.spec
	if spec == nil {
		resolved, err := n.source.ResolveTool(ctx, n.toolID, n.toolName)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindNodeExecution, err,
				"node %q resolve tool", n.id).WithDetails("code", "tool_not_found")
		}
		spec = resolved
	}

	args := toolArgs(input)
	n.publish(ctx, hooks.NewToolCallStartedEvent(wctx.WorkflowID(), wctx.ExecutionID(), n.id, spec.Name(), args))

	start := time.Now()
	res, err := n.runtime.Call(ctx, spec, args, tools.WithVariableStore(wctx))

	var attempts int
	var replayed bool
	if res != nil {
		attempts = res.Attempts
		replayed = res.Replayed
	}
	n.publish(ctx, hooks.NewToolCallCompletedEvent(wctx.WorkflowID(), wctx.ExecutionID(),
		n.id, spec.Name(), err == nil, replayed, attempts, time.Since(start), err))
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"success":   true,
		"content":   res.Content,
		"tool_name": spec.Name(),
		"attempts":  res.Attempts,
	}
	if res.Speech != "" {
		out["speech"] = res.Speech
	}
	if len(res.Usage) > 0 {
		out["usage"] = res.Usage
	}
	if res.Replayed {
		out["replayed"] = true
	}
	return out, nil
}

func (n *toolNode) publish(ctx context.Context, event hooks.Event) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Publish(ctx, event); err != nil {
		n.logger.Warn(ctx, "event publish failed", "node_id", n.id, "event", event.Type(), "err", err)
	}
}

func toolArgs(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"input": v}
	}
}
