package nodes

import (
	"context"

	"goa.design/flow/workflow"
)

type (
	subworkflowConfig struct {
		WorkflowID    string            `json:"workflow_id"`
		SubworkflowID string            `json:"subworkflow_id"`
		OutputMapping map[string]string `json:"output_mapping"`
	}

	// subworkflowNode runs a child workflow through the configured runner.
	// The child context inherits the parent's variables; output_mapping
	// projects the child output into the node's output using the same
	// dotted paths edges use.
	subworkflowNode struct {
		id       string
		targetID string
		mapping  map[string]string
		runner   WorkflowRunner
	}
)

func newSubworkflow(ns *workflow.NodeSpec, f *Factory) (workflow.Node, error) {
	var cfg subworkflowConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	target := cfg.WorkflowID
	if target == "" {
		target = cfg.SubworkflowID
	}
	if target == "" {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q has no workflow_id", ns.ID)
	}
	if f.runner == nil {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q requires a workflow runner", ns.ID)
	}
	return &subworkflowNode{id: ns.ID, targetID: target, mapping: cfg.OutputMapping, runner: f.runner}, nil
}

func (n *subworkflowNode) ID() string              { return n.id }
func (n *subworkflowNode) Kind() workflow.NodeKind { return workflow.NodeSubworkflow }

func (n *subworkflowNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	child := wctx.ChildContext(n.targetID)
	out, err := n.runner.RunWorkflow(ctx, n.targetID, input, child)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindSubworkflow, err,
			"node %q child workflow %q", n.id, n.targetID).
			WithDetails("workflow_id", n.targetID)
	}
	if len(n.mapping) == 0 {
		return out, nil
	}
	env := workflow.PathEnv{Input: out, Output: out, Ctx: child, WorkflowID: n.targetID}
	mapped := make(map[string]any, len(n.mapping))
	for target, path := range n.mapping {
		if v, ok := workflow.ResolvePath(path, env); ok {
			mapped[target] = v
		} else {
			mapped[workflow.MissingFieldPrefix+target] = true
		}
	}
	return mapped, nil
}
