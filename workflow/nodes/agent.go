package nodes

import (
	"context"

	"goa.design/flow/workflow"
)

type (
	agentConfig struct {
		AgentID   string `json:"agent_id"`
		OutputKey string `json:"output_key"`
	}

	// agentNode delegates the payload to an external agent resolved by id.
	// The agent result map becomes the node output, narrowed to output_key
	// when configured.
	agentNode struct {
		id        string
		agentID   string
		outputKey string
		resolver  AgentResolver
	}
)

func newAgent(ns *workflow.NodeSpec, f *Factory) (workflow.Node, error) {
	var cfg agentConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	agentID := ns.AgentID
	if agentID == "" {
		agentID = cfg.AgentID
	}
	if agentID == "" {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q has no agent_id", ns.ID)
	}
	if f.agents == nil {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q requires an agent resolver", ns.ID)
	}
	return &agentNode{id: ns.ID, agentID: agentID, outputKey: cfg.OutputKey, resolver: f.agents}, nil
}

func (n *agentNode) ID() string              { return n.id }
func (n *agentNode) Kind() workflow.NodeKind { return workflow.NodeAgent }

func (n *agentNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	agent, err := n.resolver.Agent(ctx, n.agentID)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindNodeExecution, err,
			"node %q resolve agent %q", n.id, n.agentID).
			WithDetails("code", "agent_error", "agent_id", n.agentID)
	}
	meta := map[string]any{
		"workflow_id":  wctx.WorkflowID(),
		"node_id":      n.id,
		"execution_id": wctx.ExecutionID(),
	}
	result, err := agent.Run(ctx, input, meta)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindNodeExecution, err,
			"node %q agent %q", n.id, n.agentID).
			WithDetails("code", "agent_error", "agent_id", n.agentID)
	}
	if n.outputKey != "" {
		v, ok := lookupPath(result, n.outputKey)
		if !ok {
			return nil, workflow.NewError(workflow.KindNodeExecution,
				"node %q agent %q result has no field %q", n.id, n.agentID, n.outputKey).
				WithDetails("code", "agent_error", "agent_id", n.agentID)
		}
		return v, nil
	}
	if v, ok := result["output"]; ok {
		return v, nil
	}
	return result, nil
}
