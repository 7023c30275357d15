package nodes

import (
	"context"

	"goa.design/flow/workflow"
)

type (
	endConfig struct {
		OutputKey string `json:"output_key"`
		Message   string `json:"message"`
	}

	// endNode finalizes the run: it extracts the configured output field
	// from the incoming payload and records it as the workflow output.
	endNode struct {
		id        string
		outputKey string
		message   string
	}
)

func newEnd(ns *workflow.NodeSpec) (workflow.Node, error) {
	var cfg endConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Message == "" {
		cfg.Message = "workflow completed"
	}
	return &endNode{id: ns.ID, outputKey: cfg.OutputKey, message: cfg.Message}, nil
}

func (n *endNode) ID() string              { return n.id }
func (n *endNode) Kind() workflow.NodeKind { return workflow.NodeEnd }

func (n *endNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	out := input
	if n.outputKey != "" {
		if m, ok := asMap(input); ok {
			if v, found := lookupPath(m, n.outputKey); found {
				out = v
			}
		}
	}
	wctx.SetOutput(out)
	return map[string]any{
		"output":  out,
		"success": true,
		"message": n.message,
	}, nil
}
