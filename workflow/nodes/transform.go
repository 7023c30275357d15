package nodes

import (
	"context"

	"goa.design/flow/workflow"
	"goa.design/flow/workflow/transform"
)

// transformNode reshapes the payload with the shared transformer. The
// transform spec is decoded from the node config, either flat or nested
// under a "transform" key.
type transformNode struct {
	id   string
	spec transform.Spec
	tr   *transform.Transformer
}

func newTransform(ns *workflow.NodeSpec, tr *transform.Transformer) (workflow.Node, error) {
	cfg := ns.Config
	if nested, ok := cfg["transform"].(map[string]any); ok {
		cfg = nested
	}
	var spec transform.Spec
	if err := decodeConfig(ns.ID, cfg, &spec); err != nil {
		return nil, err
	}
	if spec.Kind == "" {
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q has no transform_type", ns.ID)
	}
	return &transformNode{id: ns.ID, spec: spec, tr: tr}, nil
}

func (n *transformNode) ID() string              { return n.id }
func (n *transformNode) Kind() workflow.NodeKind { return workflow.NodeTransform }

func (n *transformNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	return n.tr.Apply(ctx, &n.spec, input, wctx)
}
