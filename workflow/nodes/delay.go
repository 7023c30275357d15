package nodes

import (
	"context"
	"time"

	"goa.design/flow/workflow"
)

// delayNode sleeps for the configured duration then passes its input
// through unchanged. Cancellation cuts the sleep short and fails the node.
type delayNode struct {
	id    string
	delay time.Duration
}

func newDelay(ns *workflow.NodeSpec) (workflow.Node, error) {
	var delay time.Duration
	if v, ok := ns.Config["delay_seconds"]; ok {
		secs, valid := toFloat(v)
		if !valid || secs < 0 {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q has invalid delay_seconds %v", ns.ID, v)
		}
		delay = time.Duration(secs * float64(time.Second))
	} else if v, ok := ns.Config["delay_ms"]; ok {
		ms, valid := toFloat(v)
		if !valid || ms < 0 {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q has invalid delay_ms %v", ns.ID, v)
		}
		delay = time.Duration(ms * float64(time.Millisecond))
	}
	return &delayNode{id: ns.ID, delay: delay}, nil
}

func (n *delayNode) ID() string              { return n.id }
func (n *delayNode) Kind() workflow.NodeKind { return workflow.NodeDelay }

func (n *delayNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	if n.delay <= 0 {
		return input, nil
	}
	timer := time.NewTimer(n.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return input, nil
	case <-ctx.Done():
		return nil, workflow.WrapError(workflow.KindNodeExecution, ctx.Err(),
			"node %q delay interrupted", n.id)
	}
}
