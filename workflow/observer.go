package workflow

import (
	"context"
	"time"

	"goa.design/flow/telemetry"
)

type (
	// WorkflowObserver receives workflow lifecycle notifications. Observers
	// run synchronously on the engine goroutine; failures and panics are
	// logged and never abort the execution.
	WorkflowObserver interface {
		// WorkflowStarted fires after the context is created, before the
		// first node runs.
		WorkflowStarted(ctx context.Context, wctx *Context)
		// WorkflowCompleted fires after the run loop drains with the final
		// output.
		WorkflowCompleted(ctx context.Context, wctx *Context, output any, elapsed time.Duration)
		// WorkflowFailed fires when the execution ends with an error.
		WorkflowFailed(ctx context.Context, wctx *Context, err error)
	}

	// NodeObserver receives node lifecycle notifications under the same
	// contract as WorkflowObserver.
	NodeObserver interface {
		// NodeStarted fires before the node executes.
		NodeStarted(ctx context.Context, wctx *Context, nodeID string)
		// NodeCompleted fires after the node's output is recorded.
		NodeCompleted(ctx context.Context, wctx *Context, nodeID string, output any, elapsed time.Duration)
		// NodeFailed fires when the node returns an error, before error-edge
		// routing.
		NodeFailed(ctx context.Context, wctx *Context, nodeID string, err error)
	}

	// observers fans notifications out to registered observers, isolating the
	// engine from their failures.
	observers struct {
		workflow []WorkflowObserver
		node     []NodeObserver
		logger   telemetry.Logger
	}
)

func (o *observers) notify(ctx context.Context, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn(ctx, "observer panic", "event", event, "panic", r)
		}
	}()
	fn()
}

func (o *observers) workflowStarted(ctx context.Context, wctx *Context) {
	for _, obs := range o.workflow {
		o.notify(ctx, "workflow_started", func() { obs.WorkflowStarted(ctx, wctx) })
	}
}

func (o *observers) workflowCompleted(ctx context.Context, wctx *Context, output any, elapsed time.Duration) {
	for _, obs := range o.workflow {
		o.notify(ctx, "workflow_completed", func() { obs.WorkflowCompleted(ctx, wctx, output, elapsed) })
	}
}

func (o *observers) workflowFailed(ctx context.Context, wctx *Context, err error) {
	for _, obs := range o.workflow {
		o.notify(ctx, "workflow_failed", func() { obs.WorkflowFailed(ctx, wctx, err) })
	}
}

func (o *observers) nodeStarted(ctx context.Context, wctx *Context, nodeID string) {
	for _, obs := range o.node {
		o.notify(ctx, "node_started", func() { obs.NodeStarted(ctx, wctx, nodeID) })
	}
}

func (o *observers) nodeCompleted(ctx context.Context, wctx *Context, nodeID string, output any, elapsed time.Duration) {
	for _, obs := range o.node {
		o.notify(ctx, "node_completed", func() { obs.NodeCompleted(ctx, wctx, nodeID, output, elapsed) })
	}
}

func (o *observers) nodeFailed(ctx context.Context, wctx *Context, nodeID string, err error) {
	for _, obs := range o.node {
		o.notify(ctx, "node_failed", func() { obs.NodeFailed(ctx, wctx, nodeID, err) })
	}
}
