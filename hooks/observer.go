package hooks

import (
	"context"
	"errors"
	"time"

	"goa.design/flow/telemetry"
	"goa.design/flow/workflow"
)

// BusObserver bridges engine observer callbacks onto the event bus. Publish
// failures are logged and never reach the engine, matching the observer
// contract.
type BusObserver struct {
	bus    Bus
	logger telemetry.Logger
}

// BusObserverOption configures a BusObserver.
type BusObserverOption func(*BusObserver)

// WithObserverLogger sets the logger used to report publish failures.
func WithObserverLogger(l telemetry.Logger) BusObserverOption {
	return func(o *BusObserver) { o.logger = l }
}

// NewBusObserver returns an observer that publishes lifecycle events to bus.
// Register it with both workflow.WithWorkflowObserver and
// workflow.WithNodeObserver to capture the full execution timeline.
func NewBusObserver(bus Bus, opts ...BusObserverOption) *BusObserver {
	o := &BusObserver{bus: bus, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var (
	_ workflow.WorkflowObserver = (*BusObserver)(nil)
	_ workflow.NodeObserver     = (*BusObserver)(nil)
)

// WorkflowStarted implements workflow.WorkflowObserver.
func (o *BusObserver) WorkflowStarted(ctx context.Context, wctx *workflow.Context) {
	o.publish(ctx, NewWorkflowStartedEvent(wctx.WorkflowID(), wctx.ExecutionID(), wctx.Input()))
}

// WorkflowCompleted implements workflow.WorkflowObserver. A run that drained
// because a human-input node suspended it publishes InputRequested rather
// than a terminal event.
func (o *BusObserver) WorkflowCompleted(ctx context.Context, wctx *workflow.Context, output any, elapsed time.Duration) {
	if v, ok := wctx.Get(workflow.WaitingForInputKey); ok && workflow.Truthy(v) {
		nodeID := wctx.GetString(workflow.WaitingNodeIDKey)
		o.publish(ctx, NewInputRequestedEvent(wctx.WorkflowID(), wctx.ExecutionID(), nodeID, nil, ""))
		return
	}
	o.publish(ctx, NewWorkflowCompletedEvent(wctx.WorkflowID(), wctx.ExecutionID(), StatusSuccess, output, nil, elapsed))
}

// WorkflowFailed implements workflow.WorkflowObserver.
func (o *BusObserver) WorkflowFailed(ctx context.Context, wctx *workflow.Context, err error) {
	status := StatusFailed
	if errors.Is(err, context.Canceled) {
		status = StatusCanceled
	}
	o.publish(ctx, NewWorkflowCompletedEvent(wctx.WorkflowID(), wctx.ExecutionID(), status, nil, err, 0))
}

// NodeStarted implements workflow.NodeObserver.
func (o *BusObserver) NodeStarted(ctx context.Context, wctx *workflow.Context, nodeID string) {
	o.publish(ctx, NewNodeStartedEvent(wctx.WorkflowID(), wctx.ExecutionID(), nodeID))
}

// NodeCompleted implements workflow.NodeObserver.
func (o *BusObserver) NodeCompleted(ctx context.Context, wctx *workflow.Context, nodeID string, output any, elapsed time.Duration) {
	o.publish(ctx, NewNodeCompletedEvent(wctx.WorkflowID(), wctx.ExecutionID(), nodeID, output, elapsed))
}

// NodeFailed implements workflow.NodeObserver.
func (o *BusObserver) NodeFailed(ctx context.Context, wctx *workflow.Context, nodeID string, err error) {
	o.publish(ctx, NewNodeFailedEvent(wctx.WorkflowID(), wctx.ExecutionID(), nodeID, err))
}

func (o *BusObserver) publish(ctx context.Context, evt Event) {
	if err := o.bus.Publish(ctx, evt); err != nil {
		o.logger.Warn(ctx, "hook publish failed", "event", string(evt.Type()), "error", err)
	}
}
