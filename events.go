package flow

import (
	"context"
	"time"

	"goa.design/flow/hooks"
	"goa.design/flow/telemetry"
	"goa.design/flow/workflow"
)

// busObserver forwards engine lifecycle callbacks onto the hook bus so
// subscribers (stream sinks, persistence, metrics) see one uniform event
// feed regardless of how an execution was started. Parking transitions have
// no engine observer; the runtime publishes those from its control methods.
type busObserver struct {
	bus    hooks.Bus
	logger telemetry.Logger
}

var (
	_ workflow.WorkflowObserver = (*busObserver)(nil)
	_ workflow.NodeObserver     = (*busObserver)(nil)
)

// WorkflowStarted implements workflow.WorkflowObserver.
func (o *busObserver) WorkflowStarted(ctx context.Context, wctx *workflow.Context) {
	publishEvent(ctx, o.bus, o.logger, hooks.NewWorkflowStartedEvent(wctx.WorkflowID(), wctx.ExecutionID(), wctx.Input()))
}

// WorkflowCompleted implements workflow.WorkflowObserver.
func (o *busObserver) WorkflowCompleted(ctx context.Context, wctx *workflow.Context, output any, elapsed time.Duration) {
	publishEvent(ctx, o.bus, o.logger, hooks.NewWorkflowCompletedEvent(wctx.WorkflowID(), wctx.ExecutionID(), hooks.StatusSuccess, output, nil, elapsed))
}

// WorkflowFailed implements workflow.WorkflowObserver.
func (o *busObserver) WorkflowFailed(ctx context.Context, wctx *workflow.Context, err error) {
	publishEvent(ctx, o.bus, o.logger, hooks.NewWorkflowCompletedEvent(wctx.WorkflowID(), wctx.ExecutionID(), hooks.StatusFailed, nil, err, 0))
}

// NodeStarted implements workflow.NodeObserver.
func (o *busObserver) NodeStarted(ctx context.Context, wctx *workflow.Context, nodeID string) {
	publishEvent(ctx, o.bus, o.logger, hooks.NewNodeStartedEvent(wctx.WorkflowID(), wctx.ExecutionID(), nodeID))
}

// NodeCompleted implements workflow.NodeObserver.
func (o *busObserver) NodeCompleted(ctx context.Context, wctx *workflow.Context, nodeID string, output any, elapsed time.Duration) {
	publishEvent(ctx, o.bus, o.logger, hooks.NewNodeCompletedEvent(wctx.WorkflowID(), wctx.ExecutionID(), nodeID, output, elapsed))
}

// NodeFailed implements workflow.NodeObserver.
func (o *busObserver) NodeFailed(ctx context.Context, wctx *workflow.Context, nodeID string, err error) {
	publishEvent(ctx, o.bus, o.logger, hooks.NewNodeFailedEvent(wctx.WorkflowID(), wctx.ExecutionID(), nodeID, err))
}

func publishEvent(ctx context.Context, bus hooks.Bus, logger telemetry.Logger, event hooks.Event) {
	if err := bus.Publish(ctx, event); err != nil {
		logger.Warn(ctx, "event publication failed", "event", string(event.Type()), "err", err)
	}
}
