package flow

import (
	"context"
	"errors"
	"fmt"

	"goa.design/flow/hooks"
	"goa.design/flow/interrupt"
	"goa.design/flow/tools"
	"goa.design/flow/workflow"
	"goa.design/flow/workflow/nodes"
)

// RegisterWorkflow makes a built workflow resolvable by ID without a registry
// round trip. Local registrations shadow registry specs with the same ID.
func (r *Runtime) RegisterWorkflow(w *workflow.Workflow) error {
	if w == nil {
		return fmt.Errorf("%w: workflow is nil", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.ID()] = w
	return nil
}

// RegisterAgent binds a callable agent to the ID agent nodes reference.
func (r *Runtime) RegisterAgent(id string, a nodes.Agent) error {
	if id == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidConfig)
	}
	if a == nil {
		return fmt.Errorf("%w: agent %q has no implementation", ErrInvalidConfig, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = a
	return nil
}

// RegisterPrompt binds a template body to the ID prompt references resolve.
func (r *Runtime) RegisterPrompt(id, text string) error {
	if id == "" {
		return fmt.Errorf("%w: prompt id is required", ErrInvalidConfig)
	}
	if text == "" {
		return fmt.Errorf("%w: prompt %q is empty", ErrInvalidConfig, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[id] = text
	return nil
}

// RegisterModel binds a model configuration to the ID nodes use for per-node
// model overrides.
func (r *Runtime) RegisterModel(id string, cfg nodes.ModelConfig) error {
	if id == "" {
		return fmt.Errorf("%w: model id is required", ErrInvalidConfig)
	}
	if cfg.Client == nil {
		return fmt.Errorf("%w: model %q has no client", ErrInvalidConfig, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[id] = cfg
	return nil
}

// RegisterTool makes a tool spec resolvable by ID or name without a registry
// round trip.
func (r *Runtime) RegisterTool(spec *tools.Spec) error {
	if spec == nil {
		return fmt.Errorf("%w: tool spec is nil", ErrInvalidConfig)
	}
	if spec.Name() == "" {
		return fmt.Errorf("%w: tool spec has no name", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolsByName[spec.Name()] = spec
	if spec.ID != "" {
		r.toolsByID[spec.ID] = spec
	}
	return nil
}

// Agent implements nodes.AgentResolver. Local registrations win over the
// configured fallback resolver.
func (r *Runtime) Agent(ctx context.Context, id string) (nodes.Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}
	if r.agentSource != nil {
		return r.agentSource.Agent(ctx, id)
	}
	return nil, fmt.Errorf("agent %q is not registered", id)
}

// Prompt implements nodes.PromptResolver.
func (r *Runtime) Prompt(ctx context.Context, id string) (string, error) {
	r.mu.RLock()
	text, ok := r.prompts[id]
	r.mu.RUnlock()
	if ok {
		return text, nil
	}
	if r.promptSource != nil {
		return r.promptSource.Prompt(ctx, id)
	}
	return "", fmt.Errorf("prompt %q is not registered", id)
}

// Model implements nodes.ModelResolver.
func (r *Runtime) Model(ctx context.Context, id string) (*nodes.ModelConfig, error) {
	r.mu.RLock()
	cfg, ok := r.models[id]
	r.mu.RUnlock()
	if ok {
		return &cfg, nil
	}
	if r.modelSource != nil {
		return r.modelSource.Model(ctx, id)
	}
	return nil, fmt.Errorf("model %q is not registered", id)
}

// ResolveTool implements nodes.ToolResolver. Resolution order: local specs
// by ID, local specs by name, then the configured resolver or the registry.
func (r *Runtime) ResolveTool(ctx context.Context, id, name string) (*tools.Spec, error) {
	r.mu.RLock()
	spec, ok := r.toolsByID[id]
	if !ok {
		spec, ok = r.toolsByName[name]
	}
	r.mu.RUnlock()
	if ok {
		return spec, nil
	}
	if r.toolSource != nil {
		return r.toolSource.ResolveTool(ctx, id, name)
	}
	if r.registry != nil {
		return r.registry.ResolveTool(ctx, id, name)
	}
	return nil, fmt.Errorf("tool %q is not registered", toolRef(id, name))
}

// BuildWorkflow compiles a spec into an executable workflow using the
// runtime's node factory.
func (r *Runtime) BuildWorkflow(spec *workflow.Spec) (*workflow.Workflow, error) {
	return workflow.NewWorkflow(spec, workflow.WithFactory(r.factory))
}

// LoadWorkflow fetches a workflow spec from the registry and builds it.
// Version "" resolves the latest published version.
func (r *Runtime) LoadWorkflow(ctx context.Context, id, version string) (*workflow.Workflow, error) {
	if r.registry == nil {
		return nil, workflow.NewError(workflow.KindWorkflowNotFound, "workflow %q cannot be loaded, no registry configured", id)
	}
	spec, err := r.registry.GetWorkflow(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return r.BuildWorkflow(spec)
}

// Execute resolves a workflow by ID and runs it to its next stopping point:
// completion, failure, suspension on a human-input node, or a pause or
// cancel request. The execution is registered with the interrupt hub so
// cooperating nodes can observe control requests mid-node, and its lifecycle
// is published on the bus.
func (r *Runtime) Execute(ctx context.Context, workflowID string, input map[string]any) (*workflow.Result, error) {
	w, err := r.resolveWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	wctx := r.beginExecution(w)
	res, err := r.engine.Execute(ctx, w, input, workflow.WithRunContext(wctx))
	r.afterRun(ctx, res)
	return res, err
}

// ExecuteStream runs like Execute but delivers node completions on a channel
// as the execution progresses. The final result is available from the stream
// once the step channel closes.
func (r *Runtime) ExecuteStream(ctx context.Context, workflowID string, input map[string]any) (*workflow.Stream, error) {
	w, err := r.resolveWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	wctx := r.beginExecution(w)
	s := r.engine.ExecuteStream(ctx, w, input, workflow.WithRunContext(wctx))
	go func() {
		res, _ := s.Result()
		r.afterRun(context.WithoutCancel(ctx), res)
	}()
	return s, nil
}

// Resume continues a paused or suspended execution and blocks until its next
// stopping point. For suspended executions the input payload is delivered to
// the waiting node first; cooperating nodes blocked on the interrupt
// controller wake before the engine re-enters the graph.
func (r *Runtime) Resume(ctx context.Context, executionID string, input map[string]any) (*workflow.Result, error) {
	if status, ok := r.engine.ExecutionStatus(executionID); ok && (status == workflow.ExecPaused || status == workflow.ExecSuspended) {
		if info, tracked := r.execInfoFor(executionID); tracked {
			r.publish(ctx, hooks.NewWorkflowResumedEvent(info.workflowID, executionID, "", ""))
		}
	}
	if err := r.interrupts.RequestResume(interrupt.ResumeRequest{ExecutionID: executionID, Input: input}); err != nil && !errors.Is(err, interrupt.ErrUnknownExecution) {
		r.logger.Warn(ctx, "resume notification failed", "execution", executionID, "err", err)
	}
	var payload any
	if input != nil {
		payload = input
	}
	res, err := r.engine.Resume(ctx, executionID, payload)
	r.afterRun(ctx, res)
	return res, err
}

// Pause asks a running execution to stop at the next node boundary. The
// request is also posted to the interrupt hub so long-running nodes that
// poll their controller can wind down early.
func (r *Runtime) Pause(ctx context.Context, executionID, reason string) error {
	if err := r.engine.Pause(executionID); err != nil {
		return err
	}
	if err := r.interrupts.RequestPause(interrupt.PauseRequest{ExecutionID: executionID, Reason: reason}); err != nil && !errors.Is(err, interrupt.ErrUnknownExecution) {
		r.logger.Warn(ctx, "pause notification failed", "execution", executionID, "err", err)
	}
	if info, ok := r.execInfoFor(executionID); ok {
		r.publish(ctx, hooks.NewWorkflowPausedEvent(info.workflowID, executionID, reason, "", nil))
	}
	return nil
}

// Cancel stops an execution. Running executions stop at the next node
// boundary; paused and suspended executions cancel in place.
func (r *Runtime) Cancel(ctx context.Context, executionID, reason string) error {
	if err := r.engine.Cancel(executionID); err != nil {
		return err
	}
	if err := r.interrupts.RequestCancel(interrupt.CancelRequest{ExecutionID: executionID, Reason: reason}); err != nil && !errors.Is(err, interrupt.ErrUnknownExecution) {
		r.logger.Warn(ctx, "cancel notification failed", "execution", executionID, "err", err)
	}
	// A parked execution cancels with no run loop left to report the
	// terminal state; publish and release here. Running executions report
	// through afterRun when their loop drains.
	if _, ok := r.engine.ExecutionStatus(executionID); !ok {
		if info, ok := r.execInfoFor(executionID); ok {
			r.publish(ctx, hooks.NewWorkflowCompletedEvent(info.workflowID, executionID, hooks.StatusCanceled, nil, nil, 0))
		}
		r.releaseExecution(executionID)
	}
	return nil
}

// ProvideInput delivers a payload to a suspended execution without resuming
// it. Call Resume afterwards, or pass the input to Resume directly to do
// both in one step.
func (r *Runtime) ProvideInput(ctx context.Context, executionID string, payload map[string]any) error {
	if err := r.engine.ProvideInput(executionID, payload); err != nil {
		return err
	}
	info, tracked := r.execInfoFor(executionID)
	if err := r.interrupts.DeliverInput(interrupt.InputDelivery{ExecutionID: executionID, NodeID: info.pendingNode, Payload: payload}); err != nil && !errors.Is(err, interrupt.ErrUnknownExecution) {
		r.logger.Warn(ctx, "input notification failed", "execution", executionID, "err", err)
	}
	if tracked {
		r.publish(ctx, hooks.NewInputProvidedEvent(info.workflowID, executionID, info.pendingNode))
	}
	return nil
}

// ExecutionStatus reports the engine status of an execution. The second
// return is false once the execution reaches a terminal state.
func (r *Runtime) ExecutionStatus(executionID string) (workflow.ExecStatus, bool) {
	return r.engine.ExecutionStatus(executionID)
}

// RunWorkflow implements nodes.WorkflowRunner for subworkflow nodes. The
// child runs on the same engine under the provided context and is not
// registered with the interrupt hub; the parent's controller governs the
// whole tree.
func (r *Runtime) RunWorkflow(ctx context.Context, workflowID string, input any, child *workflow.Context) (any, error) {
	w, err := r.resolveWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	res, err := r.engine.Execute(ctx, w, asInputMap(input), workflow.WithRunContext(child))
	if err != nil {
		return nil, err
	}
	if res.Status != workflow.ExecCompleted {
		return nil, workflow.NewError(workflow.KindWorkflowState, "child workflow %q stopped in state %q", workflowID, res.Status)
	}
	return res.Output, nil
}

// resolveWorkflow returns the workflow for id: local registrations first,
// then the latest registry version. Registry specs are rebuilt per call so
// published updates take effect without re-registration.
func (r *Runtime) resolveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	r.mu.RLock()
	w, ok := r.workflows[id]
	r.mu.RUnlock()
	if ok {
		return w, nil
	}
	if r.registry == nil {
		return nil, workflow.NewError(workflow.KindWorkflowNotFound, "workflow %q is not registered", id)
	}
	return r.LoadWorkflow(ctx, id, "")
}

// beginExecution creates the run context for a top-level execution and wires
// its interrupt controller.
func (r *Runtime) beginExecution(w *workflow.Workflow) *workflow.Context {
	wctx := workflow.NewContext(w.ID())
	ctrl := r.interrupts.Register(wctx.ExecutionID())
	ctrl.Attach(wctx)
	r.mu.Lock()
	r.executions[wctx.ExecutionID()] = execInfo{workflowID: w.ID()}
	r.mu.Unlock()
	return wctx
}

// afterRun publishes the lifecycle transitions engine observers cannot see
// (suspension prompts, cooperative cancellation) and releases per-execution
// state once the engine no longer tracks the execution.
func (r *Runtime) afterRun(ctx context.Context, res *workflow.Result) {
	if res == nil || res.Context == nil {
		return
	}
	execID := res.Context.ExecutionID()
	switch res.Status {
	case workflow.ExecSuspended:
		if res.Pending != nil {
			r.setPendingNode(execID, res.Pending.NodeID)
			r.publish(ctx, hooks.NewInputRequestedEvent(res.Context.WorkflowID(), execID, res.Pending.NodeID, res.Pending.RequiredFields, res.Pending.Prompt))
		}
	case workflow.ExecCancelled:
		if res.Err == nil {
			r.publish(ctx, hooks.NewWorkflowCompletedEvent(res.Context.WorkflowID(), execID, hooks.StatusCanceled, nil, nil, res.Elapsed))
		}
	}
	if _, ok := r.engine.ExecutionStatus(execID); !ok {
		r.releaseExecution(execID)
	}
}

func (r *Runtime) execInfoFor(execID string) (execInfo, bool) {
	r.mu.RLock()
	info, ok := r.executions[execID]
	r.mu.RUnlock()
	return info, ok
}

func (r *Runtime) setPendingNode(execID, nodeID string) {
	r.mu.Lock()
	if info, ok := r.executions[execID]; ok {
		info.pendingNode = nodeID
		r.executions[execID] = info
	}
	r.mu.Unlock()
}

func (r *Runtime) releaseExecution(execID string) {
	r.interrupts.Remove(execID)
	r.mu.Lock()
	delete(r.executions, execID)
	r.mu.Unlock()
}

func (r *Runtime) publish(ctx context.Context, event hooks.Event) {
	publishEvent(ctx, r.bus, r.logger, event)
}

// asInputMap adapts arbitrary subworkflow input to the engine's input shape.
// Non-map values land under the "input" key.
func asInputMap(input any) map[string]any {
	switch in := input.(type) {
	case nil:
		return nil
	case map[string]any:
		return in
	default:
		return map[string]any{"input": in}
	}
}

func toolRef(id, name string) string {
	if id != "" {
		return id
	}
	return name
}
