package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/flow/telemetry"
)

type (
	// Engine drives workflow executions: it walks the graph through a FIFO
	// work queue, executes nodes with the spec's retry, cache and timeout
	// settings, routes outputs across edges, and maintains per-execution
	// records for pause, resume, cancel and human-input handoff. One engine
	// serves many workflows and many concurrent executions.
	Engine struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		eval    *Evaluator
		router  Router
		obs     observers

		mu         sync.Mutex
		executions map[string]*execution
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)

	// ExecOption configures a single execution.
	ExecOption func(*execOptions)

	execOptions struct {
		wctx *Context
	}
)

// WithLogger sets the engine logger.
func WithLogger(l telemetry.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the engine metrics sink.
func WithMetrics(m telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the engine tracer.
func WithTracer(t telemetry.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithRouter overrides the default priority router for all executions.
func WithRouter(r Router) EngineOption {
	return func(e *Engine) { e.router = r }
}

// WithWorkflowObserver registers a workflow lifecycle observer.
func WithWorkflowObserver(o WorkflowObserver) EngineOption {
	return func(e *Engine) { e.obs.workflow = append(e.obs.workflow, o) }
}

// WithNodeObserver registers a node lifecycle observer.
func WithNodeObserver(o NodeObserver) EngineOption {
	return func(e *Engine) { e.obs.node = append(e.obs.node, o) }
}

// WithConditionFunc registers a custom condition operator available to all
// edges evaluated by this engine.
func WithConditionFunc(name string, fn CustomConditionFunc) EngineOption {
	return func(e *Engine) { e.eval.RegisterFunc(name, fn) }
}

// WithRunContext adopts an existing execution context instead of creating a
// fresh one. Subworkflow nodes use it to run children against child
// contexts.
func WithRunContext(wctx *Context) ExecOption {
	return func(o *execOptions) { o.wctx = wctx }
}

// NewEngine creates an engine. Telemetry defaults to no-ops.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
		eval:       NewEvaluator(),
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.obs.logger = e.logger
	return e
}

// Evaluator returns the engine's condition evaluator so callers can register
// custom operators after construction.
func (e *Engine) Evaluator() *Evaluator { return e.eval }

// Execute runs the workflow with the given input and blocks until the
// execution completes, fails, or parks. A parked result (paused or
// suspended) keeps its record registered so Resume can continue it; failed
// executions return both the error and a Result whose Context exposes the
// execution path and per-node state up to the failure.
func (e *Engine) Execute(ctx context.Context, w *Workflow, input map[string]any, opts ...ExecOption) (*Result, error) {
	rec := e.newExecution(w, input, opts...)
	return e.run(ctx, rec)
}

// ExecutionStatus reports the status of a registered execution. Terminal
// executions are unregistered; querying them returns false.
func (e *Engine) ExecutionStatus(id string) (ExecStatus, bool) {
	rec, ok := e.lookup(id)
	if !ok {
		return "", false
	}
	return rec.Status(), true
}

// Pause asks a running execution to park at the next check between node
// executions. The in-flight node finishes first.
func (e *Engine) Pause(id string) error {
	rec, ok := e.lookup(id)
	if !ok {
		return NewError(KindWorkflowState, "unknown execution %q", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != ExecRunning {
		return NewError(KindWorkflowState, "cannot pause execution %q in state %s", id, rec.status)
	}
	rec.status = ExecPaused
	return nil
}

// Cancel stops an execution. A running execution exits at its next check;
// parked executions are finalized immediately. Queued nodes that never ran
// are marked skipped.
func (e *Engine) Cancel(id string) error {
	rec, ok := e.lookup(id)
	if !ok {
		return NewError(KindWorkflowState, "unknown execution %q", id)
	}
	rec.mu.Lock()
	if rec.status.terminal() {
		status := rec.status
		rec.mu.Unlock()
		return NewError(KindWorkflowState, "cannot cancel execution %q in state %s", id, status)
	}
	parked := rec.status == ExecPaused || rec.status == ExecSuspended
	rec.status = ExecCancelled
	rec.mu.Unlock()
	if parked {
		rec.markSkipped()
		e.unregister(id)
	}
	return nil
}

// ProvideInput delivers the payload a suspended execution is waiting for.
// The waiting node consumes it when the execution resumes.
func (e *Engine) ProvideInput(id string, payload any) error {
	rec, ok := e.lookup(id)
	if !ok {
		return NewError(KindWorkflowState, "unknown execution %q", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != ExecSuspended || rec.waiting == nil {
		return NewError(KindWorkflowState, "execution %q is not waiting for input", id)
	}
	rec.wctx.Set(HITLInputKey(rec.waiting.nodeID), payload)
	return nil
}

// Resume continues a paused or suspended execution from its stored queue
// position and blocks until the next stopping point. For suspended
// executions a non-nil input is delivered to the waiting node, which is
// re-run first.
func (e *Engine) Resume(ctx context.Context, id string, input any) (*Result, error) {
	rec, ok := e.lookup(id)
	if !ok {
		return nil, NewError(KindWorkflowState, "unknown execution %q", id)
	}
	rec.mu.Lock()
	if rec.status != ExecPaused && rec.status != ExecSuspended {
		status := rec.status
		rec.mu.Unlock()
		return nil, NewError(KindWorkflowState, "cannot resume execution %q in state %s", id, status)
	}
	if rec.waiting != nil {
		if input != nil {
			rec.wctx.Set(HITLInputKey(rec.waiting.nodeID), input)
		}
		rec.queue = append([]workItem{*rec.waiting}, rec.queue...)
		rec.waiting = nil
	}
	rec.pending = nil
	rec.status = ExecRunning
	rec.startedAt = time.Now().Add(-rec.activeElapsed)
	rec.mu.Unlock()
	e.logger.Debug(ctx, "execution resumed", "execution_id", id)
	return e.run(ctx, rec)
}

func (e *Engine) newExecution(w *Workflow, input map[string]any, opts ...ExecOption) *execution {
	var options execOptions
	for _, opt := range opts {
		opt(&options)
	}
	wctx := options.wctx
	if wctx == nil {
		wctx = NewContext(w.ID())
	}
	wctx.SetInput(input)
	router := e.router
	if router == nil {
		router = NewRouter(w.Spec().NormalizedRouting(), e.eval)
	}
	rec := &execution{
		id:        wctx.ExecutionID(),
		workflow:  w,
		wctx:      wctx,
		router:    router,
		status:    ExecRunning,
		queue:     []workItem{{nodeID: w.StartNodeID(), input: any(input)}},
		startedAt: time.Now(),
		cache:     make(map[string]cachedOutput),
	}
	e.mu.Lock()
	e.executions[rec.id] = rec
	e.mu.Unlock()
	return rec
}

func (e *Engine) lookup(id string) (*execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.executions[id]
	return rec, ok
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.executions, id)
	e.mu.Unlock()
}

// run drives the work queue until it drains or the execution parks. It is
// entered by Execute and re-entered by Resume; there is at most one runner
// per execution at any time.
func (e *Engine) run(ctx context.Context, rec *execution) (*Result, error) {
	w := rec.workflow
	wctx := rec.wctx
	spec := w.Spec()
	tctx, span := e.tracer.Start(ctx, "flow.workflow.execute")
	defer span.End()

	var budget time.Duration
	if spec.TimeoutSeconds > 0 {
		budget = time.Duration(spec.TimeoutSeconds * float64(time.Second))
	}
	maxIter := spec.IterationBudget()

	if !rec.started {
		rec.started = true
		e.logger.Info(tctx, "workflow started",
			"workflow_id", w.ID(), "execution_id", rec.id, "start_node", w.StartNodeID())
		e.obs.workflowStarted(tctx, wctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			rec.markSkipped()
			rec.setStatus(ExecCancelled)
			e.unregister(rec.id)
			werr := WrapError(KindWorkflowExecution, err, "execution %s interrupted", rec.id)
			e.obs.workflowFailed(tctx, wctx, werr)
			span.RecordError(werr)
			return rec.result(ExecCancelled, nil, werr), werr
		}
		switch rec.Status() {
		case ExecCancelled:
			rec.markSkipped()
			e.unregister(rec.id)
			e.logger.Info(tctx, "execution cancelled", "execution_id", rec.id)
			return rec.result(ExecCancelled, nil, nil), nil
		case ExecPaused:
			rec.park(ExecPaused, nil, nil)
			e.logger.Info(tctx, "execution paused", "execution_id", rec.id)
			return rec.result(ExecPaused, nil, nil), nil
		}
		if len(rec.queue) == 0 {
			break
		}
		item := rec.queue[0]
		rec.queue = rec.queue[1:]

		node, ok := w.Node(item.nodeID)
		if !ok {
			e.logger.Warn(tctx, "unknown node in queue", "node_id", item.nodeID, "workflow_id", w.ID())
			continue
		}
		if !item.reenter && wctx.NodeState(item.nodeID) == StateCompleted {
			continue
		}
		input := item.input
		if item.edge != nil && !item.transformed {
			input = item.edge.TransformData(input, wctx)
		}

		rec.iterations++
		if rec.iterations > maxIter {
			return e.fail(tctx, rec, span, NewError(KindMaxIterations,
				"workflow %q exceeded %d iterations", w.ID(), maxIter).
				WithDetails("max_iterations", maxIter))
		}
		if budget > 0 && rec.elapsed() > budget {
			return e.fail(tctx, rec, span, NewError(KindTimeout,
				"workflow %q exceeded its %s budget", w.ID(), budget).
				WithDetails("timeout_s", spec.TimeoutSeconds))
		}

		output, nodeElapsed, err := e.executeNode(tctx, rec, node, item, input)
		if err != nil {
			desc := BuildErrorDescriptor(err, item.nodeID)
			wctx.SetError(desc)
			env := EnvFor(wctx, input)
			if edge, found := firstPassingErrorEdge(w.OutEdges(item.nodeID), env, e.eval); found {
				payload := edge.TransformData(wctx.LastOutput(), wctx)
				rec.queue = append(rec.queue, workItem{
					nodeID:      edge.Target,
					input:       wrapErrorPayload(payload, desc),
					edge:        edge,
					transformed: true,
				})
				wctx.ClearError()
				e.logger.Debug(tctx, "node error absorbed by error edge",
					"node_id", item.nodeID, "edge_id", edge.ID, "target", edge.Target)
				continue
			}
			return e.fail(tctx, rec, span, WrapError(KindNodeExecution, err, "node %q failed", item.nodeID).
				WithDetails("node_id", item.nodeID))
		}

		if v, found := wctx.Get(WaitingForInputKey); found && Truthy(v) {
			wctx.SetNodeState(item.nodeID, StatePaused)
			pending := pendingFromOutput(item.nodeID, output)
			rec.park(ExecSuspended, pending, &workItem{nodeID: item.nodeID, input: input, reenter: true})
			e.logger.Info(tctx, "execution suspended for input",
				"execution_id", rec.id, "node_id", item.nodeID)
			return rec.result(ExecSuspended, output, nil), nil
		}

		wctx.SetNodeOutput(item.nodeID, output)
		e.obs.nodeCompleted(tctx, wctx, item.nodeID, output, nodeElapsed)
		if rec.stream != nil {
			rec.stream.emit(tctx, Step{NodeID: item.nodeID, Output: output, Path: wctx.Path()})
		}

		if w.IsEndNode(item.nodeID) {
			continue
		}
		if next, ok := loopDirective(output); ok {
			rec.queue = append(rec.queue, next)
			continue
		}
		if rec.Status() == ExecCancelled {
			continue
		}

		edges, rerr := rec.router.Route(wctx, w.OutEdges(item.nodeID), output)
		if rerr != nil {
			return e.fail(tctx, rec, span, rerr)
		}
		if len(edges) == 0 {
			if target, ok := switchTarget(output); ok {
				if _, exists := w.Node(target); exists {
					rec.queue = append(rec.queue, workItem{nodeID: target, input: output})
				} else {
					e.logger.Warn(tctx, "switch target does not exist", "node_id", item.nodeID, "target", target)
				}
			}
			continue
		}
		for _, edge := range edges {
			rec.queue = append(rec.queue, workItem{
				nodeID:  edge.Target,
				input:   output,
				edge:    edge,
				reenter: edge.Kind == EdgeLoopBack,
			})
		}
	}

	output := wctx.Output()
	if output == nil {
		output = wctx.LastOutput()
	}
	rec.setStatus(ExecCompleted)
	e.unregister(rec.id)
	elapsed := rec.elapsed()
	e.metrics.RecordTimer(telemetry.MetricWorkflowDuration, elapsed, "workflow_id", w.ID())
	e.obs.workflowCompleted(tctx, wctx, output, elapsed)
	span.SetStatus(codes.Ok, "completed")
	e.logger.Info(tctx, "workflow completed",
		"workflow_id", w.ID(), "execution_id", rec.id,
		"iterations", rec.iterations, "elapsed_ms", elapsed.Milliseconds())
	return rec.result(ExecCompleted, output, nil), nil
}

func (e *Engine) fail(ctx context.Context, rec *execution, span telemetry.Span, err error) (*Result, error) {
	rec.markSkipped()
	rec.setStatus(ExecFailed)
	e.unregister(rec.id)
	e.obs.workflowFailed(ctx, rec.wctx, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error(ctx, "workflow failed",
		"workflow_id", rec.workflow.ID(), "execution_id", rec.id, "err", err)
	return rec.result(ExecFailed, nil, err), err
}

// executeNode runs one node with its spec's cache, retry and timeout
// settings and reports its output and wall time.
func (e *Engine) executeNode(ctx context.Context, rec *execution, node Node, item workItem, input any) (any, time.Duration, error) {
	wctx := rec.wctx
	w := rec.workflow
	ns, _ := w.NodeSpecFor(item.nodeID)
	var cfg NodeConfig
	if ns != nil {
		cfg = ns.Common
	}

	var cacheKey string
	if cfg.CacheEnabled {
		if key, ok := nodeCacheKey(item.nodeID, input); ok {
			cacheKey = key
			if hit, found := rec.cache[key]; found && (hit.expires.IsZero() || time.Now().Before(hit.expires)) {
				e.logger.Debug(ctx, "node cache hit", "node_id", item.nodeID)
				return hit.value, 0, nil
			}
		}
	}

	wctx.AppendPath(item.nodeID)
	wctx.SetNodeState(item.nodeID, StateRunning)
	e.obs.nodeStarted(ctx, wctx, item.nodeID)

	nctx, span := e.tracer.Start(ctx, "flow.node.execute")
	defer span.End()

	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var (
		out  any
		err  error
		tags = []string{"workflow_id", w.ID(), "node_id", item.nodeID, "node_type", string(node.Kind())}
	)
	start := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := sleepCtx(nctx, time.Duration(cfg.RetryDelayS*float64(time.Second))); werr != nil {
				err = werr
				break
			}
			e.logger.Debug(nctx, "retrying node", "node_id", item.nodeID, "attempt", attempt+1)
		}
		out, err = e.invokeNode(nctx, node, wctx, input, cfg.TimeoutS)
		if err == nil {
			break
		}
	}
	elapsed := time.Since(start)
	e.metrics.RecordTimer(telemetry.MetricNodeDuration, elapsed, tags...)
	if err != nil {
		e.metrics.IncCounter(telemetry.MetricNodeFailures, 1, tags...)
		wctx.SetNodeState(item.nodeID, StateFailed)
		e.obs.nodeFailed(nctx, wctx, item.nodeID, err)
		span.RecordError(err)
		return nil, elapsed, err
	}
	if cacheKey != "" {
		if v, found := wctx.Get(WaitingForInputKey); !found || !Truthy(v) {
			entry := cachedOutput{value: out}
			if cfg.CacheTTLS > 0 {
				entry.expires = time.Now().Add(time.Duration(cfg.CacheTTLS * float64(time.Second)))
			}
			rec.cache[cacheKey] = entry
		}
	}
	return out, elapsed, nil
}

// invokeNode executes the node once under its timeout, converting panics and
// deadline hits into node errors.
func (e *Engine) invokeNode(ctx context.Context, node Node, wctx *Context, input any, timeoutS float64) (out any, err error) {
	if timeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutS*float64(time.Second)))
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NewError(KindNodeExecution, "node %q panicked: %v", node.ID(), r)
		}
	}()
	out, err = node.Execute(ctx, wctx, input)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, WrapError(KindNodeExecution, err, "node %q timed out after %.1fs", node.ID(), timeoutS).
			WithDetails("code", "node_timeout")
	}
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nodeCacheKey(nodeID string, input any) (string, bool) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", false
	}
	return nodeID + ":" + string(raw), true
}

// loopDirective interprets the loop-node output convention. A continuing
// loop re-enqueues the loop-back target with the iteration data; an exiting
// loop with an explicit exit target enqueues it directly. Anything else goes
// through normal routing.
func loopDirective(output any) (workItem, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return workItem{}, false
	}
	cont, has := m["continue_loop"]
	if !has {
		return workItem{}, false
	}
	if Truthy(cont) {
		target, _ := m["loop_back_to"].(string)
		if target == "" {
			return workItem{}, false
		}
		input := any(m)
		if data, found := m["data"]; found && data != nil {
			input = data
		}
		return workItem{nodeID: target, input: input, reenter: true}, true
	}
	if target, _ := m["exit_to"].(string); target != "" {
		return workItem{nodeID: target, input: any(m)}, true
	}
	return workItem{}, false
}

// switchTarget reads the direct-target convention switch nodes use when no
// edge matched their output.
func switchTarget(output any) (string, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return "", false
	}
	target, _ := m["switch_target"].(string)
	return target, target != ""
}

// pendingFromOutput builds the pending-input descriptor from a waiting
// node's output.
func pendingFromOutput(nodeID string, output any) *PendingInput {
	pending := &PendingInput{NodeID: nodeID}
	m, ok := output.(map[string]any)
	if !ok {
		return pending
	}
	pending.Prompt, _ = m["prompt"].(string)
	pending.RequiredFields = toStringSlice(m["required_fields"])
	pending.MissingFields = toStringSlice(m["missing_fields"])
	pending.FieldPrompts = toStringMap(m["field_prompts"])
	pending.ApprovalMode = Truthy(m["approval_mode"])
	if values, found := m["existing_values"].(map[string]any); found {
		pending.ExistingValues = values
	}
	return pending
}

func toStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toStringMap(v any) map[string]string {
	switch val := v.(type) {
	case map[string]string:
		return val
	case map[string]any:
		out := make(map[string]string, len(val))
		for k, item := range val {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
