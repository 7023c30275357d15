package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/codes"

	"goa.design/flow/model"
	"goa.design/flow/telemetry"
)

type (
	// Runtime executes tool specs through the full call pipeline:
	// validation, authorization, policies, limits, idempotency replay,
	// pre-tool speech, retries inside a circuit breaker, dynamic variable
	// assignment and telemetry. Safe for concurrent use.
	Runtime struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		authorizer Authorizer
		policies   []Policy
		idem       IdempotencyStore
		speech     SpeechGenerator

		executors map[Type]Executor
		functions map[string]ExecutorFunc

		mu             sync.Mutex
		breakers       map[string]*breaker
		limiters       map[string]*limiter
		transformFuncs map[string]TransformFunc

		exprMu       sync.Mutex
		exprPrograms map[string]*vm.Program
	}

	// Executor runs one tool invocation. Implementations exist per tool
	// type (function, HTTP, DB).
	Executor interface {
		Execute(ctx context.Context, spec *Spec, args map[string]any) (*ExecOutput, error)
	}

	// ExecOutput is the raw executor result before it is wrapped into a
	// call Result.
	ExecOutput struct {
		Content any
		Usage   map[string]any
	}

	// ExecutorFunc adapts a plain function to a registered function tool
	// handler.
	ExecutorFunc func(ctx context.Context, args map[string]any) (any, error)

	// RuntimeOption configures a Runtime.
	RuntimeOption func(*Runtime)

	// CallOption configures a single Call.
	CallOption func(*callOptions)

	callOptions struct {
		store        VariableStore
		principal    *Principal
		conversation []*model.Message
		userIntent   string
		idemKey      string
	}
)

// Runtime options.

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// WithAuthorizer sets the caller authorizer.
func WithAuthorizer(a Authorizer) RuntimeOption {
	return func(r *Runtime) { r.authorizer = a }
}

// WithPolicy appends pre-execution policies in evaluation order.
func WithPolicy(ps ...Policy) RuntimeOption {
	return func(r *Runtime) { r.policies = append(r.policies, ps...) }
}

// WithIdempotencyStore replaces the in-process idempotency store.
func WithIdempotencyStore(s IdempotencyStore) RuntimeOption {
	return func(r *Runtime) { r.idem = s }
}

// WithSpeechGenerator replaces the default pre-tool speech generator.
func WithSpeechGenerator(g SpeechGenerator) RuntimeOption {
	return func(r *Runtime) { r.speech = g }
}

// WithModelClient sets the model client used for AUTO pre-tool speech.
func WithModelClient(c model.Client) RuntimeOption {
	return func(r *Runtime) { r.speech = NewSpeechGenerator(c) }
}

// WithExecutor registers the executor for a tool type.
func WithExecutor(t Type, ex Executor) RuntimeOption {
	return func(r *Runtime) { r.executors[t] = ex }
}

// WithFunction registers a function tool handler by name.
func WithFunction(name string, fn ExecutorFunc) RuntimeOption {
	return func(r *Runtime) { r.functions[name] = fn }
}

// WithTransformFunc registers a named dynamic variable transform.
func WithTransformFunc(name string, fn TransformFunc) RuntimeOption {
	return func(r *Runtime) { r.transformFuncs[name] = fn }
}

// Call options.

// WithVariableStore supplies the store dynamic variable assignments write
// to, typically the workflow context.
func WithVariableStore(s VariableStore) CallOption {
	return func(o *callOptions) { o.store = s }
}

// WithPrincipal identifies the caller for authorization.
func WithPrincipal(p *Principal) CallOption {
	return func(o *callOptions) { o.principal = p }
}

// WithConversation supplies chat history for AUTO pre-tool speech scopes.
func WithConversation(msgs []*model.Message) CallOption {
	return func(o *callOptions) { o.conversation = msgs }
}

// WithUserIntent supplies the user's stated goal for AUTO pre-tool speech.
func WithUserIntent(intent string) CallOption {
	return func(o *callOptions) { o.userIntent = intent }
}

// WithIdempotencyKey overrides the derived idempotency key.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) { o.idemKey = key }
}

// NewRuntime builds a tool runtime. Without options it validates and executes
// function tools with in-process idempotency and no-op telemetry.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		tracer:         telemetry.NewNoopTracer(),
		idem:           NewMemoryIdempotencyStore(),
		executors:      make(map[Type]Executor),
		functions:      make(map[string]ExecutorFunc),
		breakers:       make(map[string]*breaker),
		limiters:       make(map[string]*limiter),
		transformFuncs: make(map[string]TransformFunc),
		exprPrograms:   make(map[string]*vm.Program),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.speech == nil {
		r.speech = NewSpeechGenerator(nil)
	}
	return r
}

// RegisterFunction registers a function tool handler after construction.
func (r *Runtime) RegisterFunction(name string, fn ExecutorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
}

// Call runs spec with args through the pipeline and returns the outcome. The
// returned Result is non-nil for executor failures so callers can inspect
// attempts and the typed error; pre-execution rejections (validation,
// security, policy, limits) return a nil Result.
func (r *Runtime) Call(ctx context.Context, spec *Spec, args map[string]any, opts ...CallOption) (*Result, error) {
	if spec == nil {
		return nil, NewError(KindValidation, "tool spec is nil")
	}
	var copts callOptions
	for _, opt := range opts {
		opt(&copts)
	}

	normArgs, err := spec.ValidateArgs(args)
	if err != nil {
		return nil, err
	}
	if r.authorizer != nil {
		if err := r.authorizer.Authorize(ctx, copts.principal, spec); err != nil {
			if !IsKind(err, KindSecurity) {
				err = WrapError(KindSecurity, err, "authorization failed for tool %q", spec.Name())
			}
			return nil, err
		}
	}
	for _, policy := range r.policies {
		if err := policy.Check(ctx, spec, normArgs); err != nil {
			if !IsKind(err, KindPolicy) {
				err = WrapError(KindPolicy, err, "policy %q rejected tool %q", policy.Name(), spec.Name())
			}
			return nil, err
		}
	}
	if spec.Limits != nil {
		wait := time.Duration(spec.Limits.WaitTimeoutS * float64(time.Second))
		release, err := r.limiterFor(spec).acquire(ctx, wait)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	// Interruption-disabled tools keep running when the caller cancels.
	callCtx := ctx
	if spec.Interruption != nil && spec.Interruption.Disabled {
		callCtx = context.WithoutCancel(ctx)
	}

	callCtx, span := r.tracer.Start(callCtx, "flow.tool.call")
	defer span.End()

	key := copts.idemKey
	idemEnabled := spec.Idempotency != nil && spec.Idempotency.Enabled
	if idemEnabled {
		if key == "" {
			key = IdempotencyKey(spec, normArgs)
		}
		entry, hit, err := r.idem.Get(callCtx, key)
		if err != nil {
			r.logger.Warn(callCtx, "idempotency lookup failed", "tool", spec.Name(), "error", err)
		} else if hit {
			if entry.ArgsHash != "" && entry.ArgsHash != hashArgs(normArgs) {
				err := NewError(KindIdempotencyConflict,
					"idempotency key for tool %q was recorded with different arguments", spec.Name())
				span.RecordError(err)
				span.SetStatus(codes.Error, "idempotency conflict")
				return nil, err
			}
			r.metrics.IncCounter(telemetry.MetricIdempotencyHits, 1, metricTags(spec)...)
			replay := *entry.Result
			replay.Replayed = true
			span.AddEvent("replayed")
			return &replay, nil
		}
	}

	speech := r.generateSpeech(callCtx, spec, normArgs, copts)

	start := time.Now()
	var attempts int
	run := func() (any, error) {
		return r.executeWithRetry(callCtx, spec, normArgs, &attempts)
	}
	var (
		raw     any
		execErr error
	)
	if spec.CircuitBreaker != nil && spec.CircuitBreaker.Enabled {
		raw, execErr = r.breakerFor(spec).execute(spec.CircuitBreaker.ErrorCodesToTrip, run)
	} else {
		raw, execErr = run()
	}
	elapsed := time.Since(start)

	if speech != nil {
		speech.wait(spec)
	}

	tags := metricTags(spec)
	r.metrics.RecordTimer(telemetry.MetricToolDuration, elapsed, tags...)
	r.metrics.IncCounter(telemetry.MetricToolAttempts, float64(attempts), tags...)

	res := &Result{
		Success:   execErr == nil,
		LatencyMS: elapsed.Milliseconds(),
		Attempts:  attempts,
	}
	if speech != nil {
		res.Speech = speech.text
	}
	if execErr != nil {
		r.metrics.IncCounter(telemetry.MetricToolFailures, 1, tags...)
		var terr *Error
		if !errors.As(execErr, &terr) {
			terr = WrapError(KindExecution, execErr, "tool %q failed", spec.Name())
			execErr = terr
		}
		res.Error = terr
		span.RecordError(execErr)
		span.SetStatus(codes.Error, string(KindOf(execErr)))
		r.logger.Error(ctx, "tool call failed",
			"tool", spec.Name(), "kind", KindOf(execErr), "attempts", attempts, "error", execErr)
		return res, execErr
	}

	if out, ok := raw.(*ExecOutput); ok && out != nil {
		res.Content = out.Content
		res.Usage = out.Usage
	}
	if err := r.ApplyAssignments(callCtx, spec.DynamicVariables, res.Content, copts.store); err != nil {
		res.Success = false
		var terr *Error
		if !errors.As(err, &terr) {
			terr = WrapError(KindExecution, err, "dynamic variable assignment failed")
			err = terr
		}
		res.Error = terr
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return res, err
	}
	if idemEnabled {
		entry := &IdempotencyEntry{Result: res, ArgsHash: hashArgs(normArgs)}
		ttl := time.Duration(spec.Idempotency.TTLS * float64(time.Second))
		if err := r.idem.Put(callCtx, key, entry, ttl); err != nil {
			r.logger.Warn(callCtx, "idempotency store failed", "tool", spec.Name(), "error", err)
		}
	}
	span.SetStatus(codes.Ok, "")
	r.logger.Debug(ctx, "tool call completed",
		"tool", spec.Name(), "attempts", attempts, "latency_ms", res.LatencyMS)
	return res, nil
}

// executeWithRetry runs the executor with the spec's retry policy. attempts
// reports executor invocations back to the caller even on failure.
func (r *Runtime) executeWithRetry(ctx context.Context, spec *Spec, args map[string]any, attempts *int) (any, error) {
	ex, err := r.executorFor(spec)
	if err != nil {
		return nil, err
	}
	policy := spec.Retry.normalized()
	if spec.HTTP != nil && len(spec.HTTP.RetryOnStatus) > 0 {
		policy.RetryOnStatus = spec.HTTP.RetryOnStatus
	}
	maxAttempts := 1
	if policy.Enabled {
		maxAttempts = policy.MaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, WrapError(KindExecution, err, "tool call interrupted")
		}
		*attempts = attempt
		out, err := r.executeOnce(ctx, spec, ex, args)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == maxAttempts || !policy.retryable(err) {
			break
		}
		delay := policy.backoff(attempt)
		r.logger.Debug(ctx, "retrying tool",
			"tool", spec.Name(), "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

// executeOnce bounds a single attempt with the spec timeout and normalizes
// panics and deadline errors into typed failures.
func (r *Runtime) executeOnce(ctx context.Context, spec *Spec, ex Executor, args map[string]any) (out *ExecOutput, err error) {
	if t := spec.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(KindExecution, "tool %q panicked: %v", spec.Name(), rec)
		}
	}()
	out, err = ex.Execute(ctx, spec, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, WrapError(KindTimeout, err, "tool %q timed out", spec.Name())
		}
		var terr *Error
		if errors.As(err, &terr) {
			return nil, err
		}
		return nil, WrapError(KindExecution, err, "tool %q failed", spec.Name())
	}
	return out, nil
}

// executorFor resolves the executor for the spec's tool type. Function tools
// fall back to the registered handler map when no executor overrides the
// type.
func (r *Runtime) executorFor(spec *Spec) (Executor, error) {
	if ex, ok := r.executors[spec.ToolType]; ok {
		return ex, nil
	}
	if spec.ToolType == TypeFunction || spec.ToolType == "" {
		name := spec.Name()
		if spec.Function != nil && spec.Function.Handler != "" {
			name = spec.Function.Handler
		}
		r.mu.Lock()
		fn, ok := r.functions[name]
		r.mu.Unlock()
		if !ok {
			return nil, NewError(KindValidation, "no handler registered for function tool %q", name)
		}
		return funcExecutor(fn), nil
	}
	return nil, NewError(KindValidation, "no executor registered for tool type %q", spec.ToolType)
}

func (r *Runtime) breakerFor(spec *Spec) *breaker {
	key := spec.Name()
	if spec.Version != "" {
		key += "@" + spec.Version
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, spec.CircuitBreaker, r.logger, r.metrics)
	r.breakers[key] = b
	return b
}

func (r *Runtime) limiterFor(spec *Spec) *limiter {
	key := spec.Name()
	if spec.Version != "" {
		key += "@" + spec.Version
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := newLimiter(spec.Limits)
	r.limiters[key] = l
	return l
}

func (r *Runtime) transformFunc(name string) (TransformFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.transformFuncs[name]
	return fn, ok
}

// speechResult joins PARALLEL speech generation with the executor. Sequential
// speech is resolved before execution starts.
type speechResult struct {
	text string
	ch   chan string
}

func (s *speechResult) wait(spec *Spec) {
	if s.ch == nil {
		return
	}
	// Parallel mode joins on the tool, not on speech: take the utterance
	// only if generation already finished.
	select {
	case text := <-s.ch:
		s.text = text
	default:
	}
	s.ch = nil
}

// generateSpeech resolves the pre-tool utterance per the spec's speech and
// execution policies. Failures are logged and never fail the call.
func (r *Runtime) generateSpeech(ctx context.Context, spec *Spec, args map[string]any, copts callOptions) *speechResult {
	policy := spec.PreToolSpeech
	if policy == nil || !policy.Enabled {
		return nil
	}
	req := SpeechRequest{
		Spec:         spec,
		Args:         args,
		Conversation: copts.conversation,
		UserIntent:   copts.userIntent,
	}
	parallel := spec.Execution != nil && spec.Execution.Mode == ModeParallel
	if !parallel {
		text, err := r.speech.Generate(ctx, req)
		if err != nil {
			r.logger.Warn(ctx, "pre-tool speech failed", "tool", spec.Name(), "error", err)
			return &speechResult{}
		}
		return &speechResult{text: text}
	}
	ch := make(chan string, 1)
	go func() {
		text, err := r.speech.Generate(ctx, req)
		if err != nil {
			r.logger.Warn(ctx, "pre-tool speech failed", "tool", spec.Name(), "error", err)
		}
		ch <- text
	}()
	return &speechResult{ch: ch}
}

func funcExecutor(fn ExecutorFunc) Executor {
	return executorFunc(func(ctx context.Context, _ *Spec, args map[string]any) (*ExecOutput, error) {
		content, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return &ExecOutput{Content: content}, nil
	})
}

// executorFunc adapts a function to Executor.
type executorFunc func(ctx context.Context, spec *Spec, args map[string]any) (*ExecOutput, error)

func (f executorFunc) Execute(ctx context.Context, spec *Spec, args map[string]any) (*ExecOutput, error) {
	return f(ctx, spec, args)
}

// metricTags flattens the spec's metric tags into kv pairs after the tool
// name, keys sorted for stable output.
func metricTags(spec *Spec) []string {
	tags := []string{"tool", spec.Name()}
	if len(spec.MetricsTags) == 0 {
		return tags
	}
	keys := make([]string, 0, len(spec.MetricsTags))
	for k := range spec.MetricsTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, k, spec.MetricsTags[k])
	}
	return tags
}
