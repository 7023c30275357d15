// Package flow wires the workflow engine, the tool runtime, model clients and
// the spec registry into a single process-scoped Runtime. The Runtime is the
// integration surface for services embedding the framework: it resolves
// workflow specs (local registrations first, then the registry), builds them
// with a fully equipped node factory, runs them on the engine and bridges the
// execution lifecycle onto the hook bus for streaming and persistence.
//
// Key responsibilities:
//   - Workflow, agent, prompt, model and tool registration with validation
//   - Execution lifecycle: execute, stream, pause, resume, cancel, input delivery
//   - Registry-backed spec resolution with local overrides
//   - Event bridging from engine observers to the hook bus and stream sinks
//   - HTTP session lifecycle and signal-driven shutdown
//
// The Runtime is safe for concurrent use. A zero-option Runtime executes
// collaborator-free workflows out of the box; registries, model clients and
// stores are layered in through options:
//
//	rt := flow.New(
//		flow.WithRegistry(reg),
//		flow.WithModelClient(claude),
//		flow.WithDefaultModel("claude-sonnet-4-5"),
//	)
//	res, err := rt.Execute(ctx, "support_triage", map[string]any{"query": q})
package flow

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/flow/hooks"
	"goa.design/flow/interrupt"
	"goa.design/flow/model"
	"goa.design/flow/registry"
	"goa.design/flow/stream"
	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
	"goa.design/flow/tools/dbexec"
	"goa.design/flow/tools/httpexec"
	"goa.design/flow/workflow"
	"goa.design/flow/workflow/nodes"
)

// ErrInvalidConfig reports a registration with missing or malformed fields.
var ErrInvalidConfig = errors.New("invalid configuration")

type (
	// Runtime aggregates the engine, node factory, tool runtime and registry
	// behind one execution API. It implements the factory's resolver
	// contracts itself so node configs can reference agents, prompts, models
	// and tools registered on the runtime or published to the registry, and
	// it implements nodes.WorkflowRunner so subworkflow nodes recurse through
	// the same resolution path as top-level executions.
	//
	// All public methods are safe for concurrent use.
	Runtime struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		registry   *registry.Registry
		toolRT     *tools.Runtime
		modelCl    model.Client
		sessions   *httpexec.SessionManager
		bus        hooks.Bus
		engine     *workflow.Engine
		factory    *nodes.Factory
		interrupts *interrupt.Hub

		agentSource  nodes.AgentResolver
		promptSource nodes.PromptResolver
		modelSource  nodes.ModelResolver
		toolSource   nodes.ToolResolver

		mu          sync.RWMutex
		workflows   map[string]*workflow.Workflow
		agents      map[string]nodes.Agent
		prompts     map[string]string
		models      map[string]nodes.ModelConfig
		toolsByID   map[string]*tools.Spec
		toolsByName map[string]*tools.Spec
		executions  map[string]execInfo
	}

	// execInfo is the per-execution bookkeeping the runtime keeps beyond what
	// the engine tracks: the workflow the execution belongs to for event
	// publication, and the node waiting for input while suspended.
	execInfo struct {
		workflowID  string
		pendingNode string
	}

	// Options configures the Runtime. Every field is optional: nil telemetry
	// collaborators fall back to noops, a nil Bus gets an in-process bus, a
	// nil Sessions gets a default HTTP session manager, and a nil ToolRuntime
	// gets a fresh runtime sharing the telemetry stack with HTTP and DB
	// executors registered against that session manager. Without a Registry
	// only locally registered workflows and tools resolve.
	Options struct {
		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger
		// Metrics records counters and histograms for runtime operations.
		Metrics telemetry.Metrics
		// Tracer emits spans for workflow and tool execution.
		Tracer telemetry.Tracer
		// Registry resolves published workflow and tool specs.
		Registry *registry.Registry
		// ToolRuntime executes tool calls for tool nodes. A supplied runtime
		// is used as-is; register any executors on it before passing it in.
		ToolRuntime *tools.Runtime
		// Model is the default model client for LLM and intent nodes.
		Model model.Client
		// DefaultModel is the model identifier used when a node names none.
		DefaultModel string
		// Sessions manages pooled HTTP clients for webhook nodes and HTTP
		// tools. The runtime closes it on Shutdown.
		Sessions *httpexec.SessionManager
		// Bus receives lifecycle, node and tool events.
		Bus hooks.Bus
		// Stream, when set, receives the client-facing event subset via a
		// bus subscription.
		Stream stream.Sink
		// Agents supplies agents the runtime cannot resolve locally.
		Agents nodes.AgentResolver
		// Prompts supplies prompt templates the runtime cannot resolve
		// locally.
		Prompts nodes.PromptResolver
		// Models supplies per-node model configurations the runtime cannot
		// resolve locally.
		Models nodes.ModelResolver
		// ToolSource overrides registry tool resolution for tool nodes.
		ToolSource nodes.ToolResolver
		// EngineOptions appends engine options (custom routers, condition
		// functions, extra observers).
		EngineOptions []workflow.EngineOption
		// NodeOptions appends factory options (custom node kinds, renderer
		// or transformer overrides).
		NodeOptions []nodes.Option
	}

	// RuntimeOption configures the runtime via functional options passed to
	// New.
	RuntimeOption func(*Options)
)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) RuntimeOption { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) RuntimeOption { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) RuntimeOption { return func(o *Options) { o.Tracer = t } }

// WithRegistry sets the spec registry.
func WithRegistry(r *registry.Registry) RuntimeOption { return func(o *Options) { o.Registry = r } }

// WithToolRuntime sets the tool runtime.
func WithToolRuntime(rt *tools.Runtime) RuntimeOption {
	return func(o *Options) { o.ToolRuntime = rt }
}

// WithModelClient sets the default model client.
func WithModelClient(c model.Client) RuntimeOption { return func(o *Options) { o.Model = c } }

// WithDefaultModel sets the fallback model identifier.
func WithDefaultModel(name string) RuntimeOption {
	return func(o *Options) { o.DefaultModel = name }
}

// WithSessionManager sets the HTTP session manager.
func WithSessionManager(m *httpexec.SessionManager) RuntimeOption {
	return func(o *Options) { o.Sessions = m }
}

// WithBus sets the event bus.
func WithBus(b hooks.Bus) RuntimeOption { return func(o *Options) { o.Bus = b } }

// WithStream sets the stream sink.
func WithStream(s stream.Sink) RuntimeOption { return func(o *Options) { o.Stream = s } }

// WithAgentResolver sets the fallback agent resolver.
func WithAgentResolver(r nodes.AgentResolver) RuntimeOption {
	return func(o *Options) { o.Agents = r }
}

// WithPromptResolver sets the fallback prompt resolver.
func WithPromptResolver(r nodes.PromptResolver) RuntimeOption {
	return func(o *Options) { o.Prompts = r }
}

// WithModelResolver sets the fallback model resolver.
func WithModelResolver(r nodes.ModelResolver) RuntimeOption {
	return func(o *Options) { o.Models = r }
}

// WithToolResolver sets the tool resolver that overrides the registry.
func WithToolResolver(r nodes.ToolResolver) RuntimeOption {
	return func(o *Options) { o.ToolSource = r }
}

// WithEngineOptions appends workflow engine options.
func WithEngineOptions(opts ...workflow.EngineOption) RuntimeOption {
	return func(o *Options) { o.EngineOptions = append(o.EngineOptions, opts...) }
}

// WithNodeOptions appends node factory options.
func WithNodeOptions(opts ...nodes.Option) RuntimeOption {
	return func(o *Options) { o.NodeOptions = append(o.NodeOptions, opts...) }
}

// New constructs a Runtime using functional options. It installs sane
// defaults (noop telemetry, in-process bus, fresh tool runtime, default HTTP
// session manager) for anything not provided. The returned Runtime is
// immediately usable for registration and execution.
func New(opts ...RuntimeOption) *Runtime {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return newFromOptions(o)
}

func newFromOptions(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	bus := opts.Bus
	if bus == nil {
		bus = hooks.NewBus()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = httpexec.NewSessionManager(httpexec.WithLogger(logger))
	}
	toolRT := opts.ToolRuntime
	if toolRT == nil {
		dbx := dbexec.New(dbexec.WithLogger(logger))
		sessions.Register(dbx)
		topts := []tools.RuntimeOption{
			tools.WithLogger(logger),
			tools.WithMetrics(metrics),
			tools.WithTracer(tracer),
			tools.WithExecutor(tools.TypeHTTP, httpexec.New(sessions, httpexec.WithExecutorLogger(logger))),
			tools.WithExecutor(tools.TypeDB, dbx),
		}
		if opts.Model != nil {
			topts = append(topts, tools.WithModelClient(opts.Model))
		}
		toolRT = tools.NewRuntime(topts...)
	}

	rt := &Runtime{
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		registry:     opts.Registry,
		toolRT:       toolRT,
		modelCl:      opts.Model,
		sessions:     sessions,
		bus:          bus,
		interrupts:   interrupt.NewHub(),
		agentSource:  opts.Agents,
		promptSource: opts.Prompts,
		modelSource:  opts.Models,
		toolSource:   opts.ToolSource,
		workflows:    make(map[string]*workflow.Workflow),
		agents:       make(map[string]nodes.Agent),
		prompts:      make(map[string]string),
		models:       make(map[string]nodes.ModelConfig),
		toolsByID:    make(map[string]*tools.Spec),
		toolsByName:  make(map[string]*tools.Spec),
		executions:   make(map[string]execInfo),
	}

	bridge := &busObserver{bus: bus, logger: logger}
	engOpts := []workflow.EngineOption{
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithTracer(tracer),
		workflow.WithWorkflowObserver(bridge),
		workflow.WithNodeObserver(bridge),
	}
	engOpts = append(engOpts, opts.EngineOptions...)
	rt.engine = workflow.NewEngine(engOpts...)

	nodeOpts := []nodes.Option{
		nodes.WithToolRuntime(toolRT),
		nodes.WithHTTPClient(sessions),
		nodes.WithBus(bus),
		nodes.WithLogger(logger),
		nodes.WithEvaluator(rt.engine.Evaluator()),
		nodes.WithAgentResolver(rt),
		nodes.WithToolResolver(rt),
		nodes.WithPromptResolver(rt),
		nodes.WithModelResolver(rt),
		nodes.WithWorkflowRunner(rt),
	}
	if opts.Model != nil {
		nodeOpts = append(nodeOpts, nodes.WithModelClient(opts.Model))
	}
	if opts.DefaultModel != "" {
		nodeOpts = append(nodeOpts, nodes.WithDefaultModel(opts.DefaultModel))
	}
	nodeOpts = append(nodeOpts, opts.NodeOptions...)
	rt.factory = nodes.New(nodeOpts...)

	if opts.Stream != nil {
		if sub, err := hooks.NewStreamSubscriber(opts.Stream); err == nil {
			if _, err := bus.Register(sub); err != nil {
				logger.Warn(context.Background(), "stream subscriber registration failed", "err", err)
			}
		}
	}
	return rt
}

// Engine returns the workflow engine for direct access to execution status
// and the expression evaluator.
func (r *Runtime) Engine() *workflow.Engine { return r.engine }

// Factory returns the node factory, for registering custom node kinds.
func (r *Runtime) Factory() *nodes.Factory { return r.factory }

// Tools returns the tool runtime, for direct tool calls outside a workflow.
func (r *Runtime) Tools() *tools.Runtime { return r.toolRT }

// ModelClient returns the default model client, nil when none was set.
func (r *Runtime) ModelClient() model.Client { return r.modelCl }

// Registry returns the configured spec registry, nil when none was set.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Sessions returns the HTTP session manager shared by webhook nodes and HTTP
// tools.
func (r *Runtime) Sessions() *httpexec.SessionManager { return r.sessions }

// Bus returns the event bus for registering subscribers.
func (r *Runtime) Bus() hooks.Bus { return r.bus }

// Interrupts returns the hub cooperating nodes use to observe pause, resume
// and cancel requests mid-node.
func (r *Runtime) Interrupts() *interrupt.Hub { return r.interrupts }

// Shutdown releases runtime-held resources. It closes the HTTP session
// manager along with every executor registered on it, waiting up to timeout
// for in-flight requests. Safe to call more than once.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	return r.sessions.Shutdown(timeout)
}

// ShutdownOnSignal shuts the runtime down when the process receives SIGINT
// or SIGTERM. The returned stop function cancels the signal watch without
// shutting down.
func (r *Runtime) ShutdownOnSignal(ctx context.Context, timeout time.Duration) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			r.logger.Info(ctx, "shutdown signal received", "signal", sig.String())
			if err := r.Shutdown(timeout); err != nil {
				r.logger.Error(ctx, "shutdown failed", "err", err)
			}
		case <-ctx.Done():
		case <-done:
		}
	}()
	return func() { close(done) }
}
