// Package nodes implements the built-in node kinds behind the workflow
// engine: start/end bookkeeping, LLM completion, agent delegation, tool
// invocation through the tool runtime, subworkflow recursion, decision and
// switch routing, bounded parallel fan-out, loops, data transforms, webhook
// calls, human-in-the-loop input collection and delays.
//
// Factory builds runtime nodes from specs and implements
// workflow.NodeFactory. External collaborators (model clients, stored
// prompts, tool specs, agents, child workflows) are reached through narrow
// resolver interfaces so callers can back them with the registry, fixed
// instances or test fakes. Custom kinds register at runtime with Register.
package nodes

import (
	"context"
	"sort"
	"sync"

	"goa.design/flow/hooks"
	"goa.design/flow/model"
	"goa.design/flow/prompt"
	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
	"goa.design/flow/workflow"
	"goa.design/flow/workflow/transform"
)

type (
	// Agent is the external collaborator an agent node delegates to. Run
	// receives the routed input and execution metadata (workflow_id,
	// node_id, execution_id) and returns the collaborator's result fields.
	Agent interface {
		Run(ctx context.Context, input any, meta map[string]any) (map[string]any, error)
	}

	// AgentResolver resolves agent ids to collaborators.
	AgentResolver interface {
		Agent(ctx context.Context, id string) (Agent, error)
	}

	// ToolResolver resolves tool references to executable specs. Nodes pass
	// the id when they have one and the name otherwise; either may be
	// empty.
	ToolResolver interface {
		ResolveTool(ctx context.Context, id, name string) (*tools.Spec, error)
	}

	// PromptResolver resolves stored prompt templates by id.
	PromptResolver interface {
		Prompt(ctx context.Context, id string) (string, error)
	}

	// ModelResolver resolves llm ids to configured model clients.
	ModelResolver interface {
		Model(ctx context.Context, id string) (*ModelConfig, error)
	}

	// ModelConfig is a resolved model binding: the client plus the request
	// defaults the binding carries.
	ModelConfig struct {
		Client      model.Client
		Model       string
		Temperature float32
		MaxTokens   int
	}

	// WorkflowRunner executes a child workflow on behalf of a subworkflow
	// node. The child context is prepared by the node; implementations
	// resolve workflowID, drive the engine on the child context and return
	// the child's output.
	WorkflowRunner interface {
		RunWorkflow(ctx context.Context, workflowID string, input any, child *workflow.Context) (any, error)
	}

	// BuildFunc constructs a runtime node from its spec. Registered build
	// functions receive the spec with registration defaults merged into its
	// config.
	BuildFunc func(spec *workflow.NodeSpec) (workflow.Node, error)

	// Registration describes a node kind the factory can build beyond the
	// built-ins. Kind selects the node type; Subtype refines NodeCustom
	// registrations. Defaults merge under the spec config before Build
	// runs, and DisplayName labels the kind for editors and listings.
	Registration struct {
		Kind        workflow.NodeKind
		Subtype     string
		DisplayName string
		Defaults    map[string]any
		Build       BuildFunc
	}

	// Factory builds the built-in node kinds and any registered custom
	// kinds. Safe for concurrent use once constructed.
	Factory struct {
		runtime     *tools.Runtime
		client      model.Client
		modelName   string
		renderer    *prompt.Renderer
		transformer *transform.Transformer
		eval        *workflow.Evaluator
		httpClient  HTTPDoer
		bus         hooks.Bus
		logger      telemetry.Logger
		agents      AgentResolver
		toolSource  ToolResolver
		prompts     PromptResolver
		models      ModelResolver
		runner      WorkflowRunner

		mu     sync.RWMutex
		custom map[string]Registration
	}

	// Option configures a Factory.
	Option func(*Factory)
)

// WithToolRuntime sets the runtime tool nodes and dynamic-variable
// assignments execute through.
func WithToolRuntime(rt *tools.Runtime) Option {
	return func(f *Factory) { f.runtime = rt }
}

// WithModelClient sets the default model client for LLM nodes and
// human-input extraction.
func WithModelClient(c model.Client) Option {
	return func(f *Factory) { f.client = c }
}

// WithDefaultModel sets the model identifier used when neither the node
// config nor a resolved binding names one.
func WithDefaultModel(name string) Option {
	return func(f *Factory) { f.modelName = name }
}

// WithHTTPClient sets the client webhook nodes call through. The pooled
// httpexec session manager satisfies HTTPDoer.
func WithHTTPClient(d HTTPDoer) Option {
	return func(f *Factory) { f.httpClient = d }
}

// WithBus sets the event bus nodes publish tool-call and assistant-message
// events to. Without a bus no events are published.
func WithBus(b hooks.Bus) Option {
	return func(f *Factory) { f.bus = b }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithEvaluator shares a condition evaluator with decision and loop nodes
// so registered custom operators apply inside node conditions too.
func WithEvaluator(e *workflow.Evaluator) Option {
	return func(f *Factory) { f.eval = e }
}

// WithRenderer sets the prompt renderer used by LLM nodes.
func WithRenderer(r *prompt.Renderer) Option {
	return func(f *Factory) { f.renderer = r }
}

// WithTransformer sets the transformer used by transform nodes.
func WithTransformer(t *transform.Transformer) Option {
	return func(f *Factory) { f.transformer = t }
}

// WithAgentResolver sets the resolver for agent nodes and background agent
// notification.
func WithAgentResolver(r AgentResolver) Option {
	return func(f *Factory) { f.agents = r }
}

// WithToolResolver sets the resolver tool nodes use for tool_id and
// tool_name references.
func WithToolResolver(r ToolResolver) Option {
	return func(f *Factory) { f.toolSource = r }
}

// WithPromptResolver sets the resolver for prompt_id references.
func WithPromptResolver(r PromptResolver) Option {
	return func(f *Factory) { f.prompts = r }
}

// WithModelResolver sets the resolver for llm_id references.
func WithModelResolver(r ModelResolver) Option {
	return func(f *Factory) { f.models = r }
}

// WithWorkflowRunner sets the executor subworkflow nodes recurse through.
func WithWorkflowRunner(r WorkflowRunner) Option {
	return func(f *Factory) { f.runner = r }
}

// New builds a factory. Collaborator-free kinds (start, end, decision,
// switch, loop, transform, delay) work with a zero-option factory; the
// other kinds report missing collaborators when their specs are built.
func New(opts ...Option) *Factory {
	f := &Factory{custom: make(map[string]Registration)}
	for _, opt := range opts {
		opt(f)
	}
	if f.eval == nil {
		f.eval = workflow.NewEvaluator()
	}
	if f.renderer == nil {
		f.renderer = prompt.New()
	}
	if f.transformer == nil {
		f.transformer = transform.New(f.eval)
	}
	if f.logger == nil {
		f.logger = telemetry.NewNoopLogger()
	}
	return f
}

// Register adds or overrides a node kind. Registrations for NodeCustom
// require a subtype; registrations for other kinds shadow the built-in
// implementation of that kind.
func (f *Factory) Register(reg Registration) error {
	if reg.Build == nil {
		return workflow.NewError(workflow.KindNodeValidation, "registration for kind %q has no build function", reg.Kind)
	}
	if reg.Kind == "" {
		return workflow.NewError(workflow.KindNodeValidation, "registration has no kind")
	}
	if reg.Kind == workflow.NodeCustom && reg.Subtype == "" {
		return workflow.NewError(workflow.KindNodeValidation, "custom kind registration requires a subtype")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.custom[registrationKey(reg.Kind, reg.Subtype)] = reg
	return nil
}

// RegisterKind registers a build function for a kind without display
// metadata or config defaults.
func (f *Factory) RegisterKind(kind workflow.NodeKind, build BuildFunc) error {
	return f.Register(Registration{Kind: kind, Build: build})
}

// RegisterSubtype registers a build function for a NodeCustom subtype.
func (f *Factory) RegisterSubtype(subtype string, build BuildFunc) error {
	return f.Register(Registration{Kind: workflow.NodeCustom, Subtype: subtype, Build: build})
}

func registrationKey(kind workflow.NodeKind, subtype string) string {
	if kind == workflow.NodeCustom {
		return string(kind) + ":" + subtype
	}
	return string(kind)
}

// builtinKinds lists the kinds the factory builds without registration.
var builtinKinds = []workflow.NodeKind{
	workflow.NodeStart,
	workflow.NodeEnd,
	workflow.NodeLLM,
	workflow.NodeAgent,
	workflow.NodeTool,
	workflow.NodeSubworkflow,
	workflow.NodeDecision,
	workflow.NodeSwitch,
	workflow.NodeParallel,
	workflow.NodeLoop,
	workflow.NodeTransform,
	workflow.NodeWebhook,
	workflow.NodeHumanInput,
	workflow.NodeDelay,
}

// displayNames labels the built-in kinds for editors and listings.
var displayNames = map[workflow.NodeKind]string{
	workflow.NodeStart:       "Start",
	workflow.NodeEnd:         "End",
	workflow.NodeLLM:         "LLM",
	workflow.NodeAgent:       "Agent",
	workflow.NodeTool:        "Tool",
	workflow.NodeSubworkflow: "Subworkflow",
	workflow.NodeDecision:    "Decision",
	workflow.NodeSwitch:      "Switch",
	workflow.NodeParallel:    "Parallel",
	workflow.NodeLoop:        "Loop",
	workflow.NodeTransform:   "Transform",
	workflow.NodeWebhook:     "Webhook",
	workflow.NodeHumanInput:  "Human Input",
	workflow.NodeDelay:       "Delay",
}

// DisplayName returns the human-readable label for a kind, preferring a
// registration's label over the built-in one. Unknown kinds return the kind
// string itself.
func (f *Factory) DisplayName(kind workflow.NodeKind, subtype string) string {
	f.mu.RLock()
	reg, ok := f.custom[registrationKey(kind, subtype)]
	f.mu.RUnlock()
	if ok && reg.DisplayName != "" {
		return reg.DisplayName
	}
	if name, ok := displayNames[kind]; ok {
		return name
	}
	if kind == workflow.NodeCustom && subtype != "" {
		return subtype
	}
	return string(kind)
}

// Kinds returns every kind this factory can build: the built-ins plus
// registered kinds, with NodeCustom included once any subtype is
// registered.
func (f *Factory) Kinds() []workflow.NodeKind {
	seen := make(map[workflow.NodeKind]bool, len(builtinKinds))
	kinds := make([]workflow.NodeKind, 0, len(builtinKinds)+1)
	for _, k := range builtinKinds {
		seen[k] = true
		kinds = append(kinds, k)
	}
	f.mu.RLock()
	var extra []workflow.NodeKind
	for _, reg := range f.custom {
		if !seen[reg.Kind] {
			seen[reg.Kind] = true
			extra = append(extra, reg.Kind)
		}
	}
	f.mu.RUnlock()
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(kinds, extra...)
}

// Build constructs the runtime node for the spec. Nodes carrying dynamic
// variable assignments or background agent lists are wrapped so those run
// after every successful execution regardless of kind.
func (f *Factory) Build(ns *workflow.NodeSpec) (workflow.Node, error) {
	if ns == nil {
		return nil, workflow.NewError(workflow.KindNodeValidation, "node spec is nil")
	}
	if ns.ID == "" {
		return nil, workflow.NewError(workflow.KindNodeValidation, "node spec has no id")
	}
	node, err := f.build(ns)
	if err != nil {
		return nil, err
	}
	if len(ns.BackgroundAgents) > 0 {
		if f.agents == nil {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q lists background agents but no agent resolver is configured", ns.ID)
		}
		node = &notifyingNode{Node: node, resolver: f.agents, agentIDs: ns.BackgroundAgents, logger: f.logger}
	}
	if len(ns.DynamicVariables) > 0 {
		if f.runtime == nil {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q has dynamic variables but no tool runtime is configured", ns.ID)
		}
		node = &assigningNode{Node: node, runtime: f.runtime, assigns: ns.DynamicVariables}
	}
	return node, nil
}

func (f *Factory) build(ns *workflow.NodeSpec) (workflow.Node, error) {
	f.mu.RLock()
	reg, registered := f.custom[registrationKey(ns.Kind, ns.Subtype)]
	f.mu.RUnlock()
	if registered {
		return reg.Build(specWithDefaults(ns, reg.Defaults))
	}
	switch ns.Kind {
	case workflow.NodeStart:
		return newStart(ns)
	case workflow.NodeEnd:
		return newEnd(ns)
	case workflow.NodeLLM:
		return newLLM(ns, f)
	case workflow.NodeAgent:
		return newAgent(ns, f)
	case workflow.NodeTool:
		return newTool(ns, f)
	case workflow.NodeSubworkflow:
		return newSubworkflow(ns, f)
	case workflow.NodeDecision:
		return newDecision(ns, f.eval)
	case workflow.NodeSwitch:
		return newSwitch(ns)
	case workflow.NodeParallel:
		return newParallel(ns, f)
	case workflow.NodeLoop:
		return newLoop(ns, f.eval)
	case workflow.NodeTransform:
		return newTransform(ns, f.transformer)
	case workflow.NodeWebhook:
		return newWebhook(ns, f)
	case workflow.NodeHumanInput:
		return newHumanInput(ns, f)
	case workflow.NodeDelay:
		return newDelay(ns)
	case workflow.NodeCustom:
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"custom node %q has no registered subtype %q", ns.ID, ns.Subtype)
	default:
		return nil, workflow.NewError(workflow.KindNodeValidation,
			"node %q has unknown kind %q", ns.ID, ns.Kind)
	}
}

// specWithDefaults returns ns with the registration defaults merged under
// its config. The original spec is not mutated.
func specWithDefaults(ns *workflow.NodeSpec, defaults map[string]any) *workflow.NodeSpec {
	if len(defaults) == 0 {
		return ns
	}
	merged := make(map[string]any, len(defaults)+len(ns.Config))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range ns.Config {
		merged[k] = v
	}
	clone := *ns
	clone.Config = merged
	return &clone
}

// assigningNode applies the spec's dynamic variable assignments to the
// wrapped node's output, writing derived values into the execution context.
type assigningNode struct {
	workflow.Node
	runtime *tools.Runtime
	assigns []*tools.VariableAssignment
}

func (n *assigningNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	out, err := n.Node.Execute(ctx, wctx, input)
	if err != nil {
		return out, err
	}
	if err := n.runtime.ApplyAssignments(ctx, n.assigns, out, wctx); err != nil {
		return nil, workflow.WrapError(workflow.KindNodeExecution, err,
			"node %q dynamic variables", n.Node.ID())
	}
	return out, nil
}

// notifyingNode fans the wrapped node's output out to background agents
// after a successful execution. Notifications are fire-and-forget: they run
// detached from the node's context and failures are logged, never
// propagated.
type notifyingNode struct {
	workflow.Node
	resolver AgentResolver
	agentIDs []string
	logger   telemetry.Logger
}

func (n *notifyingNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	out, err := n.Node.Execute(ctx, wctx, input)
	if err != nil {
		return out, err
	}
	meta := map[string]any{
		"workflow_id":  wctx.WorkflowID(),
		"node_id":      n.Node.ID(),
		"execution_id": wctx.ExecutionID(),
		"background":   true,
	}
	bctx := context.WithoutCancel(ctx)
	for _, id := range n.agentIDs {
		agent, aerr := n.resolver.Agent(ctx, id)
		if aerr != nil {
			n.logger.Warn(ctx, "background agent unavailable", "agent_id", id, "node_id", n.Node.ID(), "err", aerr)
			continue
		}
		go func(agentID string, a Agent) {
			if _, rerr := a.Run(bctx, out, meta); rerr != nil {
				n.logger.Warn(bctx, "background agent notification failed", "agent_id", agentID, "node_id", n.Node.ID(), "err", rerr)
			}
		}(id, agent)
	}
	return out, nil
}
