package workflow

import (
	"errors"
	"fmt"
	"time"

	"goa.design/flow/tools"
)

type (
	// Builder assembles a workflow spec fluently and compiles it. Problems
	// found while composing (duplicate ids, dangling references) accumulate
	// and surface from Build, so call chains stay unconditional.
	//
	//	w, err := workflow.NewBuilder("greeter", "Greeter").
	//		Node("s", workflow.NodeStart).Done().
	//		Node("a", workflow.NodeAgent).Agent("greeting-agent").Done().
	//		Node("e", workflow.NodeEnd).Done().
	//		Connect("s", "a").
	//		Connect("a", "e").
	//		Factory(factory).
	//		Build()
	Builder struct {
		spec     *Spec
		prebuilt []Node
		factory  NodeFactory
		errs     []error
	}

	// NodeBuilder accumulates one node spec. Done returns to the workflow
	// builder.
	NodeBuilder struct {
		b    *Builder
		spec *NodeSpec
	}

	// EdgeBuilder accumulates one edge spec. Done returns to the workflow
	// builder.
	EdgeBuilder struct {
		b    *Builder
		spec *EdgeSpec
	}
)

// NewBuilder starts a workflow spec with the given id and name.
func NewBuilder(id, name string) *Builder {
	now := time.Now().UTC()
	return &Builder{
		spec: &Spec{
			ID:      id,
			Name:    name,
			Version: "0.1.0",
			Meta:    &SpecMeta{Status: StatusDraft, CreatedAt: now, UpdatedAt: now},
		},
	}
}

// Version sets the spec version.
func (b *Builder) Version(v string) *Builder {
	b.spec.Version = v
	return b
}

// Description sets the spec description.
func (b *Builder) Description(d string) *Builder {
	b.spec.Description = d
	return b
}

// Routing sets the routing strategy.
func (b *Builder) Routing(strategy RoutingStrategy) *Builder {
	b.spec.Routing = strategy
	return b
}

// MaxIterations caps the number of node executions per run.
func (b *Builder) MaxIterations(n int) *Builder {
	b.spec.MaxIterations = n
	return b
}

// Timeout sets the workflow wall-clock budget in seconds.
func (b *Builder) Timeout(seconds float64) *Builder {
	b.spec.TimeoutSeconds = seconds
	return b
}

// Owner records the owning team or user in the spec metadata.
func (b *Builder) Owner(owner string) *Builder {
	b.spec.Meta.Owner = owner
	return b
}

// Tags adds metadata tags.
func (b *Builder) Tags(tags ...string) *Builder {
	b.spec.Meta.Tags = append(b.spec.Meta.Tags, tags...)
	return b
}

// Start declares the explicit start node.
func (b *Builder) Start(nodeID string) *Builder {
	b.spec.StartNodeID = nodeID
	return b
}

// End declares explicit end nodes.
func (b *Builder) End(nodeIDs ...string) *Builder {
	b.spec.EndNodeIDs = append(b.spec.EndNodeIDs, nodeIDs...)
	return b
}

// Factory sets the node factory used at build time.
func (b *Builder) Factory(f NodeFactory) *Builder {
	b.factory = f
	return b
}

// Node opens a builder for a new node with the given id and kind.
func (b *Builder) Node(id string, kind NodeKind) *NodeBuilder {
	if b.spec.Node(id) != nil {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", id))
	}
	spec := &NodeSpec{ID: id, Name: id, Kind: kind}
	b.spec.Nodes = append(b.spec.Nodes, spec)
	return &NodeBuilder{b: b, spec: spec}
}

// AddNode appends a fully formed node spec.
func (b *Builder) AddNode(spec *NodeSpec) *Builder {
	if spec == nil {
		b.errs = append(b.errs, errors.New("nil node spec"))
		return b
	}
	if b.spec.Node(spec.ID) != nil {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", spec.ID))
	}
	b.spec.Nodes = append(b.spec.Nodes, spec)
	return b
}

// AddNodeInstance registers a pre-built runtime node together with a minimal
// spec carrying its id and kind. The instance bypasses the factory.
func (b *Builder) AddNodeInstance(n Node) *Builder {
	if n == nil {
		b.errs = append(b.errs, errors.New("nil node instance"))
		return b
	}
	if b.spec.Node(n.ID()) != nil {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", n.ID()))
	}
	b.spec.Nodes = append(b.spec.Nodes, &NodeSpec{ID: n.ID(), Name: n.ID(), Kind: n.Kind()})
	b.prebuilt = append(b.prebuilt, n)
	return b
}

// Edge opens a builder for an edge between two nodes.
func (b *Builder) Edge(source, target string) *EdgeBuilder {
	spec := &EdgeSpec{
		ID:     fmt.Sprintf("%s-%s-%d", source, target, len(b.spec.Edges)+1),
		Source: source,
		Target: target,
		Kind:   EdgeDefault,
	}
	b.spec.Edges = append(b.spec.Edges, spec)
	return &EdgeBuilder{b: b, spec: spec}
}

// AddEdge appends a fully formed edge spec.
func (b *Builder) AddEdge(spec *EdgeSpec) *Builder {
	if spec == nil {
		b.errs = append(b.errs, errors.New("nil edge spec"))
		return b
	}
	b.spec.Edges = append(b.spec.Edges, spec)
	return b
}

// Connect adds a default edge between two nodes.
func (b *Builder) Connect(source, target string) *Builder {
	return b.Edge(source, target).Done()
}

// Spec validates and returns the accumulated spec without compiling nodes,
// for callers that persist specs through the registry.
func (b *Builder) Spec() (*Spec, error) {
	if err := b.err(); err != nil {
		return nil, err
	}
	if err := b.spec.Validate(); err != nil {
		return nil, err
	}
	return b.spec, nil
}

// Build validates the spec and compiles it into an executable workflow.
func (b *Builder) Build() (*Workflow, error) {
	if err := b.err(); err != nil {
		return nil, err
	}
	opts := make([]WorkflowOption, 0, len(b.prebuilt)+1)
	for _, n := range b.prebuilt {
		opts = append(opts, WithNode(n))
	}
	if b.factory != nil {
		opts = append(opts, WithFactory(b.factory))
	}
	return NewWorkflow(b.spec, opts...)
}

func (b *Builder) err() error {
	if len(b.errs) == 0 {
		return nil
	}
	return WrapError(KindWorkflowBuild, errors.Join(b.errs...), "build workflow %q", b.spec.ID)
}

// Name sets the display name.
func (nb *NodeBuilder) Name(name string) *NodeBuilder {
	nb.spec.Name = name
	return nb
}

// Subtype refines a custom node with its registered subtype.
func (nb *NodeBuilder) Subtype(subtype string) *NodeBuilder {
	nb.spec.Subtype = subtype
	return nb
}

// Agent references the agent executed by an agent node.
func (nb *NodeBuilder) Agent(id string) *NodeBuilder {
	nb.spec.AgentID = id
	return nb
}

// Tool references a registered tool by id.
func (nb *NodeBuilder) Tool(id string) *NodeBuilder {
	nb.spec.ToolID = id
	return nb
}

// ToolName references a tool by name for runtimes that resolve by name.
func (nb *NodeBuilder) ToolName(name string) *NodeBuilder {
	nb.spec.ToolName = name
	return nb
}

// ToolSpec embeds a tool spec directly in the node.
func (nb *NodeBuilder) ToolSpec(spec *tools.Spec) *NodeBuilder {
	nb.spec.Tool = spec
	return nb
}

// LLM references the model configuration used by an LLM node.
func (nb *NodeBuilder) LLM(id string) *NodeBuilder {
	nb.spec.LLMID = id
	return nb
}

// Prompt sets the node's inline prompt template.
func (nb *NodeBuilder) Prompt(text string) *NodeBuilder {
	nb.spec.Prompt = text
	return nb
}

// PromptID references a stored prompt.
func (nb *NodeBuilder) PromptID(id string) *NodeBuilder {
	nb.spec.PromptID = id
	return nb
}

// Input sets the input IO contract.
func (nb *NodeBuilder) Input(io *IOSpec) *NodeBuilder {
	nb.spec.Input = io
	return nb
}

// Output sets the output IO contract.
func (nb *NodeBuilder) Output(io *IOSpec) *NodeBuilder {
	nb.spec.Output = io
	return nb
}

// Config sets one node configuration entry.
func (nb *NodeBuilder) Config(key string, value any) *NodeBuilder {
	if nb.spec.Config == nil {
		nb.spec.Config = make(map[string]any)
	}
	nb.spec.Config[key] = value
	return nb
}

// Configs merges configuration entries.
func (nb *NodeBuilder) Configs(cfg map[string]any) *NodeBuilder {
	for k, v := range cfg {
		nb.Config(k, v)
	}
	return nb
}

// Timeout bounds a single node execution in seconds.
func (nb *NodeBuilder) Timeout(seconds float64) *NodeBuilder {
	nb.spec.Common.TimeoutS = seconds
	return nb
}

// Retries configures engine-level retries for the node.
func (nb *NodeBuilder) Retries(max int, delaySeconds float64) *NodeBuilder {
	nb.spec.Common.MaxRetries = max
	nb.spec.Common.RetryDelayS = delaySeconds
	return nb
}

// Cache enables output caching with the given TTL in seconds; zero means no
// expiry.
func (nb *NodeBuilder) Cache(ttlSeconds float64) *NodeBuilder {
	nb.spec.Common.CacheEnabled = true
	nb.spec.Common.CacheTTLS = ttlSeconds
	return nb
}

// DynamicVariable adds a post-execution variable assignment.
func (nb *NodeBuilder) DynamicVariable(va *tools.VariableAssignment) *NodeBuilder {
	nb.spec.DynamicVariables = append(nb.spec.DynamicVariables, va)
	return nb
}

// Label sets the display label.
func (nb *NodeBuilder) Label(label string) *NodeBuilder {
	if nb.spec.Display == nil {
		nb.spec.Display = &Display{}
	}
	nb.spec.Display.Label = label
	return nb
}

// Position sets the display coordinates.
func (nb *NodeBuilder) Position(x, y float64) *NodeBuilder {
	if nb.spec.Display == nil {
		nb.spec.Display = &Display{}
	}
	nb.spec.Display.X = x
	nb.spec.Display.Y = y
	return nb
}

// Meta sets one metadata entry.
func (nb *NodeBuilder) Meta(key string, value any) *NodeBuilder {
	if nb.spec.Metadata == nil {
		nb.spec.Metadata = make(map[string]any)
	}
	nb.spec.Metadata[key] = value
	return nb
}

// Done returns to the workflow builder.
func (nb *NodeBuilder) Done() *Builder { return nb.b }

// ID overrides the generated edge id.
func (eb *EdgeBuilder) ID(id string) *EdgeBuilder {
	eb.spec.ID = id
	return eb
}

// Kind sets the edge kind.
func (eb *EdgeBuilder) Kind(kind EdgeKind) *EdgeBuilder {
	eb.spec.Kind = kind
	return eb
}

// When adds a condition and makes the edge conditional.
func (eb *EdgeBuilder) When(field string, op Operator, value any) *EdgeBuilder {
	eb.condition(&Condition{Field: field, Operator: op, Value: value})
	return eb
}

// WhenExpr adds an expression condition and makes the edge conditional.
func (eb *EdgeBuilder) WhenExpr(expression string) *EdgeBuilder {
	eb.condition(&Condition{Operator: OpExpression, Expression: expression})
	return eb
}

func (eb *EdgeBuilder) condition(c *Condition) {
	if eb.spec.Conditions == nil {
		eb.spec.Conditions = &ConditionGroup{}
	}
	eb.spec.Conditions.Conditions = append(eb.spec.Conditions.Conditions, c)
	if eb.spec.Kind == EdgeDefault {
		eb.spec.Kind = EdgeConditional
	}
}

// Logic sets how the edge's conditions combine.
func (eb *EdgeBuilder) Logic(logic GroupLogic) *EdgeBuilder {
	if eb.spec.Conditions == nil {
		eb.spec.Conditions = &ConditionGroup{}
	}
	eb.spec.Conditions.Logic = logic
	return eb
}

// OnError makes the edge an error edge, optionally restricted to the given
// error types or codes.
func (eb *EdgeBuilder) OnError(errorTypes ...string) *EdgeBuilder {
	eb.spec.Kind = EdgeError
	eb.spec.ErrorTypes = append(eb.spec.ErrorTypes, errorTypes...)
	return eb
}

// Fallback makes the edge a fallback, taken only when nothing else passes.
func (eb *EdgeBuilder) Fallback() *EdgeBuilder {
	eb.spec.Kind = EdgeFallback
	return eb
}

// LoopBack marks the edge as a loop re-entry.
func (eb *EdgeBuilder) LoopBack() *EdgeBuilder {
	eb.spec.Kind = EdgeLoopBack
	return eb
}

// Priority orders the edge relative to its siblings; higher is checked
// first.
func (eb *EdgeBuilder) Priority(p int) *EdgeBuilder {
	eb.spec.Priority = p
	return eb
}

// Weight annotates the edge with a weight.
func (eb *EdgeBuilder) Weight(w float64) *EdgeBuilder {
	eb.spec.Weight = w
	return eb
}

// MapData maps a target input field from a source path.
func (eb *EdgeBuilder) MapData(target, source string) *EdgeBuilder {
	if eb.spec.DataMapping == nil {
		eb.spec.DataMapping = make(map[string]string)
	}
	eb.spec.DataMapping[target] = source
	return eb
}

// Meta sets one metadata entry.
func (eb *EdgeBuilder) Meta(key string, value any) *EdgeBuilder {
	if eb.spec.Metadata == nil {
		eb.spec.Metadata = make(map[string]any)
	}
	eb.spec.Metadata[key] = value
	return eb
}

// Done returns to the workflow builder.
func (eb *EdgeBuilder) Done() *Builder { return eb.b }
