package workflow

import (
	"encoding/json"
)

type (
	// Workflow is a compiled, executable graph: the spec plus runtime nodes
	// and indexed edges. Workflows are immutable after construction and safe
	// to execute concurrently; all per-run state lives in the Context.
	Workflow struct {
		spec      *Spec
		nodes     map[string]Node
		specsByID map[string]*NodeSpec
		edges     map[string]*Edge
		out       map[string][]*Edge
		in        map[string][]*Edge
		start     string
		ends      map[string]bool
	}

	// WorkflowOption configures workflow compilation.
	WorkflowOption func(*workflowOptions)

	workflowOptions struct {
		factory  NodeFactory
		prebuilt map[string]Node
	}
)

// WithFactory sets the node factory used to build runtime nodes from specs.
func WithFactory(f NodeFactory) WorkflowOption {
	return func(o *workflowOptions) { o.factory = f }
}

// WithNode supplies a pre-built runtime node. It takes precedence over the
// factory for the node spec with the same id.
func WithNode(n Node) WorkflowOption {
	return func(o *workflowOptions) {
		if o.prebuilt == nil {
			o.prebuilt = make(map[string]Node)
		}
		o.prebuilt[n.ID()] = n
	}
}

// NewWorkflow validates and compiles a spec into an executable workflow.
// Every node spec must be covered by a pre-built node or by the factory.
func NewWorkflow(spec *Spec, opts ...WorkflowOption) (*Workflow, error) {
	var options workflowOptions
	for _, opt := range opts {
		opt(&options)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	w := &Workflow{
		spec:      spec,
		nodes:     make(map[string]Node, len(spec.Nodes)),
		specsByID: make(map[string]*NodeSpec, len(spec.Nodes)),
		edges:     make(map[string]*Edge, len(spec.Edges)),
		out:       make(map[string][]*Edge),
		in:        make(map[string][]*Edge),
		ends:      make(map[string]bool),
	}
	for _, ns := range spec.Nodes {
		w.specsByID[ns.ID] = ns
		if n, ok := options.prebuilt[ns.ID]; ok {
			w.nodes[ns.ID] = n
			continue
		}
		if options.factory == nil {
			return nil, NewError(KindWorkflowBuild, "no factory to build node %q (%s)", ns.ID, ns.Kind)
		}
		n, err := options.factory.Build(ns)
		if err != nil {
			return nil, WrapError(KindWorkflowBuild, err, "build node %q", ns.ID)
		}
		w.nodes[ns.ID] = n
	}
	for _, es := range spec.Edges {
		edge := NewEdge(es)
		w.edges[es.ID] = edge
		w.out[es.Source] = append(w.out[es.Source], edge)
		w.in[es.Target] = append(w.in[es.Target], edge)
	}
	for id, edges := range w.out {
		w.out[id] = SortEdges(edges)
	}
	w.start = spec.resolveStart()
	for _, id := range spec.resolveEnds() {
		w.ends[id] = true
	}
	return w, nil
}

// ParseWorkflow decodes a JSON-serialized spec and compiles it. Together
// with MarshalJSON this round-trips a workflow through its serialized form.
func ParseWorkflow(data []byte, opts ...WorkflowOption) (*Workflow, error) {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, WrapError(KindWorkflowValidation, err, "decode workflow")
	}
	return NewWorkflow(&spec, opts...)
}

// MarshalJSON serializes the workflow as its spec.
func (w *Workflow) MarshalJSON() ([]byte, error) { return json.Marshal(w.spec) }

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.spec.ID }

// Spec returns the underlying spec. Callers must not mutate it.
func (w *Workflow) Spec() *Spec { return w.spec }

// Node returns the runtime node with the given id.
func (w *Workflow) Node(id string) (Node, bool) {
	n, ok := w.nodes[id]
	return n, ok
}

// NodeSpecFor returns the spec of the node with the given id.
func (w *Workflow) NodeSpecFor(id string) (*NodeSpec, bool) {
	ns, ok := w.specsByID[id]
	return ns, ok
}

// NodeIDs returns the ids of all nodes in declaration order.
func (w *Workflow) NodeIDs() []string {
	ids := make([]string, 0, len(w.spec.Nodes))
	for _, ns := range w.spec.Nodes {
		ids = append(ids, ns.ID)
	}
	return ids
}

// Edge returns the edge with the given id.
func (w *Workflow) Edge(id string) (*Edge, bool) {
	e, ok := w.edges[id]
	return e, ok
}

// OutEdges returns a node's outgoing edges ordered by priority.
func (w *Workflow) OutEdges(nodeID string) []*Edge { return w.out[nodeID] }

// InEdges returns a node's incoming edges.
func (w *Workflow) InEdges(nodeID string) []*Edge { return w.in[nodeID] }

// StartNodeID returns the resolved start node.
func (w *Workflow) StartNodeID() string { return w.start }

// EndNodeIDs returns the resolved end nodes.
func (w *Workflow) EndNodeIDs() []string {
	ids := make([]string, 0, len(w.ends))
	for _, ns := range w.spec.Nodes {
		if w.ends[ns.ID] {
			ids = append(ids, ns.ID)
		}
	}
	return ids
}

// IsEndNode reports whether the node terminates routing.
func (w *Workflow) IsEndNode(id string) bool { return w.ends[id] }
