package workflow

import "context"

type (
	// Node executes one step of a workflow. Implementations receive the Go
	// context for cancellation and deadlines, the execution context for
	// variables and node outputs, and the payload routed into them; they
	// return their output or an error. The engine owns state transitions,
	// output recording and observer notification.
	//
	// A node that needs to suspend the execution (human input) sets
	// WaitingForInputKey in the execution context and returns its waiting
	// descriptor as output.
	Node interface {
		// ID returns the node id, unique within its workflow.
		ID() string
		// Kind returns the node kind.
		Kind() NodeKind
		// Execute runs the node.
		Execute(ctx context.Context, wctx *Context, input any) (any, error)
	}

	// NodeFactory builds runtime nodes from specs. The nodes package
	// provides the standard factory covering the built-in kinds; custom
	// factories can wrap it to add kinds.
	NodeFactory interface {
		// Build constructs the node for the spec.
		Build(spec *NodeSpec) (Node, error)
		// Kinds returns the node kinds the factory can build.
		Kinds() []NodeKind
	}

	// NodeFunc adapts a function to the Node interface.
	NodeFunc func(ctx context.Context, wctx *Context, input any) (any, error)

	funcNode struct {
		id   string
		kind NodeKind
		fn   NodeFunc
	}
)

// NewFuncNode wraps fn as a node with the given id and kind. Used for custom
// nodes registered at build time and for inline branch callables.
func NewFuncNode(id string, kind NodeKind, fn NodeFunc) Node {
	return &funcNode{id: id, kind: kind, fn: fn}
}

func (n *funcNode) ID() string     { return n.id }
func (n *funcNode) Kind() NodeKind { return n.kind }

func (n *funcNode) Execute(ctx context.Context, wctx *Context, input any) (any, error) {
	return n.fn(ctx, wctx, input)
}
