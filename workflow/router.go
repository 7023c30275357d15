package workflow

import "sort"

type (
	// Router selects which outgoing edges to follow after a node completes.
	// Implementations must be safe for concurrent use.
	Router interface {
		// Route returns the edges to traverse, in traversal order, given the
		// node's output and the execution context. An empty result ends the
		// branch.
		Route(ctx *Context, out []*Edge, output any) ([]*Edge, error)
	}

	// DefaultRouter orders edges by priority (highest first, fallback edges
	// last, declaration order breaking ties) and applies the workflow's
	// routing strategy: FIRST_MATCH follows the first passable edge,
	// ALL_MATCHES follows every passable edge sequentially.
	DefaultRouter struct {
		strategy RoutingStrategy
		eval     *Evaluator
	}
)

// NewRouter creates a router for the given strategy. A nil evaluator gets a
// fresh one with no custom operators.
func NewRouter(strategy RoutingStrategy, eval *Evaluator) *DefaultRouter {
	if strategy != AllMatches {
		strategy = FirstMatch
	}
	if eval == nil {
		eval = NewEvaluator()
	}
	return &DefaultRouter{strategy: strategy, eval: eval}
}

// Route implements Router.
func (r *DefaultRouter) Route(ctx *Context, out []*Edge, output any) ([]*Edge, error) {
	if len(out) == 0 {
		return nil, nil
	}
	ordered := SortEdges(out)
	env := EnvFor(ctx, output)
	var selected []*Edge
	for _, edge := range ordered {
		ok, err := edge.CanTraverse(env, r.eval)
		if err != nil {
			return nil, WrapError(KindRouting, err, "edge %s (%s -> %s)", edge.ID, edge.Source, edge.Target)
		}
		if !ok {
			continue
		}
		if r.strategy == FirstMatch {
			return []*Edge{edge}, nil
		}
		selected = append(selected, edge)
	}
	return selected, nil
}

// SortEdges returns a copy of edges ordered by effective priority descending,
// preserving declaration order among equals.
func SortEdges(edges []*Edge) []*Edge {
	ordered := make([]*Edge, len(edges))
	copy(ordered, edges)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EffectivePriority() > ordered[j].EffectivePriority()
	})
	return ordered
}

// firstPassingErrorEdge scans the node's outgoing error and timeout edges in
// priority order and returns the first one passable in the environment.
func firstPassingErrorEdge(edges []*Edge, env PathEnv, ev *Evaluator) (*Edge, bool) {
	for _, edge := range SortEdges(edges) {
		if edge.Kind != EdgeError && edge.Kind != EdgeTimeout {
			continue
		}
		if ok, err := edge.CanTraverse(env, ev); err == nil && ok {
			return edge, true
		}
	}
	return nil, false
}
