package workflow

import (
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// edgeProbe describes one generated edge: its declared priority and which
// traversal behavior it exhibits.
type edgeProbe struct {
	Priority int
	Variant  int
}

const (
	probeDefault = iota
	probePassingCond
	probeFailingCond
	probeFallback
)

func genEdgeProbe() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(-5, 5),
		gen.IntRange(probeDefault, probeFallback),
	).Map(func(vals []any) edgeProbe {
		return edgeProbe{Priority: vals[0].(int), Variant: vals[1].(int)}
	})
}

// buildProbeEdges realizes probes as edges against an output of
// {"ready": true} and reports which of them are passable.
func buildProbeEdges(probes []edgeProbe) (edges []*Edge, passable []bool) {
	edges = make([]*Edge, len(probes))
	passable = make([]bool, len(probes))
	for i, p := range probes {
		id := fmt.Sprintf("e%d", i)
		spec := &EdgeSpec{ID: id, Source: "n", Target: id, Priority: p.Priority}
		switch p.Variant {
		case probePassingCond:
			spec.Kind = EdgeConditional
			spec.Conditions = &ConditionGroup{Conditions: []*Condition{
				{Field: "$output.ready", Operator: OpIsTrue},
			}}
			passable[i] = true
		case probeFailingCond:
			spec.Kind = EdgeConditional
			spec.Conditions = &ConditionGroup{Conditions: []*Condition{
				{Field: "$output.ready", Operator: OpIsFalse},
			}}
		case probeFallback:
			spec.Kind = EdgeFallback
			passable[i] = true
		default:
			spec.Kind = EdgeDefault
			passable[i] = true
		}
		edges[i] = NewEdge(spec)
	}
	return edges, passable
}

func TestRouterFirstMatchProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	output := map[string]any{"ready": true}

	properties.Property("first match picks the highest-priority passable edge", prop.ForAll(
		func(probes []edgeProbe) bool {
			edges, passable := buildProbeEdges(probes)
			selected, err := NewRouter(FirstMatch, NewEvaluator()).Route(routeCtx(output), edges, output)
			if err != nil {
				return false
			}

			// Independent oracle: scan in declaration order keeping the first
			// edge seen at the highest effective priority.
			best := -1
			for i := range edges {
				if !passable[i] {
					continue
				}
				if best < 0 || edges[i].EffectivePriority() > edges[best].EffectivePriority() {
					best = i
				}
			}
			if best < 0 {
				return len(selected) == 0
			}
			if len(selected) != 1 || selected[0].ID != edges[best].ID {
				return false
			}
			if edges[best].Kind == EdgeFallback {
				for i := range edges {
					if passable[i] && edges[i].Kind != EdgeFallback {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genEdgeProbe()),
	))

	properties.TestingRun(t)
}

func TestRouterAllMatchesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	output := map[string]any{"ready": true}

	properties.Property("all matches returns every passable edge in priority tiers", prop.ForAll(
		func(probes []edgeProbe) bool {
			edges, passable := buildProbeEdges(probes)
			selected, err := NewRouter(AllMatches, NewEvaluator()).Route(routeCtx(output), edges, output)
			if err != nil {
				return false
			}

			tierSet := make(map[int]bool)
			for i := range edges {
				if passable[i] {
					tierSet[edges[i].EffectivePriority()] = true
				}
			}
			tiers := make([]int, 0, len(tierSet))
			for tier := range tierSet {
				tiers = append(tiers, tier)
			}
			sort.Sort(sort.Reverse(sort.IntSlice(tiers)))

			var expected []string
			for _, tier := range tiers {
				for i := range edges {
					if passable[i] && edges[i].EffectivePriority() == tier {
						expected = append(expected, edges[i].ID)
					}
				}
			}

			if len(selected) != len(expected) {
				return false
			}
			for i, e := range selected {
				if e.ID != expected[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genEdgeProbe()),
	))

	properties.TestingRun(t)
}
