package workflow

import (
	"fmt"
)

// Validate checks the spec's structural invariants: required fields, unique
// node and edge ids, edges referencing existing nodes, a resolvable start
// node, and reachability of every node from the start. It returns a
// workflow_validation_error whose details list every problem found.
func (s *Spec) Validate() error {
	var issues []string
	if s.ID == "" {
		issues = append(issues, "workflow id is required")
	}
	if len(s.Nodes) == 0 {
		issues = append(issues, "workflow has no nodes")
	}
	nodeIDs := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			issues = append(issues, "node with empty id")
			continue
		}
		if nodeIDs[n.ID] {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
	}
	edgeIDs := make(map[string]bool, len(s.Edges))
	for _, e := range s.Edges {
		if e.ID == "" {
			issues = append(issues, fmt.Sprintf("edge %s->%s has empty id", e.Source, e.Target))
		} else if edgeIDs[e.ID] {
			issues = append(issues, fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		edgeIDs[e.ID] = true
		if !nodeIDs[e.Source] {
			issues = append(issues, fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			issues = append(issues, fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target))
		}
	}
	if s.StartNodeID != "" && !nodeIDs[s.StartNodeID] {
		issues = append(issues, fmt.Sprintf("start node %q does not exist", s.StartNodeID))
	}
	for _, id := range s.EndNodeIDs {
		if !nodeIDs[id] {
			issues = append(issues, fmt.Sprintf("end node %q does not exist", id))
		}
	}
	start := s.resolveStart()
	if start == "" && len(s.Nodes) > 0 {
		issues = append(issues, "cannot determine start node: set start_node_id, add a start-kind node, or leave exactly one node without incoming edges")
	}
	if start != "" && len(issues) == 0 {
		for _, id := range s.unreachableFrom(start) {
			issues = append(issues, fmt.Sprintf("node %q is not reachable from start node %q", id, start))
		}
	}
	if len(issues) > 0 {
		return NewError(KindWorkflowValidation, "workflow %q is invalid", s.ID).
			WithDetails("issues", issues)
	}
	return nil
}

// resolveStart returns the start node id: the explicit StartNodeID, else the
// first start-kind node, else the single node without incoming edges.
func (s *Spec) resolveStart() string {
	if s.StartNodeID != "" {
		return s.StartNodeID
	}
	for _, n := range s.Nodes {
		if n.Kind == NodeStart {
			return n.ID
		}
	}
	hasIncoming := make(map[string]bool)
	for _, e := range s.Edges {
		if e.Kind == EdgeLoopBack {
			continue
		}
		hasIncoming[e.Target] = true
	}
	var candidate string
	for _, n := range s.Nodes {
		if hasIncoming[n.ID] {
			continue
		}
		if candidate != "" {
			return ""
		}
		candidate = n.ID
	}
	return candidate
}

// resolveEnds returns the terminal node ids: the explicit EndNodeIDs, else
// all end-kind nodes, else all nodes without outgoing edges.
func (s *Spec) resolveEnds() []string {
	if len(s.EndNodeIDs) > 0 {
		return s.EndNodeIDs
	}
	var ends []string
	for _, n := range s.Nodes {
		if n.Kind == NodeEnd {
			ends = append(ends, n.ID)
		}
	}
	if len(ends) > 0 {
		return ends
	}
	hasOutgoing := make(map[string]bool)
	for _, e := range s.Edges {
		hasOutgoing[e.Source] = true
	}
	for _, n := range s.Nodes {
		if !hasOutgoing[n.ID] {
			ends = append(ends, n.ID)
		}
	}
	return ends
}

// unreachableFrom returns the ids of nodes not reachable from the given node
// following edges of any kind, in declaration order.
func (s *Spec) unreachableFrom(start string) []string {
	adjacent := make(map[string][]string)
	for _, e := range s.Edges {
		adjacent[e.Source] = append(adjacent[e.Source], e.Target)
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	var missing []string
	for _, n := range s.Nodes {
		if !visited[n.ID] {
			missing = append(missing, n.ID)
		}
	}
	return missing
}

// DetectCycles returns the node cycles present in the graph when loop-back
// edges are excluded. Cycles are legal at runtime (the iteration guard bounds
// them) but usually indicate a missing loopBack annotation, so validation
// tooling surfaces them as warnings.
func (s *Spec) DetectCycles() [][]string {
	adjacent := make(map[string][]string)
	for _, e := range s.Edges {
		if e.Kind == EdgeLoopBack {
			continue
		}
		adjacent[e.Source] = append(adjacent[e.Source], e.Target)
	}
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(s.Nodes))
	var (
		cycles [][]string
		stack  []string
		visit  func(id string)
	)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adjacent[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case inStack:
				for i, n := range stack {
					if n == next {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}
	for _, n := range s.Nodes {
		if state[n.ID] == unvisited {
			visit(n.ID)
		}
	}
	return cycles
}
