package workflow

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reserved context keys. Variables whose names start with "__" are private to
// the engine and are not inherited by subworkflow contexts.
const (
	// CurrentErrorKey holds the in-flight error descriptor while the engine
	// routes across an error edge.
	CurrentErrorKey = "__current_error__"
	// WaitingForInputKey is set true by a human-input node to suspend the
	// execution until external input arrives.
	WaitingForInputKey = "_waiting_for_input"
	// WaitingNodeIDKey names the node awaiting input.
	WaitingNodeIDKey = "_waiting_node_id"
)

// HITLInputKey returns the context key under which callers provide pending
// input for the given human-input node.
func HITLInputKey(nodeID string) string { return "_hitl_input_" + nodeID }

// HITLStateKey returns the context key under which a human-input node stores
// its waiting-state descriptor.
func HITLStateKey(nodeID string) string { return "_hitl_state_" + nodeID }

// Context is the per-execution mutable state: caller input, collected output,
// named variables, per-node outputs and states, and the ordered execution
// path. One engine goroutine owns a Context for the duration of a run;
// parallel branches receive independent clones. All accessors are
// mutex-guarded so that suspended executions can safely receive input from
// caller goroutines (ProvideInput) and observers can take snapshots.
//
// Values stored in a Context are JSON-shaped: nil, bool, float64, string,
// []any or map[string]any. Node outputs and inputs travel in this shape so
// path resolution, conditions and transforms behave identically regardless of
// origin.
type Context struct {
	workflowID  string
	executionID string

	mu        sync.RWMutex
	inputData map[string]any
	output    any
	variables map[string]any
	outputs   map[string]any
	states    map[string]NodeState
	path      []string
	metadata  map[string]any
	last      any
}

// NewContext creates an execution context for the given workflow with a fresh
// execution id.
func NewContext(workflowID string) *Context {
	return &Context{
		workflowID:  workflowID,
		executionID: uuid.NewString(),
		variables:   make(map[string]any),
		outputs:     make(map[string]any),
		states:      make(map[string]NodeState),
		metadata:    make(map[string]any),
	}
}

// WorkflowID returns the id of the workflow this context belongs to.
func (c *Context) WorkflowID() string { return c.workflowID }

// ExecutionID returns the unique id of this execution.
func (c *Context) ExecutionID() string { return c.executionID }

// SetInput records the caller-provided input payload.
func (c *Context) SetInput(input map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputData = input
}

// Input returns the caller-provided input payload.
func (c *Context) Input() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inputData
}

// SetOutput records the workflow-level output, typically written by an end
// node.
func (c *Context) SetOutput(out any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = out
}

// Output returns the workflow-level output, or nil if no end node set one.
func (c *Context) Output() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.output
}

// Set stores a named variable.
func (c *Context) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Get returns a named variable and whether it exists.
func (c *Context) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// GetString returns a named variable coerced to string; missing or non-string
// values yield "".
func (c *Context) GetString(name string) string {
	v, ok := c.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Delete removes a named variable.
func (c *Context) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.variables, name)
}

// Variables returns a copy of the variable map.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.variables)
}

// SetNodeOutput records a node's output and marks the node completed. The
// output also becomes the context's most recent output.
func (c *Context) SetNodeOutput(nodeID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = output
	c.states[nodeID] = StateCompleted
	c.last = output
}

// NodeOutput returns a node's recorded output and whether the node completed.
func (c *Context) NodeOutput(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[nodeID]
	return v, ok
}

// NodeOutputs returns a copy of the node output map.
func (c *Context) NodeOutputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.outputs)
}

// LastOutput returns the most recently recorded node output.
func (c *Context) LastOutput() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// SetNodeState transitions a node's lifecycle state.
func (c *Context) SetNodeState(nodeID string, state NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[nodeID] = state
}

// NodeState returns a node's lifecycle state, defaulting to idle.
func (c *Context) NodeState(nodeID string) NodeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.states[nodeID]; ok {
		return s
	}
	return StateIdle
}

// NodeStates returns a copy of the node state map.
func (c *Context) NodeStates() map[string]NodeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.states)
}

// AppendPath records that a node began executing. The execution path keeps
// every visit in order, so loop re-entries appear multiple times.
func (c *Context) AppendPath(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = append(c.path, nodeID)
}

// Path returns a copy of the ordered list of visited node ids.
func (c *Context) Path() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.path))
	copy(out, c.path)
	return out
}

// SetMeta stores an execution metadata entry.
func (c *Context) SetMeta(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Meta returns an execution metadata entry.
func (c *Context) Meta(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Clone returns an independent copy of the context sharing the same workflow
// and execution ids. Parallel branches execute against clones so their writes
// never leak into the parent or sibling contexts.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &Context{
		workflowID:  c.workflowID,
		executionID: c.executionID,
		inputData:   deepCopyMap(c.inputData),
		output:      deepCopyValue(c.output),
		variables:   deepCopyMap(c.variables),
		outputs:     deepCopyMap(c.outputs),
		states:      maps.Clone(c.states),
		metadata:    deepCopyMap(c.metadata),
		last:        deepCopyValue(c.last),
	}
	clone.path = make([]string, len(c.path))
	copy(clone.path, c.path)
	return clone
}

// ChildContext creates a context for a subworkflow execution. Public
// variables (names without the "__" prefix) are copied in; engine-private
// state is not inherited.
func (c *Context) ChildContext(workflowID string) *Context {
	child := NewContext(workflowID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, value := range c.variables {
		if len(name) >= 2 && name[:2] == "__" {
			continue
		}
		child.variables[name] = deepCopyValue(value)
	}
	return child
}

// SetError stores the in-flight error descriptor used by error-edge routing.
func (c *Context) SetError(desc map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[CurrentErrorKey] = desc
}

// CurrentError returns the in-flight error descriptor, if any.
func (c *Context) CurrentError() (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[CurrentErrorKey]
	if !ok {
		return nil, false
	}
	desc, ok := v.(map[string]any)
	return desc, ok
}

// ClearError removes the in-flight error descriptor.
func (c *Context) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.variables, CurrentErrorKey)
}

// Snapshot captures an immutable view of the context for observers and
// streaming consumers.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		WorkflowID:  c.workflowID,
		ExecutionID: c.executionID,
		Variables:   deepCopyMap(c.variables),
		NodeOutputs: deepCopyMap(c.outputs),
		NodeStates:  maps.Clone(c.states),
		Output:      deepCopyValue(c.output),
		TakenAt:     time.Now(),
	}
	snap.Path = make([]string, len(c.path))
	copy(snap.Path, c.path)
	return snap
}

// Snapshot is a point-in-time copy of the observable execution state.
type Snapshot struct {
	WorkflowID  string
	ExecutionID string
	Variables   map[string]any
	NodeOutputs map[string]any
	NodeStates  map[string]NodeState
	Path        []string
	Output      any
	TakenAt     time.Time
}

// deepCopyValue copies JSON-shaped values. Scalars are returned as-is; maps
// and slices are copied recursively. Non-JSON values (custom structs smuggled
// through any) are returned as-is since the engine treats them as opaque.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}
