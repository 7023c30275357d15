// Package workflow implements the typed, directed-graph orchestration core:
// the serializable spec model (workflows, nodes, edges, conditions), the
// per-execution context, the routing and condition layer, fluent builders and
// the queue-driven execution engine with pause/resume/cancel and streaming.
//
// A workflow is authored as a Spec (or assembled with Builder), validated,
// compiled into a Workflow with concrete Node implementations, and executed
// by an Engine. The engine drives a FIFO work queue of (node, input, edge)
// triples: each node resolves its input, executes, writes its output into the
// execution Context, and the router selects outgoing edges whose conditions
// pass to enqueue successors.
package workflow

import (
	"encoding/json"
	"time"

	"goa.design/flow/tools"
)

type (
	// NodeKind identifies the behavior of a node. The predefined kinds cover
	// the built-in node implementations; NodeCustom designates an extension
	// kind registered with the node factory at runtime.
	NodeKind string

	// EdgeKind identifies how an edge participates in routing.
	EdgeKind string

	// RoutingStrategy selects how the router picks outgoing edges after a
	// node completes.
	RoutingStrategy string

	// NodeState tracks a node's lifecycle within one execution. Transitions
	// are monotonic: idle to running to completed, failed or paused. A
	// paused node returns to running on resume, and loop re-entries run a
	// completed node again.
	NodeState string

	// IOType describes the payload class a node consumes or produces.
	IOType string

	// Status is the review lifecycle of a persisted workflow spec.
	Status string
)

// Node kinds.
const (
	NodeStart       NodeKind = "start"
	NodeEnd         NodeKind = "end"
	NodeLLM         NodeKind = "llm"
	NodeAgent       NodeKind = "agent"
	NodeTool        NodeKind = "tool"
	NodeSubworkflow NodeKind = "subworkflow"
	NodeDecision    NodeKind = "decision"
	NodeSwitch      NodeKind = "switch"
	NodeParallel    NodeKind = "parallel"
	NodeLoop        NodeKind = "loop"
	NodeTransform   NodeKind = "transform"
	NodeWebhook     NodeKind = "webhook"
	NodeHumanInput  NodeKind = "human_input"
	NodeDelay       NodeKind = "delay"
	NodeCustom      NodeKind = "custom"
)

// Edge kinds.
const (
	EdgeDefault      EdgeKind = "default"
	EdgeConditional  EdgeKind = "conditional"
	EdgeError        EdgeKind = "error"
	EdgeTimeout      EdgeKind = "timeout"
	EdgeFallback     EdgeKind = "fallback"
	EdgeLoopBack     EdgeKind = "loopBack"
	EdgeParallelJoin EdgeKind = "parallelJoin"
	EdgeCustom       EdgeKind = "custom"
)

// Routing strategies. FirstMatch selects the single highest-priority passing
// edge; AllMatches fans out every passing edge. Fan-out remains serial: the
// engine executes one node at a time and explicit parallelism is the parallel
// node's responsibility.
const (
	FirstMatch RoutingStrategy = "FIRST_MATCH"
	AllMatches RoutingStrategy = "ALL_MATCHES"
)

// Node states.
const (
	StateIdle      NodeState = "idle"
	StateRunning   NodeState = "running"
	StateCompleted NodeState = "completed"
	StateFailed    NodeState = "failed"
	StatePaused    NodeState = "paused"
	StateSkipped   NodeState = "skipped"
)

// IO types.
const (
	IOText       IOType = "text"
	IOSpeech     IOType = "speech"
	IOJSON       IOType = "json"
	IOImage      IOType = "image"
	IOAudio      IOType = "audio"
	IOVideo      IOType = "video"
	IOBinary     IOType = "binary"
	IOStructured IOType = "structured"
	IOStream     IOType = "stream"
	IOAny        IOType = "any"
)

// Workflow spec statuses.
const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusPublished     Status = "published"
	StatusArchived      Status = "archived"
)

// DefaultMaxIterations bounds the number of node executions within a single
// run when the spec does not set its own limit. The guard protects against
// unbounded cycles.
const DefaultMaxIterations = 100

type (
	// Spec is the serializable description of a workflow graph. Specs are
	// authored via Builder or decoded from JSON/YAML, validated with
	// Validate, persisted through the registry and compiled into executable
	// Workflows.
	Spec struct {
		// ID uniquely identifies the workflow across versions.
		ID string `json:"id"`
		// Name is the human-readable workflow name.
		Name string `json:"name"`
		// Version is the semantic version of this spec revision.
		Version string `json:"version,omitempty"`
		// Description documents the workflow's purpose.
		Description string `json:"description,omitempty"`
		// Nodes lists the node specs in declaration order.
		Nodes []*NodeSpec `json:"nodes"`
		// Edges lists the edge specs in declaration order. Declaration order
		// breaks priority ties during routing.
		Edges []*EdgeSpec `json:"edges"`
		// StartNodeID names the entry node. Empty means the builder or
		// validator infers it (single start-kind node, or sole node without
		// incoming edges).
		StartNodeID string `json:"start_node_id,omitempty"`
		// EndNodeIDs names the terminal nodes. The engine stops routing from
		// these. Empty means end-kind nodes are used.
		EndNodeIDs []string `json:"end_node_ids,omitempty"`
		// Routing selects the edge-selection strategy. Defaults to
		// FirstMatch.
		Routing RoutingStrategy `json:"routing_strategy,omitempty"`
		// MaxIterations bounds node executions per run. Zero means
		// DefaultMaxIterations.
		MaxIterations int `json:"max_iterations,omitempty"`
		// TimeoutSeconds bounds a run's wall-clock time. Zero disables the
		// workflow-level timeout.
		TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
		// Meta carries review and ownership metadata.
		Meta *SpecMeta `json:"metadata,omitempty"`
	}

	// SpecMeta carries review lifecycle and ownership metadata for a
	// persisted workflow spec.
	SpecMeta struct {
		Status    Status            `json:"status,omitempty"`
		Tags      []string          `json:"tags,omitempty"`
		Owner     string            `json:"owner,omitempty"`
		Env       string            `json:"env,omitempty"`
		CreatedAt time.Time         `json:"created_at,omitzero"`
		UpdatedAt time.Time         `json:"updated_at,omitzero"`
		Extra     map[string]string `json:"extra,omitempty"`
	}

	// NodeSpec describes one node of the graph. Kind selects the
	// implementation; Config carries kind-specific settings which the node
	// constructors decode (switch cases, loop bounds, webhook targets and so
	// on). The typed reference fields resolve external collaborators.
	NodeSpec struct {
		// ID uniquely identifies the node within the workflow.
		ID string `json:"id"`
		// Name is the display name. Defaults to ID.
		Name string `json:"name,omitempty"`
		// Kind selects the node implementation.
		Kind NodeKind `json:"node_type"`
		// Subtype refines NodeCustom nodes with a registered string subtype.
		Subtype string `json:"subtype,omitempty"`

		// AgentID references an agent collaborator by id.
		AgentID string `json:"agent_id,omitempty"`
		// ToolID references a registered tool spec by id.
		ToolID string `json:"tool_id,omitempty"`
		// ToolName references a tool by name when no id binding exists.
		ToolName string `json:"tool_name,omitempty"`
		// Tool embeds a full tool spec inline, taking precedence over
		// ToolID/ToolName.
		Tool *tools.Spec `json:"tool,omitempty"`
		// LLMID references a model configuration by id.
		LLMID string `json:"llm_id,omitempty"`
		// PromptID references a stored prompt template by id.
		PromptID string `json:"prompt_id,omitempty"`
		// Prompt embeds a prompt template inline.
		Prompt string `json:"prompt,omitempty"`

		// Input describes the expected input payload.
		Input *IOSpec `json:"input_spec,omitempty"`
		// Output describes the produced output payload.
		Output *IOSpec `json:"output_spec,omitempty"`

		// BackgroundAgents lists agent ids notified of this node's activity
		// without participating in routing.
		BackgroundAgents []string `json:"background_agents,omitempty"`
		// UserPrompt configures how user-supplied prompt fragments merge
		// into this node's prompt.
		UserPrompt *UserPromptConfig `json:"user_prompt_config,omitempty"`
		// DynamicVariables are applied to the node's output after it
		// completes, writing derived values into the execution context.
		DynamicVariables []*tools.VariableAssignment `json:"dynamic_variables,omitempty"`
		// Display carries UI placement attributes.
		Display *Display `json:"display,omitempty"`
		// Config carries kind-specific settings decoded by the node
		// constructor.
		Config map[string]any `json:"config,omitempty"`
		// Common holds the kind-independent execution settings (timeout,
		// retries, caching).
		Common NodeConfig `json:"node_config,omitzero"`
		// Metadata carries free-form annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// NodeConfig holds kind-independent execution settings.
	NodeConfig struct {
		// TimeoutS bounds one execution of the node. Zero disables the
		// node-level timeout.
		TimeoutS float64 `json:"timeout_s,omitempty"`
		// MaxRetries is the number of additional attempts after a failure.
		MaxRetries int `json:"max_retries,omitempty"`
		// RetryDelayS is the pause between attempts.
		RetryDelayS float64 `json:"retry_delay_s,omitempty"`
		// CacheEnabled reuses the node's output for identical inputs within
		// the same execution.
		CacheEnabled bool `json:"cache_enabled,omitempty"`
		// CacheTTLS bounds the cached output's lifetime.
		CacheTTLS float64 `json:"cache_ttl_s,omitempty"`
	}

	// IOSpec describes a node input or output payload.
	IOSpec struct {
		// Type classifies the payload.
		Type IOType `json:"io_type"`
		// Format refines the type (for example "e164" for a text phone
		// number, "wav" for audio).
		Format string `json:"format,omitempty"`
		// Schema is a JSON Schema object validated against structured
		// payloads.
		Schema map[string]any `json:"schema,omitempty"`
		// Required lists mandatory top-level fields for object payloads.
		Required []string `json:"required,omitempty"`
	}

	// UserPromptConfig controls how user-supplied prompt text merges with the
	// node's own prompt.
	UserPromptConfig struct {
		// Precedence orders the merge: "user_first", "node_first" or
		// "user_only".
		Precedence string `json:"precedence,omitempty"`
		// MergeStrategy is "append", "prepend" or "replace".
		MergeStrategy string `json:"merge_strategy,omitempty"`
		// MaxLength truncates the merged prompt. Zero disables truncation.
		MaxLength int `json:"max_length,omitempty"`
	}

	// Display carries UI placement attributes for visual editors.
	Display struct {
		Label string  `json:"label,omitempty"`
		Icon  string  `json:"icon,omitempty"`
		Color string  `json:"color,omitempty"`
		X     float64 `json:"x,omitempty"`
		Y     float64 `json:"y,omitempty"`
	}

	// EdgeSpec describes a directed connection between two nodes, optionally
	// gated by conditions and carrying a data mapping applied to the payload
	// that flows across it.
	EdgeSpec struct {
		// ID uniquely identifies the edge within the workflow.
		ID string `json:"id"`
		// Source is the origin node id.
		Source string `json:"source_node_id"`
		// Target is the destination node id.
		Target string `json:"target_node_id"`
		// Kind selects the routing behavior.
		Kind EdgeKind `json:"edge_type"`
		// Conditions gate traversal. Required for conditional edges.
		Conditions *ConditionGroup `json:"conditions,omitempty"`
		// Priority orders edge evaluation; higher values are checked first.
		// Fallback edges are always evaluated last regardless of priority.
		Priority int `json:"priority,omitempty"`
		// Weight is an advisory value for visualization and future weighted
		// routing; the default router ignores it.
		Weight float64 `json:"weight,omitempty"`
		// TimeoutMS bounds evaluation of expensive conditions. Zero disables
		// the bound.
		TimeoutMS int `json:"timeout_ms,omitempty"`
		// DataMapping rewrites the payload crossing the edge: target field
		// to dotted source path (see ResolvePath for the path language).
		DataMapping map[string]string `json:"data_mapping,omitempty"`
		// ErrorTypes restricts error edges to matching failure kinds or
		// codes. Empty matches any error.
		ErrorTypes []string `json:"error_types,omitempty"`
		// Metadata carries free-form annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

// NormalizedRouting returns the spec's routing strategy, defaulting to
// FirstMatch.
func (s *Spec) NormalizedRouting() RoutingStrategy {
	if s.Routing == AllMatches {
		return AllMatches
	}
	return FirstMatch
}

// IterationBudget returns the spec's max iteration guard, defaulting to
// DefaultMaxIterations.
func (s *Spec) IterationBudget() int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return DefaultMaxIterations
}

// Node returns the node spec with the given id, or nil.
func (s *Spec) Node(id string) *NodeSpec {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Edge returns the edge spec with the given id, or nil.
func (s *Spec) Edge(id string) *EdgeSpec {
	for _, e := range s.Edges {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Clone returns a deep copy of the spec obtained through a JSON round-trip.
// Builders use it to detach returned specs from internal state.
func (s *Spec) Clone() (*Spec, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, WrapError(KindWorkflowValidation, err, "marshal workflow spec %q", s.ID)
	}
	var out Spec
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, WrapError(KindWorkflowValidation, err, "unmarshal workflow spec %q", s.ID)
	}
	return &out, nil
}

// IsEnd reports whether the given node id is terminal for this spec: either
// listed in EndNodeIDs or, when the list is empty, a node of the end kind.
func (s *Spec) IsEnd(nodeID string) bool {
	if len(s.EndNodeIDs) > 0 {
		for _, id := range s.EndNodeIDs {
			if id == nodeID {
				return true
			}
		}
		return false
	}
	n := s.Node(nodeID)
	return n != nil && n.Kind == NodeEnd
}
