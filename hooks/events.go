package hooks

import "time"

// EventType enumerates the lifecycle events broadcast on the bus.
type EventType string

const (
	// WorkflowStarted fires when an execution begins, before the first node
	// runs.
	WorkflowStarted EventType = "workflow_started"

	// WorkflowCompleted fires when an execution reaches a terminal state.
	// The Status field distinguishes success, failure and cancellation.
	WorkflowCompleted EventType = "workflow_completed"

	// WorkflowPaused fires when an execution is paused by an operator.
	WorkflowPaused EventType = "workflow_paused"

	// WorkflowResumed fires when a paused or suspended execution continues.
	WorkflowResumed EventType = "workflow_resumed"

	// InputRequested fires when a human-input node suspends the execution
	// waiting for a payload.
	InputRequested EventType = "input_requested"

	// InputProvided fires when a waiting execution receives its payload.
	InputProvided EventType = "input_provided"

	// NodeStarted fires before a node executes.
	NodeStarted EventType = "node_started"

	// NodeCompleted fires after a node's output is recorded.
	NodeCompleted EventType = "node_completed"

	// NodeFailed fires when a node returns an error, before error-edge
	// routing decides whether the execution survives.
	NodeFailed EventType = "node_failed"

	// ToolCallStarted fires when a tool node hands a call to the tool
	// runtime.
	ToolCallStarted EventType = "tool_call_started"

	// ToolCallCompleted fires when the tool runtime returns, successfully
	// or not.
	ToolCallCompleted EventType = "tool_call_completed"

	// AssistantMessage fires when a model node produces user-facing
	// content.
	AssistantMessage EventType = "assistant_message"
)

// Terminal statuses reported by WorkflowCompletedEvent.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

type (
	// Event is implemented by every lifecycle event. Subscribers type-switch
	// on the concrete types for payload access or route on Type.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// WorkflowID returns the workflow definition identifier.
		WorkflowID() string
		// ExecutionID returns the execution this event belongs to. All
		// events of a single execution share it.
		ExecutionID() string
		// Timestamp returns the creation time in Unix milliseconds.
		Timestamp() int64
	}

	baseEvent struct {
		workflowID  string
		executionID string
		timestamp   int64
	}

	// WorkflowStartedEvent carries the initial input of an execution.
	WorkflowStartedEvent struct {
		baseEvent
		// Input is the payload the execution started with.
		Input map[string]any
	}

	// WorkflowCompletedEvent carries the terminal outcome of an execution.
	WorkflowCompletedEvent struct {
		baseEvent
		// Status is one of StatusSuccess, StatusFailed or StatusCanceled.
		Status string
		// Output is the final output on success, nil otherwise.
		Output any
		// Error is the terminal error on failure, nil on success.
		Error error
		// Elapsed is the wall-clock execution time when known.
		Elapsed time.Duration
	}

	// WorkflowPausedEvent records an operator pause.
	WorkflowPausedEvent struct {
		baseEvent
		// Reason explains why the execution was paused.
		Reason string
		// RequestedBy identifies the actor who asked for the pause.
		RequestedBy string
		// Labels carries optional metadata from the pause request.
		Labels map[string]string
	}

	// WorkflowResumedEvent records a resume after a pause or suspension.
	WorkflowResumedEvent struct {
		baseEvent
		// Notes carries optional context provided with the resume.
		Notes string
		// RequestedBy identifies the actor who asked for the resume.
		RequestedBy string
	}

	// InputRequestedEvent fires when the execution suspends for human input.
	InputRequestedEvent struct {
		baseEvent
		// NodeID is the human-input node waiting for a payload.
		NodeID string
		// Fields lists the field names the node requires.
		Fields []string
		// Prompt is the operator-facing prompt, when configured.
		Prompt string
	}

	// InputProvidedEvent fires when a suspended execution receives input.
	InputProvidedEvent struct {
		baseEvent
		// NodeID is the node the payload was delivered to.
		NodeID string
	}

	// NodeStartedEvent fires before a node executes.
	NodeStartedEvent struct {
		baseEvent
		// NodeID identifies the node.
		NodeID string
	}

	// NodeCompletedEvent fires after a node's output is recorded.
	NodeCompletedEvent struct {
		baseEvent
		// NodeID identifies the node.
		NodeID string
		// Output is the node's recorded output.
		Output any
		// Elapsed is the node's wall-clock execution time.
		Elapsed time.Duration
	}

	// NodeFailedEvent fires when a node returns an error.
	NodeFailedEvent struct {
		baseEvent
		// NodeID identifies the node.
		NodeID string
		// Error is the failure the node returned.
		Error error
	}

	// ToolCallStartedEvent fires when a tool call enters the runtime.
	ToolCallStartedEvent struct {
		baseEvent
		// NodeID is the tool node issuing the call, empty for direct calls.
		NodeID string
		// ToolName identifies the tool.
		ToolName string
		// Args are the call arguments after validation.
		Args map[string]any
	}

	// AssistantMessageEvent carries user-facing content from a model node.
	AssistantMessageEvent struct {
		baseEvent
		// NodeID is the node that produced the content.
		NodeID string
		// Message is the text content.
		Message string
		// Model identifies the model that produced it, when known.
		Model string
	}

	// ToolCallCompletedEvent fires when the tool runtime returns.
	ToolCallCompletedEvent struct {
		baseEvent
		// NodeID is the tool node that issued the call.
		NodeID string
		// ToolName identifies the tool.
		ToolName string
		// Success reports whether the call produced a usable result.
		Success bool
		// Replayed reports whether the result came from the idempotency
		// store instead of a fresh execution.
		Replayed bool
		// Attempts is the number of execution attempts made.
		Attempts int
		// Duration is the wall-clock time of the whole call pipeline.
		Duration time.Duration
		// Error is the terminal error when the call failed.
		Error error
	}
)

func newBaseEvent(workflowID, executionID string) baseEvent {
	return baseEvent{
		workflowID:  workflowID,
		executionID: executionID,
		timestamp:   time.Now().UnixMilli(),
	}
}

// WorkflowID implements Event.
func (e baseEvent) WorkflowID() string { return e.workflowID }

// ExecutionID implements Event.
func (e baseEvent) ExecutionID() string { return e.executionID }

// Timestamp implements Event.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

// Type implements Event for WorkflowStartedEvent.
func (e *WorkflowStartedEvent) Type() EventType { return WorkflowStarted }

// Type implements Event for WorkflowCompletedEvent.
func (e *WorkflowCompletedEvent) Type() EventType { return WorkflowCompleted }

// Type implements Event for WorkflowPausedEvent.
func (e *WorkflowPausedEvent) Type() EventType { return WorkflowPaused }

// Type implements Event for WorkflowResumedEvent.
func (e *WorkflowResumedEvent) Type() EventType { return WorkflowResumed }

// Type implements Event for InputRequestedEvent.
func (e *InputRequestedEvent) Type() EventType { return InputRequested }

// Type implements Event for InputProvidedEvent.
func (e *InputProvidedEvent) Type() EventType { return InputProvided }

// Type implements Event for NodeStartedEvent.
func (e *NodeStartedEvent) Type() EventType { return NodeStarted }

// Type implements Event for NodeCompletedEvent.
func (e *NodeCompletedEvent) Type() EventType { return NodeCompleted }

// Type implements Event for NodeFailedEvent.
func (e *NodeFailedEvent) Type() EventType { return NodeFailed }

// Type implements Event for ToolCallStartedEvent.
func (e *ToolCallStartedEvent) Type() EventType { return ToolCallStarted }

// Type implements Event for ToolCallCompletedEvent.
func (e *ToolCallCompletedEvent) Type() EventType { return ToolCallCompleted }

// Type implements Event for AssistantMessageEvent.
func (e *AssistantMessageEvent) Type() EventType { return AssistantMessage }

// NewWorkflowStartedEvent constructs a WorkflowStartedEvent.
func NewWorkflowStartedEvent(workflowID, executionID string, input map[string]any) *WorkflowStartedEvent {
	return &WorkflowStartedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		Input:     input,
	}
}

// NewWorkflowCompletedEvent constructs a WorkflowCompletedEvent. Status
// should be one of the Status constants; err may be nil on success.
func NewWorkflowCompletedEvent(workflowID, executionID, status string, output any, err error, elapsed time.Duration) *WorkflowCompletedEvent {
	return &WorkflowCompletedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		Status:    status,
		Output:    output,
		Error:     err,
		Elapsed:   elapsed,
	}
}

// NewWorkflowPausedEvent constructs a WorkflowPausedEvent.
func NewWorkflowPausedEvent(workflowID, executionID, reason, requestedBy string, labels map[string]string) *WorkflowPausedEvent {
	return &WorkflowPausedEvent{
		baseEvent:   newBaseEvent(workflowID, executionID),
		Reason:      reason,
		RequestedBy: requestedBy,
		Labels:      labels,
	}
}

// NewWorkflowResumedEvent constructs a WorkflowResumedEvent.
func NewWorkflowResumedEvent(workflowID, executionID, notes, requestedBy string) *WorkflowResumedEvent {
	return &WorkflowResumedEvent{
		baseEvent:   newBaseEvent(workflowID, executionID),
		Notes:       notes,
		RequestedBy: requestedBy,
	}
}

// NewInputRequestedEvent constructs an InputRequestedEvent.
func NewInputRequestedEvent(workflowID, executionID, nodeID string, fields []string, prompt string) *InputRequestedEvent {
	return &InputRequestedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
		Fields:    fields,
		Prompt:    prompt,
	}
}

// NewInputProvidedEvent constructs an InputProvidedEvent.
func NewInputProvidedEvent(workflowID, executionID, nodeID string) *InputProvidedEvent {
	return &InputProvidedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
	}
}

// NewNodeStartedEvent constructs a NodeStartedEvent.
func NewNodeStartedEvent(workflowID, executionID, nodeID string) *NodeStartedEvent {
	return &NodeStartedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
	}
}

// NewNodeCompletedEvent constructs a NodeCompletedEvent.
func NewNodeCompletedEvent(workflowID, executionID, nodeID string, output any, elapsed time.Duration) *NodeCompletedEvent {
	return &NodeCompletedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
		Output:    output,
		Elapsed:   elapsed,
	}
}

// NewNodeFailedEvent constructs a NodeFailedEvent.
func NewNodeFailedEvent(workflowID, executionID, nodeID string, err error) *NodeFailedEvent {
	return &NodeFailedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
		Error:     err,
	}
}

// NewToolCallStartedEvent constructs a ToolCallStartedEvent.
func NewToolCallStartedEvent(workflowID, executionID, nodeID, toolName string, args map[string]any) *ToolCallStartedEvent {
	return &ToolCallStartedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
		ToolName:  toolName,
		Args:      args,
	}
}

// NewAssistantMessageEvent constructs an AssistantMessageEvent.
func NewAssistantMessageEvent(workflowID, executionID, nodeID, message, model string) *AssistantMessageEvent {
	return &AssistantMessageEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
		Message:   message,
		Model:     model,
	}
}

// NewToolCallCompletedEvent constructs a ToolCallCompletedEvent.
func NewToolCallCompletedEvent(workflowID, executionID, nodeID, toolName string, success, replayed bool, attempts int, duration time.Duration, err error) *ToolCallCompletedEvent {
	return &ToolCallCompletedEvent{
		baseEvent: newBaseEvent(workflowID, executionID),
		NodeID:    nodeID,
		ToolName:  toolName,
		Success:   success,
		Replayed:  replayed,
		Attempts:  attempts,
		Duration:  duration,
		Error:     err,
	}
}
