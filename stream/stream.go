// Package stream defines the client-facing event contract for delivering
// execution updates over a transport (SSE, WebSocket, message bus). Stream
// events are the curated subset of the hook bus meant for end users: tool
// progress, model replies, input prompts and terminal status. Sinks own the
// wire format; events stay transport-neutral.
package stream

import (
	"context"
	"time"
)

// EventType enumerates stream payload flavors.
type EventType string

const (
	// EventAssistantReply streams model-produced message content.
	EventAssistantReply EventType = "assistant_reply"

	// EventToolStart streams when a tool call begins executing.
	EventToolStart EventType = "tool_start"

	// EventToolEnd streams when a tool call completes with a result or
	// error.
	EventToolEnd EventType = "tool_end"

	// EventNodeUpdate streams node completions for progress display.
	EventNodeUpdate EventType = "node_update"

	// EventInputRequest streams when the execution suspends waiting for
	// user input.
	EventInputRequest EventType = "input_request"

	// EventWorkflowStatus streams terminal execution status.
	EventWorkflowStatus EventType = "workflow_status"

	// EventStreamEnd marks the end of stream-visible events for an
	// execution.
	EventStreamEnd EventType = "stream_end"
)

type (
	// Sink delivers streaming events to clients. Implementations must be
	// safe for concurrent Send and own marshaling into their wire format.
	Sink interface {
		// Send publishes one event. Errors surface to the hook bus so
		// streaming failures stop the run rather than dropping silently.
		Send(ctx context.Context, event Event) error

		// Close flushes and releases the sink. Idempotent; ctx bounds the
		// graceful shutdown.
		Close(ctx context.Context) error
	}

	// Event is a streaming update bound for clients. Concrete types embed
	// Base; sinks marshal via Payload, consumers type-assert for fields.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// WorkflowID returns the workflow definition identifier.
		WorkflowID() string
		// ExecutionID returns the execution that produced the event.
		ExecutionID() string
		// Payload returns the event data in JSON-serializable form.
		Payload() any
	}

	// Base carries the metadata shared by every stream event.
	Base struct {
		t EventType
		w string
		e string
		p any
	}

	// AssistantReplyPayload is the data for EventAssistantReply.
	AssistantReplyPayload struct {
		// NodeID is the node that produced the reply.
		NodeID string `json:"node_id,omitempty"`
		// Text is the message content.
		Text string `json:"text"`
		// Model identifies the model that produced it, when known.
		Model string `json:"model,omitempty"`
	}

	// ToolStartPayload is the data for EventToolStart.
	ToolStartPayload struct {
		NodeID   string         `json:"node_id,omitempty"`
		ToolName string         `json:"tool_name"`
		Args     map[string]any `json:"args,omitempty"`
	}

	// ToolEndPayload is the data for EventToolEnd.
	ToolEndPayload struct {
		NodeID   string        `json:"node_id,omitempty"`
		ToolName string        `json:"tool_name"`
		Success  bool          `json:"success"`
		Replayed bool          `json:"replayed,omitempty"`
		Duration time.Duration `json:"duration_ns"`
		// Error is the terminal failure message, empty on success.
		Error string `json:"error,omitempty"`
	}

	// NodeUpdatePayload is the data for EventNodeUpdate.
	NodeUpdatePayload struct {
		NodeID  string        `json:"node_id"`
		Elapsed time.Duration `json:"elapsed_ns"`
	}

	// InputRequestPayload is the data for EventInputRequest.
	InputRequestPayload struct {
		NodeID string   `json:"node_id"`
		Fields []string `json:"fields,omitempty"`
		Prompt string   `json:"prompt,omitempty"`
	}

	// WorkflowStatusPayload is the data for EventWorkflowStatus.
	WorkflowStatusPayload struct {
		// Status is "success", "failed" or "canceled".
		Status string `json:"status"`
		// Output is the final output on success.
		Output any `json:"output,omitempty"`
		// Error is the terminal failure message, empty on success.
		Error string `json:"error,omitempty"`
	}

	// AssistantReply streams model message content.
	AssistantReply struct {
		Base
		Data AssistantReplyPayload
	}

	// ToolStart streams the beginning of a tool call.
	ToolStart struct {
		Base
		Data ToolStartPayload
	}

	// ToolEnd streams the completion of a tool call.
	ToolEnd struct {
		Base
		Data ToolEndPayload
	}

	// NodeUpdate streams a node completion.
	NodeUpdate struct {
		Base
		Data NodeUpdatePayload
	}

	// InputRequest streams a suspension waiting for user input.
	InputRequest struct {
		Base
		Data InputRequestPayload
	}

	// WorkflowStatus streams the terminal status of an execution.
	WorkflowStatus struct {
		Base
		Data WorkflowStatusPayload
	}

	// StreamEnd marks the end of the event stream for an execution.
	StreamEnd struct {
		Base
	}
)

// NewBase constructs the shared metadata for a stream event.
func NewBase(t EventType, workflowID, executionID string, payload any) Base {
	return Base{t: t, w: workflowID, e: executionID, p: payload}
}

// Type implements Event.
func (b Base) Type() EventType { return b.t }

// WorkflowID implements Event.
func (b Base) WorkflowID() string { return b.w }

// ExecutionID implements Event.
func (b Base) ExecutionID() string { return b.e }

// Payload implements Event.
func (b Base) Payload() any { return b.p }

// NewAssistantReply constructs an AssistantReply event.
func NewAssistantReply(workflowID, executionID string, data AssistantReplyPayload) AssistantReply {
	return AssistantReply{Base: NewBase(EventAssistantReply, workflowID, executionID, data), Data: data}
}

// NewToolStart constructs a ToolStart event.
func NewToolStart(workflowID, executionID string, data ToolStartPayload) ToolStart {
	return ToolStart{Base: NewBase(EventToolStart, workflowID, executionID, data), Data: data}
}

// NewToolEnd constructs a ToolEnd event.
func NewToolEnd(workflowID, executionID string, data ToolEndPayload) ToolEnd {
	return ToolEnd{Base: NewBase(EventToolEnd, workflowID, executionID, data), Data: data}
}

// NewNodeUpdate constructs a NodeUpdate event.
func NewNodeUpdate(workflowID, executionID string, data NodeUpdatePayload) NodeUpdate {
	return NodeUpdate{Base: NewBase(EventNodeUpdate, workflowID, executionID, data), Data: data}
}

// NewInputRequest constructs an InputRequest event.
func NewInputRequest(workflowID, executionID string, data InputRequestPayload) InputRequest {
	return InputRequest{Base: NewBase(EventInputRequest, workflowID, executionID, data), Data: data}
}

// NewWorkflowStatus constructs a WorkflowStatus event.
func NewWorkflowStatus(workflowID, executionID string, data WorkflowStatusPayload) WorkflowStatus {
	return WorkflowStatus{Base: NewBase(EventWorkflowStatus, workflowID, executionID, data), Data: data}
}

// NewStreamEnd constructs a StreamEnd event.
func NewStreamEnd(workflowID, executionID string) StreamEnd {
	return StreamEnd{Base: NewBase(EventStreamEnd, workflowID, executionID, nil)}
}
