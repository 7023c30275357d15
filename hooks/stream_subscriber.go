package hooks

import (
	"context"
	"errors"

	"goa.design/flow/stream"
)

// StreamSubscriber receives hook events and forwards the client-facing ones
// to a stream.Sink. It is the bridge between the internal observability bus
// and an external streaming transport.
//
// Forwarded events:
//   - AssistantMessage   → EventAssistantReply
//   - ToolCallStarted    → EventToolStart
//   - ToolCallCompleted  → EventToolEnd
//   - NodeCompleted      → EventNodeUpdate
//   - InputRequested     → EventInputRequest
//   - WorkflowCompleted  → EventWorkflowStatus followed by EventStreamEnd
//
// Everything else is internal observability and is ignored.
type StreamSubscriber struct {
	sink stream.Sink
}

// NewStreamSubscriber constructs a subscriber forwarding selected events to
// sink. Returns an error when sink is nil.
func NewStreamSubscriber(sink stream.Sink) (Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	return &StreamSubscriber{sink: sink}, nil
}

// HandleEvent implements Subscriber. Sink errors propagate to the bus so
// streaming failures surface instead of dropping events silently.
func (s *StreamSubscriber) HandleEvent(ctx context.Context, event Event) error {
	wid, eid := event.WorkflowID(), event.ExecutionID()
	switch evt := event.(type) {
	case *AssistantMessageEvent:
		return s.sink.Send(ctx, stream.NewAssistantReply(wid, eid, stream.AssistantReplyPayload{
			NodeID: evt.NodeID,
			Text:   evt.Message,
			Model:  evt.Model,
		}))
	case *ToolCallStartedEvent:
		return s.sink.Send(ctx, stream.NewToolStart(wid, eid, stream.ToolStartPayload{
			NodeID:   evt.NodeID,
			ToolName: evt.ToolName,
			Args:     evt.Args,
		}))
	case *ToolCallCompletedEvent:
		payload := stream.ToolEndPayload{
			NodeID:   evt.NodeID,
			ToolName: evt.ToolName,
			Success:  evt.Success,
			Replayed: evt.Replayed,
			Duration: evt.Duration,
		}
		if evt.Error != nil {
			payload.Error = evt.Error.Error()
		}
		return s.sink.Send(ctx, stream.NewToolEnd(wid, eid, payload))
	case *NodeCompletedEvent:
		return s.sink.Send(ctx, stream.NewNodeUpdate(wid, eid, stream.NodeUpdatePayload{
			NodeID:  evt.NodeID,
			Elapsed: evt.Elapsed,
		}))
	case *InputRequestedEvent:
		return s.sink.Send(ctx, stream.NewInputRequest(wid, eid, stream.InputRequestPayload{
			NodeID: evt.NodeID,
			Fields: evt.Fields,
			Prompt: evt.Prompt,
		}))
	case *WorkflowCompletedEvent:
		payload := stream.WorkflowStatusPayload{
			Status: evt.Status,
			Output: evt.Output,
		}
		if evt.Error != nil {
			payload.Error = evt.Error.Error()
		}
		if err := s.sink.Send(ctx, stream.NewWorkflowStatus(wid, eid, payload)); err != nil {
			return err
		}
		return s.sink.Send(ctx, stream.NewStreamEnd(wid, eid))
	default:
		return nil
	}
}
