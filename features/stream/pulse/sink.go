// Package pulse exposes a stream.Sink that publishes execution events to
// goa.design/pulse streams. Services build a Redis client, pass it to the
// Pulse client, and hand the resulting sink to the runtime; each execution
// gets its own stream so clients can attach per execution.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// `execution/<ExecutionID>`.
		StreamID func(stream.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization, mainly for
		// tests.
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Sink publishes stream events into Pulse streams. Safe for concurrent
	// Send.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	sinkOptions struct {
		streamID        func(stream.Event) (string, error)
		marshalEnvelope func(Envelope) ([]byte, error)
	}

	// Envelope is the wire wrapper for events published to Pulse.
	Envelope struct {
		// Type identifies the event kind, e.g. "tool_end".
		Type string `json:"type"`
		// WorkflowID identifies the workflow definition.
		WorkflowID string `json:"workflow_id"`
		// ExecutionID links the event to an execution.
		ExecutionID string `json:"execution_id"`
		// Timestamp records publication time in UTC.
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed stream sink. Client is required;
// StreamID and MarshalEnvelope default to the built-ins.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{client: opts.Client, opts: cfg}, nil
}

// Send publishes the event to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:        string(event.Type()),
		WorkflowID:  event.WorkflowID(),
		ExecutionID: event.ExecutionID(),
		Timestamp:   time.Now().UTC(),
		Payload:     event.Payload(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close delegates to the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event stream.Event) (string, error) {
	if event.ExecutionID() == "" {
		return "", errors.New("stream event missing execution id")
	}
	return fmt.Sprintf("execution/%s", event.ExecutionID()), nil
}

func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
