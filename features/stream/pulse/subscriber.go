package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/stream"
)

type (
	// EnvelopeDecoder converts raw Pulse payloads into stream events. Custom
	// decoders handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client consumes events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "flow_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the JSON envelope
		// decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse streams and emits stream events.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}

	decodedEvent struct {
		t stream.EventType
		w string
		e string
		b json.RawMessage
	}
)

func (e decodedEvent) Type() stream.EventType { return e.t }
func (e decodedEvent) WorkflowID() string     { return e.w }
func (e decodedEvent) ExecutionID() string    { return e.e }
func (e decodedEvent) Payload() any           { return e.b }

// NewSubscriber constructs a Pulse-backed subscriber. Client is required;
// the remaining options default per their field docs.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "flow_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a consumer group on the stream and returns channels for
// events and errors. The returned cancel function stops consumption and
// closes both channels.
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "execution/abc123")
//	defer cancel()
//	for evt := range events {
//		// process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads, decodes and emits events, acking each after emission. Both
// channels close when ctx ends or the sink channel closes; decode and ack
// failures surface on errs and stop consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type        string          `json:"type"`
		WorkflowID  string          `json:"workflow_id"`
		ExecutionID string          `json:"execution_id"`
		Timestamp   time.Time       `json:"timestamp"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return decodedEvent{
		t: stream.EventType(env.Type),
		w: env.WorkflowID,
		e: env.ExecutionID,
		b: env.Payload,
	}, nil
}
