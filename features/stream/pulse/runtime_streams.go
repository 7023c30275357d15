package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/stream"
)

// ExecutionStreams wires one Pulse client into both sides of execution
// streaming: a publishing sink for the runtime and subscribers for readers.
// Sharing the client keeps publish and consume on the same Redis connection
// pool.
type ExecutionStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// ExecutionStreamsOptions configures NewExecutionStreams.
type ExecutionStreamsOptions struct {
	// Client serves publishing and subscribing. Required.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink. Leave
	// zero-valued for defaults.
	Sink Options
}

// NewExecutionStreams constructs the helper. Callers register the sink with
// the runtime's stream bridge and keep the helper to create subscribers for
// SSE or WebSocket fan-out later.
func NewExecutionStreams(opts ExecutionStreamsOptions) (*ExecutionStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &ExecutionStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink.
func (r *ExecutionStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber constructs a subscriber reusing the helper's client.
func (r *ExecutionStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink. Call after all subscribers are
// canceled.
func (r *ExecutionStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
