package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	clientspulse "goa.design/flow/features/stream/pulse/clients/pulse"
	"goa.design/flow/stream"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	ctx := context.Background()
	eventCh := make(chan *streaming.Event, 1)
	sinkFake := &fakeSink{ch: eventCh}
	str := &fakeStream{
		newSink: func(ctx context.Context, name string) (clientspulse.Sink, error) {
			require.Equal(t, "flow_subscriber", name)
			return sinkFake, nil
		},
	}
	cli := &fakeClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "execution/exec-123", name)
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(ctx, "execution/exec-123")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(Envelope{
		Type:        "assistant_reply",
		WorkflowID:  "wf",
		ExecutionID: "exec-123",
		Timestamp:   time.Now(),
		Payload:     map[string]string{"text": "hi"},
	})
	require.NoError(t, err)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	e := <-events
	require.Equal(t, stream.EventAssistantReply, e.Type())
	require.Equal(t, "exec-123", e.ExecutionID())
	body := make(map[string]string)
	require.NoError(t, json.Unmarshal(e.Payload().(json.RawMessage), &body))
	require.Equal(t, "hi", body["text"])
	require.Empty(t, errs)
	require.Equal(t, []string{"1-0"}, sinkFake.acked)
}

func TestSubscribeDecoderError(t *testing.T) {
	eventCh := make(chan *streaming.Event, 1)
	sinkFake := &fakeSink{ch: eventCh}
	str := &fakeStream{
		newSink: func(ctx context.Context, name string) (clientspulse.Sink, error) {
			return sinkFake, nil
		},
	}
	cli := &fakeClient{stream: func(name string) (clientspulse.Stream, error) { return str, nil }}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (stream.Event, error) {
			return nil, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "execution/exec-1")
	require.NoError(t, err)
	defer cancel()
	eventCh <- &streaming.Event{Payload: []byte("{}")}
	close(eventCh)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.Error(t, err)
}
