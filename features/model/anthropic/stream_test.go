package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/flow/model"
)

type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event {
	return d.events[d.i-1]
}

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func collectChunks(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestStreamerEventSequence(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"msg_1"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"weather_lookup","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Lyon\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":12,"output_tokens":7}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(context.Background(), stream, map[string]string{"weather_lookup": "weather lookup"}, "claude-test")
	defer s.Close()

	chunks := collectChunks(t, s)

	var texts []string
	var toolCalls []*model.ToolCall
	var usage *model.TokenUsage
	var stopReason string
	for _, chunk := range chunks {
		switch chunk.Type {
		case model.ChunkTypeText:
			texts = append(texts, chunk.Message.Content)
		case model.ChunkTypeToolCall:
			toolCalls = append(toolCalls, chunk.ToolCall)
		case model.ChunkTypeUsage:
			usage = chunk.UsageDelta
		case model.ChunkTypeStop:
			stopReason = chunk.StopReason
		}
	}

	if len(texts) != 2 || texts[0] != "Hel" || texts[1] != "lo" {
		t.Fatalf("unexpected text chunks %v", texts)
	}
	if len(toolCalls) != 1 {
		t.Fatalf("expected 1 tool call chunk, got %d", len(toolCalls))
	}
	if toolCalls[0].Name != "weather lookup" {
		t.Fatalf("unexpected tool name %q", toolCalls[0].Name)
	}
	payload, ok := toolCalls[0].Payload.(map[string]any)
	if !ok || payload["city"] != "Lyon" {
		t.Fatalf("unexpected payload %v", toolCalls[0].Payload)
	}
	if usage == nil || usage.InputTokens != 12 || usage.OutputTokens != 7 || usage.TotalTokens != 19 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if stopReason != "tool_use" {
		t.Fatalf("unexpected stop reason %q", stopReason)
	}

	meta := s.Metadata()
	if meta["provider"] != "anthropic" || meta["model"] != "claude-test" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	if meta["message_id"] != "msg_1" {
		t.Fatalf("expected message id in metadata, got %v", meta)
	}
}

func TestStreamerTextOnly(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"msg_2"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"done"}}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(context.Background(), stream, nil, "claude-test")
	defer s.Close()

	chunks := collectChunks(t, s)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Type != model.ChunkTypeText || chunks[0].Message.Content != "done" {
		t.Fatalf("unexpected first chunk %+v", chunks[0])
	}
	if chunks[2].Type != model.ChunkTypeStop || chunks[2].StopReason != "end_turn" {
		t.Fatalf("unexpected final chunk %+v", chunks[2])
	}
}

func TestStreamerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dec := &testDecoder{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"msg_3"}}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(ctx, stream, nil, "claude-test")
	cancel()

	for {
		_, err := s.Recv()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			break
		}
		t.Fatalf("unexpected error %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
