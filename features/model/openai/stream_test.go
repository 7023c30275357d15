package openai_test

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/flow/features/model/openai"
	"goa.design/flow/model"
)

type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func dataEvent(data string) ssestream.Event {
	return ssestream.Event{Data: []byte(data)}
}

func collect(t *testing.T, s model.Streamer) []model.Chunk {
	t.Helper()
	var chunks []model.Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestStreamChunkSequence(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		dataEvent(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`),
		dataEvent(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`),
		dataEvent(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"query\":"}}]}}]}`),
		dataEvent(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"docs\"}"}}]}}]}`),
		dataEvent(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		dataEvent(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`),
		dataEvent(`[DONE]`),
	}}
	mock := &mockChatClient{stream: ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)}
	client, err := openaimodel.New(mock, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	s, err := client.Stream(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, mock.captured.StreamOptions.IncludeUsage.Or(false))

	chunks := collect(t, s)

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

	require.Equal(t, []string{"Hel", "lo"}, texts)
	require.Len(t, toolCalls, 1)
	require.Equal(t, "lookup", toolCalls[0].Name)
	require.Equal(t, "docs", toolCalls[0].Payload.(map[string]any)["query"])
	require.NotNil(t, usage)
	require.Equal(t, 9, usage.InputTokens)
	require.Equal(t, 4, usage.OutputTokens)
	require.Equal(t, 13, usage.TotalTokens)
	require.Equal(t, "tool_calls", stopReason)

	meta := s.Metadata()
	require.Equal(t, "openai", meta["provider"])
	require.Equal(t, "gpt-4o", meta["model"])
	require.Equal(t, "chatcmpl-1", meta["completion_id"])
}

func TestStreamTextOnly(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		dataEvent(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"role":"assistant","content":"done"}}]}`),
		dataEvent(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
		dataEvent(`[DONE]`),
	}}
	mock := &mockChatClient{stream: ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)}
	client, err := openaimodel.New(mock, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	s, err := client.Stream(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	defer s.Close()

	chunks := collect(t, s)
	require.Len(t, chunks, 2)
	require.Equal(t, model.ChunkTypeText, chunks[0].Type)
	require.Equal(t, "done", chunks[0].Message.Content)
	require.Equal(t, model.ChunkTypeStop, chunks[1].Type)
	require.Equal(t, "stop", chunks[1].StopReason)
}
