package openai_test

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/flow/features/model/openai"
	"goa.design/flow/model"
)

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{}
	client, err := openaimodel.New(mock, openaimodel.Options{DefaultModel: "gpt-4o", MaxTokens: 128})
	require.NoError(t, err)

	mock.response = &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message: sdk.ChatCompletionMessage{
					Content: "hi there",
					ToolCalls: []sdk.ChatCompletionMessageToolCall{
						{
							ID: "call_1",
							Function: sdk.ChatCompletionMessageToolCallFunction{
								Name:      "lookup",
								Arguments: `{"query":"docs"}`,
							},
						},
					},
				},
			},
		},
		Usage: sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	resp, err := client.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "You answer briefly."},
			{Role: model.RoleUser, Content: "ping"},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "lookup",
			Description: "Search",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "hi there", resp.Content[0].Content)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "lookup", resp.ToolCalls[0].Name)
	require.Equal(t, "docs", resp.ToolCalls[0].Payload.(map[string]any)["query"])
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	captured := mock.captured
	require.Equal(t, "gpt-4o", string(captured.Model))
	require.Len(t, captured.Messages, 2)
	require.NotNil(t, captured.Messages[0].OfSystem)
	require.Equal(t, "You answer briefly.", captured.Messages[0].OfSystem.Content.OfString.Or(""))
	require.NotNil(t, captured.Messages[1].OfUser)
	require.Equal(t, "ping", captured.Messages[1].OfUser.Content.OfString.Or(""))
	require.Len(t, captured.Tools, 1)
	require.Equal(t, "lookup", captured.Tools[0].Function.Name)
	require.Equal(t, "Search", captured.Tools[0].Function.Description.Or(""))
	require.Equal(t, "object", captured.Tools[0].Function.Parameters["type"])
	require.Equal(t, int64(128), captured.MaxCompletionTokens.Or(0))
}

func TestClientCompleteJSONMode(t *testing.T) {
	mock := &mockChatClient{response: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{
			{FinishReason: "stop", Message: sdk.ChatCompletionMessage{Content: `{"ok":true}`}},
		},
	}}
	client, err := openaimodel.New(mock, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages:     []*model.Message{{Role: model.RoleUser, Content: "extract"}},
		JSONResponse: true,
	})
	require.NoError(t, err)
	require.NotNil(t, mock.captured.ResponseFormat.OfJSONObject)
}

func TestClientCompleteRateLimited(t *testing.T) {
	mock := &mockChatClient{err: model.ErrRateLimited}
	client, err := openaimodel.New(mock, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "ping"}},
	})
	require.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestClientRequestOverridesDefaults(t *testing.T) {
	mock := &mockChatClient{response: &sdk.ChatCompletion{}}
	client, err := openaimodel.New(mock, openaimodel.Options{DefaultModel: "gpt-4o", MaxTokens: 64})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Model:     "gpt-4o-mini",
		Messages:  []*model.Message{{Role: model.RoleUser, Content: "ping"}},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", string(mock.captured.Model))
	require.Equal(t, int64(256), mock.captured.MaxCompletionTokens.Or(0))
}

func TestClientRequiresDefaultModel(t *testing.T) {
	_, err := openaimodel.New(&mockChatClient{}, openaimodel.Options{})
	require.Error(t, err)
	_, err = openaimodel.New(nil, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
}

func TestClientRequiresMessages(t *testing.T) {
	client, err := openaimodel.New(&mockChatClient{}, openaimodel.Options{DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}

type mockChatClient struct {
	response *sdk.ChatCompletion
	err      error
	captured sdk.ChatCompletionNewParams
	stream   *ssestream.Stream[sdk.ChatCompletionChunk]
}

func (m *mockChatClient) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	m.captured = params
	return m.response, m.err
}

func (m *mockChatClient) NewStreaming(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	m.captured = params
	if m.stream == nil {
		m.stream = ssestream.NewStream[sdk.ChatCompletionChunk](noopDecoder{}, nil)
	}
	return m.stream
}

type noopDecoder struct{}

func (noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (noopDecoder) Next() bool             { return false }
func (noopDecoder) Close() error           { return nil }
func (noopDecoder) Err() error             { return nil }
