package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/hooks"
	"goa.design/flow/model"
	"goa.design/flow/workflow"
)

func TestLLMRendersTemplate(t *testing.T) {
	client := &fakeModelClient{response: textResponse("hello there")}
	f := New(WithModelClient(client), WithDefaultModel("gpt-4o"))
	ns := &workflow.NodeSpec{
		ID:     "llm",
		Kind:   workflow.NodeLLM,
		Prompt: "Summarize for {name}: {topic}",
		Config: map[string]any{"system_prompt": "You are terse.", "temperature": 0.2},
	}
	node := buildNode(t, f, ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{
		"name":  "Sam",
		"topic": "refunds",
	})
	require.NoError(t, err)

	req := client.lastRequest(t)
	require.Equal(t, "gpt-4o", req.Model)
	require.InDelta(t, 0.2, float64(req.Temperature), 0.001)
	require.Len(t, req.Messages, 2)
	require.Equal(t, model.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "You are terse.", req.Messages[0].Content)
	require.Equal(t, model.RoleUser, req.Messages[1].Role)
	require.Equal(t, "Summarize for Sam: refunds", req.Messages[1].Content)

	m := out.(map[string]any)
	require.Equal(t, "hello there", m["content"])
	require.Equal(t, "gpt-4o", m["model"])
}

func TestLLMStringInputBecomesUserMessage(t *testing.T) {
	client := &fakeModelClient{response: textResponse("ok")}
	f := New(WithModelClient(client))
	node := buildNode(t, f, &workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM})

	_, err := node.Execute(context.Background(), workflow.NewContext("wf"), "raw question")
	require.NoError(t, err)

	req := client.lastRequest(t)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "raw question", req.Messages[0].Content)
}

func TestLLMJSONMode(t *testing.T) {
	client := &fakeModelClient{response: textResponse(`{"sentiment":"positive","score":0.9}`)}
	f := New(WithModelClient(client))
	ns := &workflow.NodeSpec{
		ID:   "llm",
		Kind: workflow.NodeLLM,
		Config: map[string]any{
			"output_schema": map[string]any{"type": "object"},
		},
	}
	node := buildNode(t, f, ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), "how was it?")
	require.NoError(t, err)
	require.True(t, client.lastRequest(t).JSONResponse)

	content := out.(map[string]any)["content"].(map[string]any)
	require.Equal(t, "positive", content["sentiment"])
}

func TestLLMJSONModeKeepsRawOnDecodeFailure(t *testing.T) {
	client := &fakeModelClient{response: textResponse("not json at all")}
	f := New(WithModelClient(client))
	ns := &workflow.NodeSpec{
		ID:     "llm",
		Kind:   workflow.NodeLLM,
		Config: map[string]any{"json_response": true},
	}
	node := buildNode(t, f, ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), "hi")
	require.NoError(t, err)
	require.Equal(t, "not json at all", out.(map[string]any)["content"])
}

func TestLLMUserPromptMerge(t *testing.T) {
	client := &fakeModelClient{response: textResponse("ok")}
	f := New(WithModelClient(client))

	build := func(up *workflow.UserPromptConfig) workflow.Node {
		return buildNode(t, f, &workflow.NodeSpec{
			ID:         "llm",
			Kind:       workflow.NodeLLM,
			Prompt:     "node prompt",
			UserPrompt: up,
		})
	}
	input := map[string]any{"user_prompt": "user fragment"}

	_, err := build(&workflow.UserPromptConfig{}).Execute(context.Background(), workflow.NewContext("wf"), input)
	require.NoError(t, err)
	require.Equal(t, "node prompt\n\nuser fragment", client.lastRequest(t).Messages[0].Content, "append is the default")

	_, err = build(&workflow.UserPromptConfig{Precedence: "user_first"}).Execute(context.Background(), workflow.NewContext("wf"), input)
	require.NoError(t, err)
	require.Equal(t, "user fragment\n\nnode prompt", client.lastRequest(t).Messages[0].Content)

	_, err = build(&workflow.UserPromptConfig{Precedence: "user_only"}).Execute(context.Background(), workflow.NewContext("wf"), input)
	require.NoError(t, err)
	require.Equal(t, "user fragment", client.lastRequest(t).Messages[0].Content)

	_, err = build(&workflow.UserPromptConfig{MaxLength: 11}).Execute(context.Background(), workflow.NewContext("wf"), input)
	require.NoError(t, err)
	require.Equal(t, "node prompt", client.lastRequest(t).Messages[0].Content, "merged prompt truncates to max_length")
}

func TestLLMUserPromptFromContext(t *testing.T) {
	client := &fakeModelClient{response: textResponse("ok")}
	f := New(WithModelClient(client))
	node := buildNode(t, f, &workflow.NodeSpec{
		ID:         "llm",
		Kind:       workflow.NodeLLM,
		Prompt:     "node prompt",
		UserPrompt: &workflow.UserPromptConfig{MergeStrategy: "replace"},
	})

	wctx := workflow.NewContext("wf")
	wctx.Set("user_prompt", "from ctx")
	_, err := node.Execute(context.Background(), wctx, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "from ctx", client.lastRequest(t).Messages[0].Content)
}

func TestLLMUsageAndStopReason(t *testing.T) {
	client := &fakeModelClient{response: model.Response{
		Content:    []model.Message{{Role: model.RoleAssistant, Content: "done"}},
		Usage:      model.TokenUsage{InputTokens: 12, OutputTokens: 3, TotalTokens: 15},
		StopReason: "stop_sequence",
	}}
	f := New(WithModelClient(client))
	node := buildNode(t, f, &workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM})

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), "hi")
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, "stop_sequence", m["stop_reason"])
	usage := m["usage"].(map[string]any)
	require.Equal(t, 12, usage["input_tokens"])
	require.Equal(t, 15, usage["total_tokens"])
}

func TestLLMResolverBinding(t *testing.T) {
	client := &fakeModelClient{response: textResponse("ok")}
	resolver := &fakeModelResolver{cfg: &ModelConfig{Client: client, Model: "claude-sonnet", MaxTokens: 512}}
	f := New(WithModelResolver(resolver))
	node := buildNode(t, f, &workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM, LLMID: "primary"})

	_, err := node.Execute(context.Background(), workflow.NewContext("wf"), "hi")
	require.NoError(t, err)

	req := client.lastRequest(t)
	require.Equal(t, "claude-sonnet", req.Model)
	require.Equal(t, 512, req.MaxTokens)
}

func TestLLMClientFromContextMeta(t *testing.T) {
	client := &fakeModelClient{response: textResponse("ok")}
	node := buildNode(t, New(), &workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM})

	wctx := workflow.NewContext("wf")
	wctx.SetMeta(ModelClientMetaKey, client)
	_, err := node.Execute(context.Background(), wctx, "hi")
	require.NoError(t, err)
	require.Len(t, client.requests, 1)
}

func TestLLMNoClientFails(t *testing.T) {
	node := buildNode(t, New(), &workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM})

	_, err := node.Execute(context.Background(), workflow.NewContext("wf"), "hi")
	require.Error(t, err)
	require.True(t, workflow.IsKind(err, workflow.KindNodeExecution))
}

func TestLLMPublishesAssistantMessage(t *testing.T) {
	client := &fakeModelClient{response: textResponse("the answer")}
	bus := hooks.NewBus()
	sub := &collectingSubscriber{}
	_, err := bus.Register(sub)
	require.NoError(t, err)

	f := New(WithModelClient(client), WithBus(bus))
	node := buildNode(t, f, &workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM})

	_, err = node.Execute(context.Background(), workflow.NewContext("wf"), "hi")
	require.NoError(t, err)

	require.Len(t, sub.events, 1)
	msg := sub.events[0].(*hooks.AssistantMessageEvent)
	require.Equal(t, "the answer", msg.Message)
	require.Equal(t, "llm", msg.NodeID)
}

func TestLLMPromptResolver(t *testing.T) {
	client := &fakeModelClient{response: textResponse("ok")}
	f := New(WithModelClient(client), WithPromptResolver(&fakePromptResolver{
		prompts: map[string]string{"greet-v2": "Greet {name} warmly"},
	}))
	node := buildNode(t, f, &workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM, PromptID: "greet-v2"})

	_, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, "Greet Ada warmly", client.lastRequest(t).Messages[0].Content)
}

func TestLLMPromptIDWithoutResolverFailsBuild(t *testing.T) {
	f := New(WithModelClient(&fakeModelClient{}))
	_, err := f.Build(&workflow.NodeSpec{ID: "llm", Kind: workflow.NodeLLM, PromptID: "x"})
	require.Error(t, err)
}
