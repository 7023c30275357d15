package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/workflow"
)

func humanInputNodeWith(t *testing.T, f *Factory, config map[string]any) workflow.Node {
	t.Helper()
	return buildNode(t, f, &workflow.NodeSpec{ID: "h", Kind: workflow.NodeHumanInput, Config: config})
}

func TestHumanInputWaitsWhenFieldsMissing(t *testing.T) {
	node := humanInputNodeWith(t, New(), map[string]any{
		"required_fields": []string{"service"},
		"field_prompts":   map[string]string{"service": "Which service?"},
	})

	wctx := workflow.NewContext("wf")
	out, err := node.Execute(context.Background(), wctx, map[string]any{})
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, "waiting", m["status"])
	require.Equal(t, []string{"service"}, m["missing_fields"])
	require.Equal(t, "Please provide: Which service?", m["prompt"])
	require.Equal(t, false, m["approval_mode"])

	waiting, ok := wctx.Get(workflow.WaitingForInputKey)
	require.True(t, ok)
	require.Equal(t, true, waiting)
	nodeID, _ := wctx.Get(workflow.WaitingNodeIDKey)
	require.Equal(t, "h", nodeID)
	_, ok = wctx.Get(workflow.HITLStateKey("h"))
	require.True(t, ok, "collection state persists across the suspension")
}

func TestHumanInputResumeWithMap(t *testing.T) {
	node := humanInputNodeWith(t, New(), map[string]any{
		"required_fields": []string{"service"},
	})

	wctx := workflow.NewContext("wf")
	_, err := node.Execute(context.Background(), wctx, map[string]any{})
	require.NoError(t, err)

	wctx.Set(workflow.HITLInputKey("h"), map[string]any{"service": "massage"})
	out, err := node.Execute(context.Background(), wctx, map[string]any{})
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, true, m["complete"])
	require.Equal(t, map[string]any{"service": "massage"}, m["fields"])
	require.Empty(t, m["missing_fields"])

	v, ok := wctx.Get("service")
	require.True(t, ok, "collected fields become context variables")
	require.Equal(t, "massage", v)

	_, ok = wctx.Get(workflow.WaitingForInputKey)
	require.False(t, ok)
	_, ok = wctx.Get(workflow.WaitingNodeIDKey)
	require.False(t, ok)
	_, ok = wctx.Get(workflow.HITLInputKey("h"))
	require.False(t, ok, "pending input is consumed")
	_, ok = wctx.Get(workflow.HITLStateKey("h"))
	require.False(t, ok, "state is discarded on completion")
}

func TestHumanInputStringBindsSoleMissingField(t *testing.T) {
	node := humanInputNodeWith(t, New(), map[string]any{
		"required_fields": []string{"service"},
	})

	wctx := workflow.NewContext("wf")
	_, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	wctx.Set(workflow.HITLInputKey("h"), "massage")
	out, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, true, m["complete"])
	require.Equal(t, "massage", m["user_input"])
	require.Equal(t, map[string]any{"service": "massage"}, m["fields"])
}

func TestHumanInputApproval(t *testing.T) {
	for _, tc := range []struct {
		answer   string
		approved bool
	}{
		{"yes", true},
		{"Approved", true},
		{"no", false},
		{"reject", false},
	} {
		node := humanInputNodeWith(t, New(), map[string]any{"approval_mode": true})

		wctx := workflow.NewContext("wf")
		out, err := node.Execute(context.Background(), wctx, nil)
		require.NoError(t, err)
		require.Equal(t, "waiting", out.(map[string]any)["status"])
		require.Equal(t, "Please confirm (yes/no).", out.(map[string]any)["prompt"])

		wctx.Set(workflow.HITLInputKey("h"), tc.answer)
		out, err = node.Execute(context.Background(), wctx, nil)
		require.NoError(t, err)

		m := out.(map[string]any)
		require.Equal(t, true, m["complete"], "answer %q", tc.answer)
		require.Equal(t, tc.approved, m["approved"], "answer %q", tc.answer)
	}
}

func TestHumanInputApprovalRetriesThenDenies(t *testing.T) {
	node := humanInputNodeWith(t, New(), map[string]any{
		"approval_mode":    true,
		"retry_on_invalid": true,
		"max_retries":      1,
	})

	wctx := workflow.NewContext("wf")
	_, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	wctx.Set(workflow.HITLInputKey("h"), "maybe")
	out, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)
	require.Equal(t, "waiting", out.(map[string]any)["status"])

	state, _ := wctx.Get(workflow.HITLStateKey("h"))
	require.Equal(t, 1, state.(map[string]any)["retries"])

	wctx.Set(workflow.HITLInputKey("h"), "still unsure")
	out, err = node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, true, m["complete"])
	require.Equal(t, false, m["approved"], "exhausted retries default to denial")
}

func TestHumanInputExtraction(t *testing.T) {
	client := &fakeModelClient{response: textResponse(`{"service":"massage","time":"3pm"}`)}
	node := humanInputNodeWith(t, New(WithModelClient(client)), map[string]any{
		"required_fields":   []string{"service", "time"},
		"extraction_prompt": "Extract the named fields from the reply as JSON.",
	})

	wctx := workflow.NewContext("wf")
	_, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	wctx.Set(workflow.HITLInputKey("h"), "I'd like a massage at 3pm")
	out, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, true, m["complete"])
	require.Equal(t, map[string]any{"service": "massage", "time": "3pm"}, m["fields"])

	req := client.lastRequest(t)
	require.True(t, req.JSONResponse)
	require.Equal(t, "Extract the named fields from the reply as JSON.", req.Messages[0].Content)
	require.Contains(t, req.Messages[1].Content, "service, time")
	require.Contains(t, req.Messages[1].Content, "I'd like a massage at 3pm")
}

func TestHumanInputExtractionFailureFallsBack(t *testing.T) {
	client := &fakeModelClient{response: textResponse("not json")}
	node := humanInputNodeWith(t, New(WithModelClient(client)), map[string]any{
		"required_fields":   []string{"service"},
		"extraction_prompt": "Extract fields.",
	})

	wctx := workflow.NewContext("wf")
	_, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	wctx.Set(workflow.HITLInputKey("h"), "massage please")
	out, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, true, m["complete"])
	require.Equal(t, "massage please", m["fields"].(map[string]any)["service"],
		"undecodable extraction falls back to binding the text to the sole missing field")
}

func TestHumanInputRetryExhaustedCompletesIncomplete(t *testing.T) {
	node := humanInputNodeWith(t, New(), map[string]any{
		"required_fields":  []string{"a", "b"},
		"retry_on_invalid": true,
		"max_retries":      1,
	})

	wctx := workflow.NewContext("wf")
	_, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	wctx.Set(workflow.HITLInputKey("h"), map[string]any{"a": 1})
	out, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)
	require.Equal(t, "waiting", out.(map[string]any)["status"])

	wctx.Set(workflow.HITLInputKey("h"), map[string]any{})
	out, err = node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, false, m["complete"])
	require.Equal(t, []string{"b"}, m["missing_fields"])
	_, ok := wctx.Get(workflow.WaitingForInputKey)
	require.False(t, ok, "exhausted retries release the workflow instead of re-suspending")
}

func TestHumanInputSeededValuesCompleteImmediately(t *testing.T) {
	node := humanInputNodeWith(t, New(), map[string]any{
		"required_fields": []string{"service"},
	})

	wctx := workflow.NewContext("wf")
	out, err := node.Execute(context.Background(), wctx, map[string]any{
		"existing_values": map[string]any{"service": "spa"},
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, true, m["complete"])
	require.Equal(t, map[string]any{"service": "spa"}, m["fields"])
	_, ok := wctx.Get(workflow.WaitingForInputKey)
	require.False(t, ok)

	v, _ := wctx.Get("service")
	require.Equal(t, "spa", v)
}

func TestHumanInputNoRequirementsPassesThrough(t *testing.T) {
	node := humanInputNodeWith(t, New(), nil)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, true, out.(map[string]any)["complete"])
}

func TestHumanInputPromptSubstitution(t *testing.T) {
	node := humanInputNodeWith(t, New(), map[string]any{
		"required_fields": []string{"date"},
		"prompt":          "Which date works for {name}?",
	})

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"name": "Sam"})
	require.NoError(t, err)
	require.Equal(t, "Which date works for Sam?", out.(map[string]any)["prompt"])
}
