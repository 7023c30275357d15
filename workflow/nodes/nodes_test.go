package nodes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/model"
	"goa.design/flow/tools"
	"goa.design/flow/workflow"
)

type (
	agentCall struct {
		input any
		meta  map[string]any
	}

	fakeAgent struct {
		mu     sync.Mutex
		calls  []agentCall
		result map[string]any
		err    error
		runs   chan agentCall
	}

	fakeAgentResolver struct {
		agents map[string]Agent
		err    error
	}

	fakeModelClient struct {
		mu       sync.Mutex
		requests []model.Request
		response model.Response
		err      error
	}

	fakeToolResolver struct {
		spec *tools.Spec
		err  error
	}

	fakePromptResolver struct {
		prompts map[string]string
	}

	fakeModelResolver struct {
		cfg *ModelConfig
		err error
	}

	fakeRunner struct {
		output   any
		err      error
		gotID    string
		gotInput any
		child    *workflow.Context
	}
)

func (a *fakeAgent) Run(ctx context.Context, input any, meta map[string]any) (map[string]any, error) {
	a.mu.Lock()
	a.calls = append(a.calls, agentCall{input: input, meta: meta})
	a.mu.Unlock()
	if a.runs != nil {
		a.runs <- agentCall{input: input, meta: meta}
	}
	return a.result, a.err
}

func (a *fakeAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (r *fakeAgentResolver) Agent(ctx context.Context, id string) (Agent, error) {
	if r.err != nil {
		return nil, r.err
	}
	a, ok := r.agents[id]
	if !ok {
		return nil, errors.New("unknown agent " + id)
	}
	return a, nil
}

func (c *fakeModelClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.err != nil {
		return model.Response{}, c.err
	}
	return c.response, nil
}

func (c *fakeModelClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *fakeModelClient) lastRequest(t *testing.T) model.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.requests, "expected at least one completion request")
	return c.requests[len(c.requests)-1]
}

func textResponse(s string) model.Response {
	return model.Response{Content: []model.Message{{Role: model.RoleAssistant, Content: s}}}
}

func (r *fakeToolResolver) ResolveTool(ctx context.Context, id, name string) (*tools.Spec, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.spec, nil
}

func (r *fakePromptResolver) Prompt(ctx context.Context, id string) (string, error) {
	p, ok := r.prompts[id]
	if !ok {
		return "", errors.New("unknown prompt " + id)
	}
	return p, nil
}

func (r *fakeModelResolver) Model(ctx context.Context, id string) (*ModelConfig, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.cfg, nil
}

func (r *fakeRunner) RunWorkflow(ctx context.Context, workflowID string, input any, child *workflow.Context) (any, error) {
	r.gotID = workflowID
	r.gotInput = input
	r.child = child
	return r.output, r.err
}

func buildNode(t *testing.T, f *Factory, ns *workflow.NodeSpec) workflow.Node {
	t.Helper()
	node, err := f.Build(ns)
	require.NoError(t, err)
	return node
}

func TestFactoryBuildsBuiltinKinds(t *testing.T) {
	f := New()
	specs := []*workflow.NodeSpec{
		{ID: "s", Kind: workflow.NodeStart},
		{ID: "e", Kind: workflow.NodeEnd},
		{ID: "d", Kind: workflow.NodeDecision, Config: map[string]any{"default": "x"}},
		{ID: "sw", Kind: workflow.NodeSwitch, Config: map[string]any{"switch_field": "v", "default": "n"}},
		{ID: "l", Kind: workflow.NodeLoop},
		{ID: "t", Kind: workflow.NodeTransform, Config: map[string]any{"transform_type": "FORMAT"}},
		{ID: "dl", Kind: workflow.NodeDelay},
	}
	for _, ns := range specs {
		node, err := f.Build(ns)
		require.NoError(t, err, "kind %s", ns.Kind)
		require.Equal(t, ns.ID, node.ID())
		require.Equal(t, ns.Kind, node.Kind())
	}
}

func TestFactoryRejectsInvalidSpecs(t *testing.T) {
	f := New()

	_, err := f.Build(nil)
	require.Error(t, err)

	_, err = f.Build(&workflow.NodeSpec{Kind: workflow.NodeStart})
	require.Error(t, err, "missing id")

	_, err = f.Build(&workflow.NodeSpec{ID: "x", Kind: workflow.NodeKind("alien")})
	require.Error(t, err)
	require.True(t, workflow.IsKind(err, workflow.KindNodeValidation))
}

func TestRegisterSubtypeWithDefaults(t *testing.T) {
	f := New()
	var gotConfig map[string]any
	err := f.Register(Registration{
		Kind:        workflow.NodeCustom,
		Subtype:     "sentiment",
		DisplayName: "Sentiment",
		Defaults:    map[string]any{"threshold": 0.5, "lang": "en"},
		Build: func(spec *workflow.NodeSpec) (workflow.Node, error) {
			gotConfig = spec.Config
			return workflow.NewFuncNode(spec.ID, workflow.NodeCustom, func(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
				return input, nil
			}), nil
		},
	})
	require.NoError(t, err)

	ns := &workflow.NodeSpec{
		ID:      "c1",
		Kind:    workflow.NodeCustom,
		Subtype: "sentiment",
		Config:  map[string]any{"lang": "fr"},
	}
	node := buildNode(t, f, ns)
	require.Equal(t, "c1", node.ID())
	require.Equal(t, 0.5, gotConfig["threshold"], "registration default applies")
	require.Equal(t, "fr", gotConfig["lang"], "spec config wins over defaults")
	require.Equal(t, "Sentiment", f.DisplayName(workflow.NodeCustom, "sentiment"))
}

func TestCustomKindWithoutRegistrationFails(t *testing.T) {
	f := New()
	_, err := f.Build(&workflow.NodeSpec{ID: "c1", Kind: workflow.NodeCustom, Subtype: "nope"})
	require.Error(t, err)
}

func TestRegisterShadowsBuiltinKind(t *testing.T) {
	f := New()
	require.NoError(t, f.RegisterKind(workflow.NodeDelay, func(spec *workflow.NodeSpec) (workflow.Node, error) {
		return workflow.NewFuncNode(spec.ID, workflow.NodeDelay, func(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
			return "shadowed", nil
		}), nil
	}))

	node := buildNode(t, f, &workflow.NodeSpec{ID: "d", Kind: workflow.NodeDelay})
	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), nil)
	require.NoError(t, err)
	require.Equal(t, "shadowed", out)
}

func TestRegisterRequiresBuildAndSubtype(t *testing.T) {
	f := New()
	require.Error(t, f.Register(Registration{Kind: workflow.NodeCustom, Subtype: "x"}))
	require.Error(t, f.Register(Registration{Kind: workflow.NodeCustom, Build: func(*workflow.NodeSpec) (workflow.Node, error) { return nil, nil }}))
}

func TestKindsIncludesRegistered(t *testing.T) {
	f := New()
	require.NoError(t, f.RegisterKind(workflow.NodeKind("annotate"), func(spec *workflow.NodeSpec) (workflow.Node, error) {
		return workflow.NewFuncNode(spec.ID, "annotate", func(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
			return input, nil
		}), nil
	}))
	kinds := f.Kinds()
	require.Contains(t, kinds, workflow.NodeStart)
	require.Contains(t, kinds, workflow.NodeHumanInput)
	require.Contains(t, kinds, workflow.NodeKind("annotate"))
}

func TestDynamicVariablesRequireRuntime(t *testing.T) {
	f := New()
	ns := &workflow.NodeSpec{
		ID:   "d",
		Kind: workflow.NodeDelay,
		DynamicVariables: []*tools.VariableAssignment{
			{VariableName: "v", SourceField: "x"},
		},
	}
	_, err := f.Build(ns)
	require.Error(t, err)
}

func TestDynamicVariablesApplied(t *testing.T) {
	f := New(WithToolRuntime(tools.NewRuntime()))
	require.NoError(t, f.RegisterKind(workflow.NodeKind("emit"), func(spec *workflow.NodeSpec) (workflow.Node, error) {
		return workflow.NewFuncNode(spec.ID, "emit", func(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
			return map[string]any{"order": map[string]any{"id": "o-7"}}, nil
		}), nil
	}))

	ns := &workflow.NodeSpec{
		ID:   "n1",
		Kind: workflow.NodeKind("emit"),
		DynamicVariables: []*tools.VariableAssignment{
			{VariableName: "order_id", SourceField: "order.id", Operator: tools.VarSet},
		},
	}
	node := buildNode(t, f, ns)
	wctx := workflow.NewContext("wf")
	_, err := node.Execute(context.Background(), wctx, nil)
	require.NoError(t, err)

	v, ok := wctx.Get("order_id")
	require.True(t, ok)
	require.Equal(t, "o-7", v)
}

func TestBackgroundAgentsRequireResolver(t *testing.T) {
	f := New()
	ns := &workflow.NodeSpec{ID: "d", Kind: workflow.NodeDelay, BackgroundAgents: []string{"audit"}}
	_, err := f.Build(ns)
	require.Error(t, err)
}

func TestBackgroundAgentsNotified(t *testing.T) {
	agent := &fakeAgent{runs: make(chan agentCall, 1)}
	f := New(WithAgentResolver(&fakeAgentResolver{agents: map[string]Agent{"audit": agent}}))

	ns := &workflow.NodeSpec{ID: "d", Kind: workflow.NodeDelay, BackgroundAgents: []string{"audit"}}
	node := buildNode(t, f, ns)

	wctx := workflow.NewContext("wf")
	out, err := node.Execute(context.Background(), wctx, map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": 1}, out, "notification does not alter the output")

	select {
	case call := <-agent.runs:
		require.Equal(t, true, call.meta["background"])
		require.Equal(t, "wf", call.meta["workflow_id"])
		require.Equal(t, "d", call.meta["node_id"])
	case <-time.After(time.Second):
		t.Fatal("background agent was not notified")
	}
}

func TestBackgroundAgentFailureDoesNotFailNode(t *testing.T) {
	agent := &fakeAgent{runs: make(chan agentCall, 1), err: errors.New("agent down")}
	f := New(WithAgentResolver(&fakeAgentResolver{agents: map[string]Agent{"audit": agent}}))

	ns := &workflow.NodeSpec{ID: "d", Kind: workflow.NodeDelay, BackgroundAgents: []string{"audit"}}
	node := buildNode(t, f, ns)

	_, err := node.Execute(context.Background(), workflow.NewContext("wf"), "payload")
	require.NoError(t, err)

	select {
	case <-agent.runs:
	case <-time.After(time.Second):
		t.Fatal("background agent was not notified")
	}
}

func TestDisplayNameFallsBackToKind(t *testing.T) {
	f := New()
	require.Equal(t, "Human Input", f.DisplayName(workflow.NodeHumanInput, ""))
	require.Equal(t, "mystery", f.DisplayName(workflow.NodeKind("mystery"), ""))
	require.Equal(t, "scorer", f.DisplayName(workflow.NodeCustom, "scorer"))
}
