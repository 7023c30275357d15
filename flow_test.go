package flow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/hooks"
	"goa.design/flow/interrupt"
	"goa.design/flow/tools"
	"goa.design/flow/workflow"
	"goa.design/flow/workflow/nodes"
)

type eventCollector struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (c *eventCollector) HandleEvent(_ context.Context, event hooks.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) types() []hooks.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hooks.EventType, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Type()
	}
	return out
}

func (c *eventCollector) count(t hooks.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Type() == t {
			n++
		}
	}
	return n
}

func (c *eventCollector) first(t hooks.EventType) hooks.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, evt := range c.events {
		if evt.Type() == t {
			return evt
		}
	}
	return nil
}

func newTestRuntime(t *testing.T, opts ...RuntimeOption) (*Runtime, *eventCollector) {
	t.Helper()
	rt := New(opts...)
	col := &eventCollector{}
	_, err := rt.Bus().Register(col)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(time.Second) })
	return rt, col
}

func registerSpec(t *testing.T, rt *Runtime, spec *workflow.Spec) {
	t.Helper()
	w, err := rt.BuildWorkflow(spec)
	require.NoError(t, err)
	require.NoError(t, rt.RegisterWorkflow(w))
}

func greeterSpec(id string) *workflow.Spec {
	return &workflow.Spec{
		ID:   id,
		Name: "Greeter",
		Nodes: []*workflow.NodeSpec{
			{ID: "start", Kind: workflow.NodeStart},
			{ID: "greet", Kind: workflow.NodeTransform, Config: map[string]any{
				"transform_type": "TEMPLATE",
				"template":       "Hello {name}",
			}},
			{ID: "end", Kind: workflow.NodeEnd},
		},
		Edges: []*workflow.EdgeSpec{
			{ID: "e1", Source: "start", Target: "greet", Kind: workflow.EdgeDefault},
			{ID: "e2", Source: "greet", Target: "end", Kind: workflow.EdgeDefault},
		},
	}
}

func intakeSpec(id string) *workflow.Spec {
	return &workflow.Spec{
		ID:   id,
		Name: "Intake",
		Nodes: []*workflow.NodeSpec{
			{ID: "start", Kind: workflow.NodeStart},
			{ID: "ask", Kind: workflow.NodeHumanInput, Config: map[string]any{
				"required_fields": []string{"city"},
				"field_prompts":   map[string]string{"city": "Which city?"},
			}},
			{ID: "end", Kind: workflow.NodeEnd, Config: map[string]any{
				"output_key": "fields.city",
			}},
		},
		Edges: []*workflow.EdgeSpec{
			{ID: "e1", Source: "start", Target: "ask", Kind: workflow.EdgeDefault},
			{ID: "e2", Source: "ask", Target: "end", Kind: workflow.EdgeDefault},
		},
	}
}

func TestExecuteCompletesRegisteredWorkflow(t *testing.T) {
	rt, _ := newTestRuntime(t)
	registerSpec(t, rt, greeterSpec("greeter"))

	res, err := rt.Execute(context.Background(), "greeter", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, workflow.ExecCompleted, res.Status)
	require.Equal(t, "Hello Ada", res.Output)
	require.Equal(t, 3, res.Iterations)

	_, tracked := rt.ExecutionStatus(res.Context.ExecutionID())
	require.False(t, tracked, "terminal executions leave the engine")
	_, held := rt.Interrupts().Get(res.Context.ExecutionID())
	require.False(t, held, "terminal executions leave the interrupt hub")
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, err := rt.Execute(context.Background(), "missing", nil)
	require.Error(t, err)
	require.True(t, workflow.IsKind(err, workflow.KindWorkflowNotFound))
}

func TestExecutePublishesLifecycleEvents(t *testing.T) {
	rt, col := newTestRuntime(t)
	registerSpec(t, rt, greeterSpec("greeter"))

	res, err := rt.Execute(context.Background(), "greeter", map[string]any{"name": "Ada"})
	require.NoError(t, err)

	require.Equal(t, []hooks.EventType{
		hooks.WorkflowStarted,
		hooks.NodeStarted, hooks.NodeCompleted,
		hooks.NodeStarted, hooks.NodeCompleted,
		hooks.NodeStarted, hooks.NodeCompleted,
		hooks.WorkflowCompleted,
	}, col.types())

	started := col.first(hooks.WorkflowStarted).(*hooks.WorkflowStartedEvent)
	require.Equal(t, "greeter", started.WorkflowID())
	require.Equal(t, res.Context.ExecutionID(), started.ExecutionID())
	require.Equal(t, map[string]any{"name": "Ada"}, started.Input)

	completed := col.first(hooks.WorkflowCompleted).(*hooks.WorkflowCompletedEvent)
	require.Equal(t, hooks.StatusSuccess, completed.Status)
	require.Equal(t, "Hello Ada", completed.Output)
	require.NoError(t, completed.Error)
}

func TestExecuteStreamDeliversSteps(t *testing.T) {
	rt, _ := newTestRuntime(t)
	registerSpec(t, rt, greeterSpec("greeter"))

	s, err := rt.ExecuteStream(context.Background(), "greeter", map[string]any{"name": "Bo"})
	require.NoError(t, err)

	var visited []string
	for step := range s.Steps() {
		visited = append(visited, step.NodeID)
	}
	require.Equal(t, []string{"start", "greet", "end"}, visited)

	res, err := s.Result()
	require.NoError(t, err)
	require.Equal(t, workflow.ExecCompleted, res.Status)
	require.Equal(t, "Hello Bo", res.Output)
}

func TestSuspendResumeDeliversInput(t *testing.T) {
	rt, col := newTestRuntime(t)
	registerSpec(t, rt, intakeSpec("intake"))
	ctx := context.Background()

	res, err := rt.Execute(ctx, "intake", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecSuspended, res.Status)
	require.NotNil(t, res.Pending)
	require.Equal(t, "ask", res.Pending.NodeID)
	require.Equal(t, []string{"city"}, res.Pending.RequiredFields)
	require.Equal(t, []string{"city"}, res.Pending.MissingFields)

	execID := res.Context.ExecutionID()
	status, tracked := rt.ExecutionStatus(execID)
	require.True(t, tracked)
	require.Equal(t, workflow.ExecSuspended, status)

	requested := col.first(hooks.InputRequested)
	require.NotNil(t, requested)
	require.Equal(t, []string{"city"}, requested.(*hooks.InputRequestedEvent).Fields)

	final, err := rt.Resume(ctx, execID, map[string]any{"city": "Lyon"})
	require.NoError(t, err)
	require.Equal(t, workflow.ExecCompleted, final.Status)
	require.Equal(t, "Lyon", final.Output)

	require.Equal(t, 1, col.count(hooks.WorkflowResumed))
	require.Equal(t, 1, col.count(hooks.WorkflowStarted), "resume does not restart the lifecycle")

	_, held := rt.Interrupts().Get(execID)
	require.False(t, held)
}

func TestProvideInputThenResume(t *testing.T) {
	rt, col := newTestRuntime(t)
	registerSpec(t, rt, intakeSpec("intake"))
	ctx := context.Background()

	res, err := rt.Execute(ctx, "intake", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecSuspended, res.Status)
	execID := res.Context.ExecutionID()

	require.NoError(t, rt.ProvideInput(ctx, execID, map[string]any{"city": "Nice"}))
	provided := col.first(hooks.InputProvided)
	require.NotNil(t, provided)
	require.Equal(t, "ask", provided.(*hooks.InputProvidedEvent).NodeID)

	final, err := rt.Resume(ctx, execID, nil)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecCompleted, final.Status)
	require.Equal(t, "Nice", final.Output)
}

func TestCancelSuspendedExecution(t *testing.T) {
	rt, col := newTestRuntime(t)
	registerSpec(t, rt, intakeSpec("intake"))
	ctx := context.Background()

	res, err := rt.Execute(ctx, "intake", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecSuspended, res.Status)
	execID := res.Context.ExecutionID()

	require.NoError(t, rt.Cancel(ctx, execID, "operator abort"))

	_, tracked := rt.ExecutionStatus(execID)
	require.False(t, tracked)
	_, held := rt.Interrupts().Get(execID)
	require.False(t, held)

	completed := col.first(hooks.WorkflowCompleted)
	require.NotNil(t, completed)
	require.Equal(t, hooks.StatusCanceled, completed.(*hooks.WorkflowCompletedEvent).Status)
}

func TestPauseFromNodeAndResume(t *testing.T) {
	rt, col := newTestRuntime(t)
	ctx := context.Background()

	err := rt.Factory().Register(nodes.Registration{
		Kind:    workflow.NodeCustom,
		Subtype: "pause_probe",
		Build: func(spec *workflow.NodeSpec) (workflow.Node, error) {
			return workflow.NewFuncNode(spec.ID, workflow.NodeCustom, func(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
				require.NoError(t, rt.Pause(ctx, wctx.ExecutionID(), "maintenance"))
				ctrl, ok := interrupt.FromContext(wctx)
				require.True(t, ok, "executions carry their interrupt controller")
				req, ok := ctrl.PollPause()
				require.True(t, ok)
				require.Equal(t, "maintenance", req.Reason)
				return input, nil
			}), nil
		},
	})
	require.NoError(t, err)

	registerSpec(t, rt, &workflow.Spec{
		ID:   "pausable",
		Name: "Pausable",
		Nodes: []*workflow.NodeSpec{
			{ID: "start", Kind: workflow.NodeStart},
			{ID: "probe", Kind: workflow.NodeCustom, Subtype: "pause_probe"},
			{ID: "end", Kind: workflow.NodeEnd},
		},
		Edges: []*workflow.EdgeSpec{
			{ID: "e1", Source: "start", Target: "probe", Kind: workflow.EdgeDefault},
			{ID: "e2", Source: "probe", Target: "end", Kind: workflow.EdgeDefault},
		},
	})

	res, err := rt.Execute(ctx, "pausable", map[string]any{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, workflow.ExecPaused, res.Status)
	require.Equal(t, 1, col.count(hooks.WorkflowPaused))

	final, err := rt.Resume(ctx, res.Context.ExecutionID(), nil)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecCompleted, final.Status)
	require.Equal(t, 1, col.count(hooks.WorkflowResumed))
	require.Equal(t, 1, col.count(hooks.WorkflowCompleted))
}

func TestSubworkflowExecutesThroughRuntime(t *testing.T) {
	rt, col := newTestRuntime(t)
	registerSpec(t, rt, &workflow.Spec{
		ID:   "child",
		Name: "Child",
		Nodes: []*workflow.NodeSpec{
			{ID: "start", Kind: workflow.NodeStart},
			{ID: "ack", Kind: workflow.NodeTransform, Config: map[string]any{
				"transform_type": "TEMPLATE",
				"template":       "ack {item}",
			}},
			{ID: "end", Kind: workflow.NodeEnd},
		},
		Edges: []*workflow.EdgeSpec{
			{ID: "e1", Source: "start", Target: "ack", Kind: workflow.EdgeDefault},
			{ID: "e2", Source: "ack", Target: "end", Kind: workflow.EdgeDefault},
		},
	})
	registerSpec(t, rt, &workflow.Spec{
		ID:   "parent",
		Name: "Parent",
		Nodes: []*workflow.NodeSpec{
			{ID: "start", Kind: workflow.NodeStart},
			{ID: "delegate", Kind: workflow.NodeSubworkflow, Config: map[string]any{
				"workflow_id": "child",
			}},
			{ID: "end", Kind: workflow.NodeEnd},
		},
		Edges: []*workflow.EdgeSpec{
			{ID: "e1", Source: "start", Target: "delegate", Kind: workflow.EdgeDefault},
			{ID: "e2", Source: "delegate", Target: "end", Kind: workflow.EdgeDefault},
		},
	})

	res, err := rt.Execute(context.Background(), "parent", map[string]any{"item": "order-7"})
	require.NoError(t, err)
	require.Equal(t, workflow.ExecCompleted, res.Status)
	require.Equal(t, "ack order-7", res.Output)

	require.Equal(t, 2, col.count(hooks.WorkflowStarted), "parent and child both publish")
	require.Equal(t, 2, col.count(hooks.WorkflowCompleted))
}

func TestSubworkflowFailureFailsParent(t *testing.T) {
	rt, _ := newTestRuntime(t)
	registerSpec(t, rt, &workflow.Spec{
		ID:   "parent",
		Name: "Parent",
		Nodes: []*workflow.NodeSpec{
			{ID: "start", Kind: workflow.NodeStart},
			{ID: "delegate", Kind: workflow.NodeSubworkflow, Config: map[string]any{
				"workflow_id": "no_such_child",
			}},
			{ID: "end", Kind: workflow.NodeEnd},
		},
		Edges: []*workflow.EdgeSpec{
			{ID: "e1", Source: "start", Target: "delegate", Kind: workflow.EdgeDefault},
			{ID: "e2", Source: "delegate", Target: "end", Kind: workflow.EdgeDefault},
		},
	})

	res, err := rt.Execute(context.Background(), "parent", nil)
	require.Error(t, err)
	require.Equal(t, workflow.ExecFailed, res.Status)
	require.Contains(t, err.Error(), "no_such_child")
}

func TestRegistrationValidation(t *testing.T) {
	rt, _ := newTestRuntime(t)

	require.ErrorIs(t, rt.RegisterWorkflow(nil), ErrInvalidConfig)
	require.ErrorIs(t, rt.RegisterAgent("", nil), ErrInvalidConfig)
	require.ErrorIs(t, rt.RegisterAgent("triage", nil), ErrInvalidConfig)
	require.ErrorIs(t, rt.RegisterPrompt("", "text"), ErrInvalidConfig)
	require.ErrorIs(t, rt.RegisterPrompt("greeting", ""), ErrInvalidConfig)
	require.ErrorIs(t, rt.RegisterModel("fast", nodes.ModelConfig{}), ErrInvalidConfig)
	require.ErrorIs(t, rt.RegisterTool(nil), ErrInvalidConfig)
	require.ErrorIs(t, rt.RegisterTool(&tools.Spec{}), ErrInvalidConfig)
}

type promptMapResolver map[string]string

func (m promptMapResolver) Prompt(_ context.Context, id string) (string, error) {
	if text, ok := m[id]; ok {
		return text, nil
	}
	return "", fmt.Errorf("unknown prompt %q", id)
}

func TestPromptResolutionPrecedence(t *testing.T) {
	fallback := promptMapResolver{"greeting": "fallback body", "closing": "Thanks for calling."}
	rt, _ := newTestRuntime(t, WithPromptResolver(fallback))
	require.NoError(t, rt.RegisterPrompt("greeting", "Hi, how can I help?"))
	ctx := context.Background()

	text, err := rt.Prompt(ctx, "greeting")
	require.NoError(t, err)
	require.Equal(t, "Hi, how can I help?", text, "local registration wins")

	text, err = rt.Prompt(ctx, "closing")
	require.NoError(t, err)
	require.Equal(t, "Thanks for calling.", text, "unknown ids fall back to the resolver")

	_, err = rt.Prompt(ctx, "absent")
	require.Error(t, err)
}

type toolSourceStub struct{ spec *tools.Spec }

func (s *toolSourceStub) ResolveTool(context.Context, string, string) (*tools.Spec, error) {
	return s.spec, nil
}

func TestResolveToolPrecedence(t *testing.T) {
	remote := &tools.Spec{ID: "remote", Version: "1.0.0", ToolName: "remote_lookup", ToolType: tools.TypeFunction}
	rt, _ := newTestRuntime(t, WithToolResolver(&toolSourceStub{spec: remote}))
	local := &tools.Spec{ID: "local", Version: "1.0.0", ToolName: "lookup_account", ToolType: tools.TypeFunction}
	require.NoError(t, rt.RegisterTool(local))
	ctx := context.Background()

	spec, err := rt.ResolveTool(ctx, "local", "")
	require.NoError(t, err)
	require.Same(t, local, spec)

	spec, err = rt.ResolveTool(ctx, "", "lookup_account")
	require.NoError(t, err)
	require.Same(t, local, spec)

	spec, err = rt.ResolveTool(ctx, "", "anything_else")
	require.NoError(t, err)
	require.Same(t, remote, spec, "unresolved references delegate to the configured source")
}

func TestResolveToolWithoutSources(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, err := rt.ResolveTool(context.Background(), "", "ghost")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}
