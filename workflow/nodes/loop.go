package nodes

import (
	"context"

	"goa.design/flow/workflow"
)

// DefaultLoopIterations bounds loop nodes whose config names no
// max_iterations.
const DefaultLoopIterations = 10

type (
	loopConfig struct {
		IterationVar   string                   `json:"iteration_var"`
		AccumulatorVar string                   `json:"accumulator_var"`
		MaxIterations  int                      `json:"max_iterations"`
		ExitCondition  *workflow.Condition      `json:"exit_condition"`
		ExitConditions *workflow.ConditionGroup `json:"exit_conditions"`
		ExitField      string                   `json:"exit_field"`
		ExitValue      any                      `json:"exit_value"`
		LoopBackTo     string                   `json:"loop_back_to"`
		LoopTarget     string                   `json:"loop_target"`
		ExitTo         string                   `json:"exit_to"`
	}

	// loopNode sits after the loop body and decides each pass whether to
	// send execution back. It counts entries in iteration_var, optionally
	// accumulates the per-pass payloads, and emits the continue_loop
	// directive the engine and loopBack edges route on.
	loopNode struct {
		id   string
		cfg  loopConfig
		eval *workflow.Evaluator
	}
)

func newLoop(ns *workflow.NodeSpec, eval *workflow.Evaluator) (workflow.Node, error) {
	var cfg loopConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.IterationVar == "" {
		cfg.IterationVar = "loop_iteration"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultLoopIterations
	}
	if cfg.LoopBackTo == "" {
		cfg.LoopBackTo = cfg.LoopTarget
	}
	return &loopNode{id: ns.ID, cfg: cfg, eval: eval}, nil
}

func (n *loopNode) ID() string              { return n.id }
func (n *loopNode) Kind() workflow.NodeKind { return workflow.NodeLoop }

func (n *loopNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	iter := 1
	if prev, ok := wctx.Get(n.cfg.IterationVar); ok {
		if p, valid := toInt(prev); valid {
			iter = p + 1
		}
	}
	wctx.Set(n.cfg.IterationVar, iter)

	var accumulated []any
	if n.cfg.AccumulatorVar != "" {
		if prev, ok := wctx.Get(n.cfg.AccumulatorVar); ok {
			if slice, valid := prev.([]any); valid {
				accumulated = slice
			}
		}
		accumulated = append(accumulated, input)
		wctx.Set(n.cfg.AccumulatorVar, accumulated)
	}

	exit, err := n.shouldExit(wctx, input, iter)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindConditionEvaluation, err,
			"node %q exit condition", n.id)
	}

	out := map[string]any{
		"continue_loop": !exit,
		"iteration":     iter,
		"data":          input,
	}
	if n.cfg.AccumulatorVar != "" {
		out["accumulated"] = accumulated
	}
	if !exit && n.cfg.LoopBackTo != "" {
		out["loop_back_to"] = n.cfg.LoopBackTo
	}
	if exit && n.cfg.ExitTo != "" {
		out["exit_to"] = n.cfg.ExitTo
	}
	return out, nil
}

func (n *loopNode) shouldExit(wctx *workflow.Context, input any, iter int) (bool, error) {
	if iter >= n.cfg.MaxIterations {
		return true, nil
	}
	if n.cfg.ExitConditions != nil || n.cfg.ExitCondition != nil {
		env := workflow.EnvFor(wctx, input)
		if n.cfg.ExitConditions != nil {
			return n.eval.EvalGroup(n.cfg.ExitConditions, env)
		}
		return n.eval.EvalCondition(n.cfg.ExitCondition, env)
	}
	if n.cfg.ExitField != "" {
		if m, ok := asMap(input); ok {
			if v, found := lookupPath(m, n.cfg.ExitField); found {
				return looseValueEqual(v, n.cfg.ExitValue), nil
			}
		}
	}
	return false, nil
}
