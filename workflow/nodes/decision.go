package nodes

import (
	"context"

	"goa.design/flow/workflow"
)

type (
	// decisionRule pairs a condition with the decision it yields. Rules
	// may carry a single condition or a nested group; a rule with neither
	// always passes.
	decisionRule struct {
		Condition  *workflow.Condition      `json:"condition"`
		Conditions *workflow.ConditionGroup `json:"conditions"`
		Result     string                   `json:"result"`
	}

	decisionConfig struct {
		Conditions      []decisionRule `json:"conditions"`
		Rules           []decisionRule `json:"rules"`
		Default         string         `json:"default"`
		DefaultDecision string         `json:"default_decision"`
	}

	// decisionNode evaluates its rules in order against the current
	// payload and context; the first passing rule names the decision.
	// Routers match the decision against edge conditions.
	decisionNode struct {
		id        string
		rules     []decisionRule
		defaultTo string
		eval      *workflow.Evaluator
	}
)

func newDecision(ns *workflow.NodeSpec, eval *workflow.Evaluator) (workflow.Node, error) {
	var cfg decisionConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	rules := cfg.Conditions
	if len(rules) == 0 {
		rules = cfg.Rules
	}
	def := cfg.Default
	if def == "" {
		def = cfg.DefaultDecision
	}
	for i, rule := range rules {
		if rule.Result == "" {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q rule %d has no result", ns.ID, i)
		}
	}
	return &decisionNode{id: ns.ID, rules: rules, defaultTo: def, eval: eval}, nil
}

func (n *decisionNode) ID() string              { return n.id }
func (n *decisionNode) Kind() workflow.NodeKind { return workflow.NodeDecision }

func (n *decisionNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	env := workflow.EnvFor(wctx, input)
	decision := n.defaultTo
	for i, rule := range n.rules {
		pass, err := n.evalRule(rule, env)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindConditionEvaluation, err,
				"node %q rule %d", n.id, i)
		}
		if pass {
			decision = rule.Result
			break
		}
	}
	return map[string]any{
		"decision": decision,
		"input":    input,
	}, nil
}

func (n *decisionNode) evalRule(rule decisionRule, env workflow.PathEnv) (bool, error) {
	switch {
	case rule.Conditions != nil:
		return n.eval.EvalGroup(rule.Conditions, env)
	case rule.Condition != nil:
		return n.eval.EvalCondition(rule.Condition, env)
	default:
		return true, nil
	}
}
