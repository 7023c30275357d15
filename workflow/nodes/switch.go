package nodes

import (
	"context"
	"strings"

	"goa.design/flow/workflow"
)

type (
	// switchCase matches a value against a target node. Value and Case are
	// aliases; Values matches any of several.
	switchCase struct {
		Name   string `json:"name"`
		Case   any    `json:"case"`
		Value  any    `json:"value"`
		Values []any  `json:"values"`
		Target string `json:"target"`
	}

	switchConfig struct {
		SwitchField   string       `json:"switch_field"`
		Field         string       `json:"field"`
		Cases         []switchCase `json:"cases"`
		Default       string       `json:"default"`
		DefaultTarget string       `json:"default_target"`
		CaseSensitive *bool        `json:"case_sensitive"`
	}

	// switchNode looks up the configured field in the payload and matches
	// it against its cases. The winning target is exposed through both the
	// output and context so routers lacking a matching conditional edge
	// can still follow switch_target.
	switchNode struct {
		id            string
		field         string
		cases         []switchCase
		defaultTarget string
		caseSensitive bool
	}
)

func newSwitch(ns *workflow.NodeSpec) (workflow.Node, error) {
	var cfg switchConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	field := cfg.SwitchField
	if field == "" {
		field = cfg.Field
	}
	def := cfg.Default
	if def == "" {
		def = cfg.DefaultTarget
	}
	sensitive := true
	if cfg.CaseSensitive != nil {
		sensitive = *cfg.CaseSensitive
	}
	for i, c := range cfg.Cases {
		if c.Target == "" {
			return nil, workflow.NewError(workflow.KindNodeValidation,
				"node %q case %d has no target", ns.ID, i)
		}
	}
	return &switchNode{
		id:            ns.ID,
		field:         field,
		cases:         cfg.Cases,
		defaultTarget: def,
		caseSensitive: sensitive,
	}, nil
}

func (n *switchNode) ID() string              { return n.id }
func (n *switchNode) Kind() workflow.NodeKind { return workflow.NodeSwitch }

func (n *switchNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	value := n.switchValue(input)
	target := n.defaultTarget
	caseName := ""
	for _, c := range n.cases {
		if n.matches(c, value) {
			target = c.Target
			caseName = c.Name
			break
		}
	}
	wctx.Set("switch_target", target)
	wctx.Set("switch_value", value)
	wctx.Set("switch_case", caseName)
	return map[string]any{
		"switch_target": target,
		"switch_value":  value,
		"switch_case":   caseName,
		"input":         input,
	}, nil
}

func (n *switchNode) switchValue(input any) any {
	m, ok := asMap(input)
	if !ok {
		return input
	}
	if n.field != "" {
		if v, found := lookupPath(m, n.field); found {
			return v
		}
		return nil
	}
	if v, found := m["value"]; found {
		return v
	}
	return input
}

func (n *switchNode) matches(c switchCase, value any) bool {
	candidates := c.Values
	if len(candidates) == 0 {
		if c.Case != nil {
			candidates = []any{c.Case}
		} else if c.Value != nil {
			candidates = []any{c.Value}
		}
	}
	for _, cand := range candidates {
		if n.valueEqual(cand, value) {
			return true
		}
	}
	return false
}

func (n *switchNode) valueEqual(a, b any) bool {
	if !n.caseSensitive {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return strings.EqualFold(as, bs)
		}
	}
	return looseValueEqual(a, b)
}
