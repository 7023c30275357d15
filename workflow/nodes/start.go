package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/flow/workflow"
)

// Context keys written by start nodes.
const (
	// OriginalInputKey preserves the workflow's initial input so any node
	// can reach it after intermediate nodes rewrite the payload.
	OriginalInputKey = "_original_input"
	// ValidationErrorsKey records input validation problems. Start nodes
	// record and continue; error edges or downstream nodes decide what a
	// problem means.
	ValidationErrorsKey = "_validation_errors"
)

type (
	startConfig struct {
		DefaultValues map[string]any `json:"default_values"`
		Defaults      map[string]any `json:"defaults"`
	}

	// startNode normalizes the workflow input: it stashes the original,
	// fills defaults into map inputs and validates against the declared
	// input schema, recording problems without failing the run.
	startNode struct {
		id       string
		defaults map[string]any
		required []string
		schema   *jsonschema.Schema
	}
)

func newStart(ns *workflow.NodeSpec) (workflow.Node, error) {
	var cfg startConfig
	if err := decodeConfig(ns.ID, ns.Config, &cfg); err != nil {
		return nil, err
	}
	defaults := cfg.DefaultValues
	if defaults == nil {
		defaults = cfg.Defaults
	}
	n := &startNode{id: ns.ID, defaults: defaults}
	if ns.Input != nil {
		n.required = ns.Input.Required
		if len(ns.Input.Schema) > 0 {
			schema, err := compileSchema(ns.Input.Schema)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNodeValidation, err,
					"node %q input schema", ns.ID)
			}
			n.schema = schema
		}
	}
	return n, nil
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", any(doc)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func (n *startNode) ID() string              { return n.id }
func (n *startNode) Kind() workflow.NodeKind { return workflow.NodeStart }

func (n *startNode) Execute(ctx context.Context, wctx *workflow.Context, input any) (any, error) {
	wctx.Set(OriginalInputKey, input)
	if input == nil && len(n.defaults) > 0 {
		input = map[string]any{}
	}
	if m, ok := asMap(input); ok && len(n.defaults) > 0 {
		merged := make(map[string]any, len(m)+len(n.defaults))
		for k, v := range n.defaults {
			merged[k] = v
		}
		for k, v := range m {
			merged[k] = v
		}
		input = merged
	}
	if problems := n.validate(input); len(problems) > 0 {
		wctx.Set(ValidationErrorsKey, problems)
	}
	return input, nil
}

func (n *startNode) validate(input any) []string {
	var problems []string
	if len(n.required) > 0 {
		m, ok := asMap(input)
		if !ok {
			problems = append(problems, "input is not an object")
		} else {
			for _, field := range n.required {
				if _, present := m[field]; !present {
					problems = append(problems, fmt.Sprintf("missing required field %q", field))
				}
			}
		}
	}
	if n.schema != nil {
		if err := n.schema.Validate(jsonValue(input)); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

// jsonValue round-trips v through JSON so schema validation sees the plain
// decoded types it expects even when callers pass typed structs.
func jsonValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
