// Package transform implements the data transforms applied by Transform
// nodes: declarative reshaping (MAP, FILTER, EXTRACT, TEMPLATE, MERGE, SPLIT,
// FORMAT) and query-language transforms (JMESPATH, JSONPATH, JQ, EXPR).
// Compiled queries are cached per Transformer.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
	"github.com/jmespath/go-jmespath"
	"github.com/tidwall/gjson"

	"goa.design/flow/workflow"
)

// Kind selects the transform applied to the payload.
type Kind string

const (
	// KindMap builds an object from {targetField: sourcePath} pairs
	// resolved against the input and context.
	KindMap Kind = "MAP"
	// KindFilter keeps list items passing the condition, with the item
	// bound as $input.
	KindFilter Kind = "FILTER"
	// KindExtract projects dotted fields out of the input object.
	KindExtract Kind = "EXTRACT"
	// KindTemplate substitutes {field} and {ctx.var} braces in a string.
	KindTemplate Kind = "TEMPLATE"
	// KindMerge shallow-merges the input object with resolved sources.
	KindMerge Kind = "MERGE"
	// KindSplit splits a string by delimiter or an object into key/value
	// pairs.
	KindSplit Kind = "SPLIT"
	// KindFormat renders the input as json, pretty json, or a plain
	// string.
	KindFormat Kind = "FORMAT"
	// KindJMESPath evaluates a JMESPath expression over the input.
	KindJMESPath Kind = "JMESPATH"
	// KindJSONPath evaluates a gjson path over the input.
	KindJSONPath Kind = "JSONPATH"
	// KindJQ runs a jq program over the input.
	KindJQ Kind = "JQ"
	// KindExpr evaluates an expression over {input, ctx, node, workflow}.
	KindExpr Kind = "EXPR"
)

type (
	// Spec describes one transform. Only the fields for the chosen Kind
	// are read.
	Spec struct {
		Kind Kind `json:"transform_type"`
		// Mapping is targetField to source path for MAP. Paths use the
		// $input/$ctx/$node language; non-$ strings are literals.
		Mapping map[string]string `json:"mapping,omitempty"`
		// Fields lists dotted projections for EXTRACT.
		Fields []string `json:"fields,omitempty"`
		// Condition is the per-item predicate for FILTER.
		Condition *workflow.Condition `json:"condition,omitempty"`
		// Template is the brace-substituted string for TEMPLATE.
		Template string `json:"template,omitempty"`
		// Sources are paths merged over the input for MERGE, in order.
		Sources []string `json:"sources,omitempty"`
		// Delimiter splits strings for SPLIT. Empty splits whitespace.
		Delimiter string `json:"delimiter,omitempty"`
		// Format is json, pretty or string for FORMAT.
		Format string `json:"format,omitempty"`
		// Expression holds the JMESPATH/JSONPATH/JQ/EXPR program.
		Expression string `json:"expression,omitempty"`
	}

	// Transformer applies transform specs. Safe for concurrent use.
	Transformer struct {
		eval *workflow.Evaluator

		mu   sync.Mutex
		jq   map[string]*gojq.Query
		jmes map[string]*jmespath.JMESPath
		expr map[string]*vm.Program
	}
)

// New builds a Transformer sharing the evaluator's condition functions. A nil
// evaluator gets a fresh one.
func New(eval *workflow.Evaluator) *Transformer {
	if eval == nil {
		eval = workflow.NewEvaluator()
	}
	return &Transformer{
		eval: eval,
		jq:   make(map[string]*gojq.Query),
		jmes: make(map[string]*jmespath.JMESPath),
		expr: make(map[string]*vm.Program),
	}
}

// Apply runs the transform over input in the context of wctx. Inputs are
// JSON-shaped values; query transforms treat the input as the document root.
func (t *Transformer) Apply(ctx context.Context, spec *Spec, input any, wctx *workflow.Context) (any, error) {
	if spec == nil {
		return nil, workflow.NewError(workflow.KindTransform, "transform spec is nil")
	}
	switch spec.Kind {
	case KindMap:
		return t.applyMap(spec, input, wctx)
	case KindFilter:
		return t.applyFilter(spec, input, wctx)
	case KindExtract:
		return applyExtract(spec, input)
	case KindTemplate:
		return Substitute(spec.Template, input, wctx), nil
	case KindMerge:
		return applyMerge(spec, input, wctx)
	case KindSplit:
		return applySplit(spec, input)
	case KindFormat:
		return applyFormat(spec, input)
	case KindJMESPath:
		return t.applyJMESPath(spec, input)
	case KindJSONPath:
		return applyJSONPath(spec, input)
	case KindJQ:
		return t.applyJQ(ctx, spec, input)
	case KindExpr:
		return t.applyExpr(spec, input, wctx)
	default:
		return nil, workflow.NewError(workflow.KindTransform, "unknown transform kind %q", spec.Kind)
	}
}

func (t *Transformer) applyMap(spec *Spec, input any, wctx *workflow.Context) (any, error) {
	if len(spec.Mapping) == 0 {
		return nil, workflow.NewError(workflow.KindTransform, "map transform has no mapping")
	}
	env := workflow.EnvFor(wctx, input)
	out := make(map[string]any, len(spec.Mapping))
	for target, source := range spec.Mapping {
		if v, ok := workflow.ResolvePath(source, env); ok {
			out[target] = v
		}
	}
	return out, nil
}

func (t *Transformer) applyFilter(spec *Spec, input any, wctx *workflow.Context) (any, error) {
	if spec.Condition == nil {
		return nil, workflow.NewError(workflow.KindTransform, "filter transform has no condition")
	}
	list, ok := input.([]any)
	if !ok {
		return nil, workflow.NewError(workflow.KindTransform, "filter transform needs a list input, got %T", input)
	}
	kept := make([]any, 0, len(list))
	for _, item := range list {
		env := workflow.PathEnv{Input: item, Ctx: wctx}
		if wctx != nil {
			env.WorkflowID = wctx.WorkflowID()
		}
		pass, err := t.eval.EvalCondition(spec.Condition, env)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindTransform, err, "filter condition failed")
		}
		if pass {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func applyExtract(spec *Spec, input any) (any, error) {
	if len(spec.Fields) == 0 {
		return nil, workflow.NewError(workflow.KindTransform, "extract transform has no fields")
	}
	out := make(map[string]any, len(spec.Fields))
	for _, field := range spec.Fields {
		v, ok := lookupDotted(input, field)
		if !ok {
			continue
		}
		key := field
		if idx := strings.LastIndex(field, "."); idx >= 0 {
			key = field[idx+1:]
		}
		out[key] = v
	}
	return out, nil
}

func applyMerge(spec *Spec, input any, wctx *workflow.Context) (any, error) {
	out := make(map[string]any)
	if m, ok := input.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	env := workflow.EnvFor(wctx, input)
	for _, source := range spec.Sources {
		v, ok := workflow.ResolvePath(source, env)
		if !ok {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, workflow.NewError(workflow.KindTransform,
				"merge source %q did not resolve to an object", source)
		}
		for k, val := range m {
			out[k] = val
		}
	}
	return out, nil
}

func applySplit(spec *Spec, input any) (any, error) {
	switch v := input.(type) {
	case string:
		var parts []string
		if spec.Delimiter == "" {
			parts = strings.Fields(v)
		} else {
			parts = strings.Split(v, spec.Delimiter)
		}
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case map[string]any:
		out := make([]any, 0, len(v))
		for key, val := range v {
			out = append(out, map[string]any{"key": key, "value": val})
		}
		return out, nil
	default:
		return nil, workflow.NewError(workflow.KindTransform,
			"split transform needs a string or object input, got %T", input)
	}
}

func applyFormat(spec *Spec, input any) (any, error) {
	switch spec.Format {
	case "json", "":
		raw, err := json.Marshal(input)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindTransform, err, "json format failed")
		}
		return string(raw), nil
	case "pretty":
		raw, err := json.MarshalIndent(input, "", "  ")
		if err != nil {
			return nil, workflow.WrapError(workflow.KindTransform, err, "pretty format failed")
		}
		return string(raw), nil
	case "string":
		if s, ok := input.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", input), nil
	default:
		return nil, workflow.NewError(workflow.KindTransform, "unknown format %q", spec.Format)
	}
}

func (t *Transformer) applyJMESPath(spec *Spec, input any) (any, error) {
	if spec.Expression == "" {
		return nil, workflow.NewError(workflow.KindTransform, "jmespath transform has no expression")
	}
	t.mu.Lock()
	jp, ok := t.jmes[spec.Expression]
	t.mu.Unlock()
	if !ok {
		var err error
		jp, err = jmespath.Compile(spec.Expression)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindTransform, err, "compiling jmespath failed")
		}
		t.mu.Lock()
		t.jmes[spec.Expression] = jp
		t.mu.Unlock()
	}
	out, err := jp.Search(input)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindTransform, err, "jmespath evaluation failed")
	}
	return out, nil
}

func applyJSONPath(spec *Spec, input any) (any, error) {
	if spec.Expression == "" {
		return nil, workflow.NewError(workflow.KindTransform, "jsonpath transform has no expression")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindTransform, err, "encoding input for jsonpath failed")
	}
	res := gjson.GetBytes(raw, spec.Expression)
	if !res.Exists() {
		return nil, nil
	}
	return res.Value(), nil
}

func (t *Transformer) applyJQ(ctx context.Context, spec *Spec, input any) (any, error) {
	if spec.Expression == "" {
		return nil, workflow.NewError(workflow.KindTransform, "jq transform has no expression")
	}
	t.mu.Lock()
	query, ok := t.jq[spec.Expression]
	t.mu.Unlock()
	if !ok {
		var err error
		query, err = gojq.Parse(spec.Expression)
		if err != nil {
			return nil, workflow.WrapError(workflow.KindTransform, err, "parsing jq program failed")
		}
		t.mu.Lock()
		t.jq[spec.Expression] = query
		t.mu.Unlock()
	}
	// gojq is strict about numeric types, so round-trip through JSON.
	normalized, err := normalizeJSON(input)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindTransform, err, "encoding input for jq failed")
	}
	iter := query.RunWithContext(ctx, normalized)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, workflow.WrapError(workflow.KindTransform, err, "jq evaluation failed")
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (t *Transformer) applyExpr(spec *Spec, input any, wctx *workflow.Context) (any, error) {
	if spec.Expression == "" {
		return nil, workflow.NewError(workflow.KindTransform, "expr transform has no expression")
	}
	t.mu.Lock()
	program, ok := t.expr[spec.Expression]
	t.mu.Unlock()
	if !ok {
		var err error
		program, err = expr.Compile(spec.Expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, workflow.WrapError(workflow.KindTransform, err, "compiling expression failed")
		}
		t.mu.Lock()
		t.expr[spec.Expression] = program
		t.mu.Unlock()
	}
	env := map[string]any{"input": input}
	if wctx != nil {
		env["ctx"] = wctx.Variables()
		env["node"] = wctx.NodeOutputs()
		env["workflow"] = map[string]any{"id": wctx.WorkflowID()}
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return nil, workflow.WrapError(workflow.KindTransform, err, "expression evaluation failed")
	}
	return out, nil
}

// Substitute replaces {field} braces with input fields and {ctx.var} braces
// with context variables. Unresolved braces are left in place. Webhook nodes
// share this for URL, header and body substitution.
func Substitute(template string, input any, wctx *workflow.Context) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}
	var sb strings.Builder
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			sb.WriteString(template[i:])
			break
		}
		open += i
		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			sb.WriteString(template[i:])
			break
		}
		closing += open
		sb.WriteString(template[i:open])
		name := template[open+1 : closing]
		if v, ok := substitution(name, input, wctx); ok {
			sb.WriteString(stringify(v))
			i = closing + 1
			continue
		}
		// Not a known placeholder. Emit the brace alone and rescan from the
		// next byte so placeholders nested in JSON braces still resolve.
		sb.WriteByte('{')
		i = open + 1
	}
	return sb.String()
}

func substitution(name string, input any, wctx *workflow.Context) (any, bool) {
	if after, ok := strings.CutPrefix(name, "ctx."); ok {
		if wctx == nil {
			return nil, false
		}
		return lookupDotted(wctx.Variables(), after)
	}
	return lookupDotted(input, name)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func lookupDotted(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// normalizeJSON round-trips a value through encoding/json so numeric types
// match what query engines expect.
func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
