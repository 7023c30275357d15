package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type (
	// Operator identifies a condition predicate.
	Operator string

	// GroupLogic joins the conditions of a group.
	GroupLogic string

	// Condition is a single predicate over the execution environment. Field
	// is a path expression ($input.amount, $ctx.retries, $node.d.decision);
	// Value is the operand, itself resolved as a path when it is a
	// $-prefixed string. Negate inverts the outcome.
	//
	// Two operators need extra configuration: OpCustom calls the registered
	// function named by Custom, and OpExpression evaluates Expression with
	// the expression engine instead of the field/operator/value triple.
	Condition struct {
		Field      string   `json:"field,omitempty"`
		Operator   Operator `json:"operator"`
		Value      any      `json:"value,omitempty"`
		Negate     bool     `json:"negate,omitempty"`
		Custom     string   `json:"custom,omitempty"`
		Expression string   `json:"expression,omitempty"`
	}

	// ConditionGroup joins conditions with AND or OR semantics. Negate
	// inverts the group outcome. A nil or empty group passes.
	ConditionGroup struct {
		Conditions []*Condition `json:"conditions"`
		Logic      GroupLogic   `json:"logic,omitempty"`
		Negate     bool         `json:"negate,omitempty"`
	}

	// CustomConditionFunc evaluates a registered custom operator. It
	// receives the resolved field value, the condition operand, and the
	// evaluation environment.
	CustomConditionFunc func(value, operand any, env PathEnv) (bool, error)

	// Evaluator evaluates conditions against an execution environment. It
	// holds registered custom operators and caches compiled expressions and
	// regexes across evaluations. The zero value is ready to use.
	Evaluator struct {
		mu       sync.RWMutex
		funcs    map[string]CustomConditionFunc
		programs map[string]*vm.Program
		regexes  map[string]*regexp.Regexp
	}
)

const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpGT           Operator = "gt"
	OpLT           Operator = "lt"
	OpGE           Operator = "ge"
	OpLE           Operator = "le"
	OpContains     Operator = "contains"
	OpNotContains  Operator = "not_contains"
	OpStartsWith   Operator = "starts_with"
	OpEndsWith     Operator = "ends_with"
	OpMatchesRegex Operator = "matches_regex"
	OpInList       Operator = "in_list"
	OpNotInList    Operator = "not_in_list"
	OpIsEmpty      Operator = "is_empty"
	OpIsNotEmpty   Operator = "is_not_empty"
	OpIsTrue       Operator = "is_true"
	OpIsFalse      Operator = "is_false"
	OpCustom       Operator = "custom"
	OpExpression   Operator = "expression"
)

const (
	LogicAnd GroupLogic = "AND"
	LogicOr  GroupLogic = "OR"
)

// operatorAliases maps symbolic and shorthand spellings to canonical
// operators so specs authored with comparison symbols evaluate identically.
var operatorAliases = map[string]Operator{
	"==":      OpEquals,
	"eq":      OpEquals,
	"!=":      OpNotEquals,
	"ne":      OpNotEquals,
	"neq":     OpNotEquals,
	">":       OpGT,
	"<":       OpLT,
	">=":      OpGE,
	"gte":     OpGE,
	"<=":      OpLE,
	"lte":     OpLE,
	"in":      OpInList,
	"not_in":  OpNotInList,
	"not in":  OpNotInList,
	"regex":   OpMatchesRegex,
	"matches": OpMatchesRegex,
}

// Normalize resolves aliases and case so "==", "EQ" and "equals" all compare
// equal.
func (o Operator) Normalize() Operator {
	s := strings.ToLower(strings.TrimSpace(string(o)))
	if alias, ok := operatorAliases[s]; ok {
		return alias
	}
	return Operator(s)
}

// NewEvaluator returns an evaluator with no custom operators registered.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// RegisterFunc registers a custom operator under the given name. Conditions
// reference it with operator "custom" and the Custom field set to name.
func (e *Evaluator) RegisterFunc(name string, fn CustomConditionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.funcs == nil {
		e.funcs = make(map[string]CustomConditionFunc)
	}
	e.funcs[name] = fn
}

// EvalGroup evaluates a condition group. A nil group or a group with no
// conditions passes; Logic defaults to AND.
func (e *Evaluator) EvalGroup(group *ConditionGroup, env PathEnv) (bool, error) {
	if group == nil || len(group.Conditions) == 0 {
		return true, nil
	}
	logic := group.Logic
	if logic == "" {
		logic = LogicAnd
	}
	result := logic == LogicAnd
	for _, cond := range group.Conditions {
		ok, err := e.EvalCondition(cond, env)
		if err != nil {
			return false, err
		}
		if logic == LogicAnd && !ok {
			result = false
			break
		}
		if logic == LogicOr && ok {
			result = true
			break
		}
	}
	if group.Negate {
		result = !result
	}
	return result, nil
}

// EvalCondition evaluates a single condition.
func (e *Evaluator) EvalCondition(cond *Condition, env PathEnv) (bool, error) {
	if cond == nil {
		return true, nil
	}
	op := cond.Operator.Normalize()
	var (
		result bool
		err    error
	)
	switch op {
	case OpExpression:
		result, err = e.evalExpression(cond.Expression, env)
	case OpCustom:
		result, err = e.evalCustom(cond, env)
	default:
		result, err = e.evalComparison(op, cond, env)
	}
	if err != nil {
		return false, err
	}
	if cond.Negate {
		result = !result
	}
	return result, nil
}

func (e *Evaluator) evalComparison(op Operator, cond *Condition, env PathEnv) (bool, error) {
	value, _ := ResolvePath(cond.Field, env)
	operand := cond.Value
	if s, ok := operand.(string); ok && strings.HasPrefix(s, "$") {
		operand, _ = ResolvePath(s, env)
	}
	switch op {
	case OpEquals:
		return looseEqual(value, operand), nil
	case OpNotEquals:
		return !looseEqual(value, operand), nil
	case OpGT, OpLT, OpGE, OpLE:
		cmp, ok := compareValues(value, operand)
		if !ok {
			return false, nil
		}
		switch op {
		case OpGT:
			return cmp > 0, nil
		case OpLT:
			return cmp < 0, nil
		case OpGE:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpContains:
		return containsValue(value, operand), nil
	case OpNotContains:
		return !containsValue(value, operand), nil
	case OpStartsWith:
		s, ok1 := value.(string)
		p, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasPrefix(s, p), nil
	case OpEndsWith:
		s, ok1 := value.(string)
		p, ok2 := operand.(string)
		return ok1 && ok2 && strings.HasSuffix(s, p), nil
	case OpMatchesRegex:
		pattern, ok := operand.(string)
		if !ok {
			return false, NewError(KindConditionEvaluation, "matches_regex requires a string pattern, got %T", operand)
		}
		re, err := e.compileRegex(pattern)
		if err != nil {
			return false, err
		}
		s, ok := value.(string)
		return ok && re.MatchString(s), nil
	case OpInList:
		return containsValue(operand, value), nil
	case OpNotInList:
		return !containsValue(operand, value), nil
	case OpIsEmpty:
		return isEmptyValue(value), nil
	case OpIsNotEmpty:
		return !isEmptyValue(value), nil
	case OpIsTrue:
		return Truthy(value), nil
	case OpIsFalse:
		return !Truthy(value), nil
	default:
		return false, NewError(KindConditionEvaluation, "unknown operator %q", cond.Operator)
	}
}

func (e *Evaluator) evalCustom(cond *Condition, env PathEnv) (bool, error) {
	name := cond.Custom
	if name == "" {
		if s, ok := cond.Value.(string); ok {
			name = s
		}
	}
	e.mu.RLock()
	fn := e.funcs[name]
	e.mu.RUnlock()
	if fn == nil {
		return false, NewError(KindConditionEvaluation, "custom condition %q is not registered", name)
	}
	value, _ := ResolvePath(cond.Field, env)
	ok, err := fn(value, cond.Value, env)
	if err != nil {
		return false, WrapError(KindConditionEvaluation, err, "custom condition %q", name)
	}
	return ok, nil
}

func (e *Evaluator) evalExpression(expression string, env PathEnv) (bool, error) {
	if expression == "" {
		return false, NewError(KindConditionEvaluation, "empty condition expression")
	}
	prog, err := e.compileExpression(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, exprEnv(env))
	if err != nil {
		return false, WrapError(KindConditionEvaluation, err, "evaluate %q", expression)
	}
	return Truthy(out), nil
}

func (e *Evaluator) compileExpression(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog := e.programs[expression]
	e.mu.RUnlock()
	if prog != nil {
		return prog, nil
	}
	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, WrapError(KindConditionEvaluation, err, "compile %q", expression)
	}
	e.mu.Lock()
	if e.programs == nil {
		e.programs = make(map[string]*vm.Program)
	}
	e.programs[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *Evaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re := e.regexes[pattern]
	e.mu.RUnlock()
	if re != nil {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, WrapError(KindConditionEvaluation, err, "compile regex %q", pattern)
	}
	e.mu.Lock()
	if e.regexes == nil {
		e.regexes = make(map[string]*regexp.Regexp)
	}
	e.regexes[pattern] = re
	e.mu.Unlock()
	return re, nil
}

// exprEnv exposes the execution environment to compiled expressions: input,
// output, ctx (variables), node (outputs by id) and workflow.id.
func exprEnv(env PathEnv) map[string]any {
	m := map[string]any{
		"input":    env.Input,
		"output":   env.Output,
		"workflow": map[string]any{"id": env.WorkflowID},
	}
	if env.Ctx != nil {
		m["ctx"] = env.Ctx.Variables()
		m["node"] = env.Ctx.NodeOutputs()
	} else {
		m["ctx"] = map[string]any{}
		m["node"] = map[string]any{}
	}
	return m
}

// Truthy reports whether a JSON-shaped value is considered true: non-nil,
// non-false, non-zero, non-empty.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case float32:
		return val != 0
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// looseEqual compares JSON-shaped values, normalizing numeric types so
// float64(3) equals int(3).
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !looseEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// compareValues orders two values. Numbers compare numerically, strings
// lexically; anything else is unordered.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// containsValue reports membership: substring for strings, element equality
// for lists, key presence for maps.
func containsValue(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, elem := range c {
			if looseEqual(elem, item) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false
		}
		_, present := c[key]
		return present
	default:
		return false
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// String renders a condition for logs and error details.
func (c *Condition) String() string {
	if c == nil {
		return "<nil>"
	}
	if c.Operator.Normalize() == OpExpression {
		return fmt.Sprintf("expr(%s)", c.Expression)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}
