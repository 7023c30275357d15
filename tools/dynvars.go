package tools

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type (
	// VarOperator selects how an extracted value lands in the variable
	// store.
	VarOperator string

	// VarExecution controls when an assignment runs relative to the tool
	// result being returned.
	VarExecution string

	// VarOnError selects how assignment failures are handled.
	VarOnError string

	// VariableAssignment projects a field of a tool or node result into a
	// context variable, optionally transformed on the way.
	VariableAssignment struct {
		// VariableName is the context variable to write.
		VariableName string `json:"variable_name"`
		// SourceField is a dotted path into the result content. Empty
		// selects the whole content.
		SourceField string `json:"source_field,omitempty"`
		// DefaultValue substitutes when the source field is absent.
		DefaultValue any `json:"default_value,omitempty"`
		// TransformExpr is an expression over {value, content} applied
		// before the operator.
		TransformExpr string `json:"transform_expr,omitempty"`
		// TransformFunc names a registered transform function applied
		// after TransformExpr.
		TransformFunc string `json:"transform_func,omitempty"`
		// Operator defaults to SET.
		Operator VarOperator `json:"operator,omitempty"`
		// Execution defaults to SYNC.
		Execution VarExecution `json:"transform_execution,omitempty"`
		// OnError defaults to log.
		OnError VarOnError `json:"on_error,omitempty"`
	}

	// VariableStore is the sink assignments write to. workflow contexts
	// satisfy it directly.
	VariableStore interface {
		Get(name string) (any, bool)
		Set(name string, value any)
	}

	// TransformFunc is a registered named transform. store gives read
	// access to already-written variables.
	TransformFunc func(value any, store VariableStore) (any, error)

	// MapVariableStore is a standalone in-memory store for callers outside
	// a workflow execution. Safe for concurrent use.
	MapVariableStore struct {
		mu   sync.RWMutex
		vars map[string]any
	}
)

const (
	VarSet         VarOperator = "SET"
	VarSetIfExists VarOperator = "SET_IF_EXISTS"
	VarSetIfTruthy VarOperator = "SET_IF_TRUTHY"
	VarAppend      VarOperator = "APPEND"
	VarIncrement   VarOperator = "INCREMENT"
	VarTransform   VarOperator = "TRANSFORM"
)

const (
	VarSync  VarExecution = "SYNC"
	VarAsync VarExecution = "ASYNC"
	VarAwait VarExecution = "AWAIT"
)

const (
	VarErrIgnore VarOnError = "ignore"
	VarErrLog    VarOnError = "log"
	VarErrRaise  VarOnError = "raise"
)

// NewMapVariableStore returns an empty store.
func NewMapVariableStore() *MapVariableStore {
	return &MapVariableStore{vars: make(map[string]any)}
}

// Get implements VariableStore.
func (s *MapVariableStore) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Set implements VariableStore.
func (s *MapVariableStore) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Values returns a copy of the stored variables.
func (s *MapVariableStore) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// ApplyAssignments runs the tool's dynamic variable assignments against the
// result content. SYNC assignments run inline, AWAIT assignments run
// concurrently and are joined before return, ASYNC assignments are fired and
// forgotten. Only raise-mode failures surface as the returned error.
func (r *Runtime) ApplyAssignments(ctx context.Context, assignments []*VariableAssignment, content any, store VariableStore) error {
	if len(assignments) == 0 {
		return nil
	}
	if store == nil {
		r.logger.Warn(ctx, "dynamic variables skipped, no variable store", "count", len(assignments))
		return nil
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		raiseErr error
	)
	record := func(a *VariableAssignment, err error) {
		if err == nil {
			return
		}
		switch a.OnError {
		case VarErrIgnore:
		case VarErrRaise:
			mu.Lock()
			if raiseErr == nil {
				raiseErr = err
			}
			mu.Unlock()
		default:
			r.logger.Warn(ctx, "dynamic variable assignment failed",
				"variable", a.VariableName, "error", err)
		}
	}
	for _, a := range assignments {
		switch a.Execution {
		case VarAsync:
			go func(a *VariableAssignment) {
				if err := r.applyAssignment(context.WithoutCancel(ctx), a, content, store); err != nil && a.OnError != VarErrIgnore {
					r.logger.Warn(ctx, "async dynamic variable assignment failed",
						"variable", a.VariableName, "error", err)
				}
			}(a)
		case VarAwait:
			wg.Add(1)
			go func(a *VariableAssignment) {
				defer wg.Done()
				record(a, r.applyAssignment(ctx, a, content, store))
			}(a)
		default:
			record(a, r.applyAssignment(ctx, a, content, store))
		}
	}
	wg.Wait()
	return raiseErr
}

func (r *Runtime) applyAssignment(ctx context.Context, a *VariableAssignment, content any, store VariableStore) error {
	if a.VariableName == "" {
		return NewError(KindValidation, "dynamic variable assignment has no variable name")
	}
	value, found := ExtractField(content, a.SourceField)
	if !found {
		if a.Operator == VarSetIfExists {
			return nil
		}
		value = a.DefaultValue
	}
	if a.TransformExpr != "" {
		transformed, err := r.evalTransform(ctx, a.TransformExpr, value, content)
		if err != nil {
			return WrapError(KindExecution, err, "transform expression for %q failed", a.VariableName)
		}
		value = transformed
	}
	if a.TransformFunc != "" {
		fn, ok := r.transformFunc(a.TransformFunc)
		if !ok {
			return NewError(KindValidation, "unknown transform function %q", a.TransformFunc)
		}
		transformed, err := fn(value, store)
		if err != nil {
			return WrapError(KindExecution, err, "transform function %q failed", a.TransformFunc)
		}
		value = transformed
	}
	switch a.Operator {
	case VarSetIfTruthy:
		if truthy(value) {
			store.Set(a.VariableName, value)
		}
	case VarAppend:
		cur, _ := store.Get(a.VariableName)
		list, _ := cur.([]any)
		store.Set(a.VariableName, append(list, value))
	case VarIncrement:
		cur, _ := store.Get(a.VariableName)
		base, _ := asNumber(cur)
		inc, ok := asNumber(value)
		if !ok {
			inc = 1
		}
		store.Set(a.VariableName, base+inc)
	default:
		store.Set(a.VariableName, value)
	}
	return nil
}

// evalTransform evaluates expression with {value, content} in scope, caching
// compiled programs per runtime.
func (r *Runtime) evalTransform(_ context.Context, expression string, value, content any) (any, error) {
	r.exprMu.Lock()
	program, ok := r.exprPrograms[expression]
	r.exprMu.Unlock()
	if !ok {
		var err error
		program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, err
		}
		r.exprMu.Lock()
		r.exprPrograms[expression] = program
		r.exprMu.Unlock()
	}
	return vm.Run(program, map[string]any{"value": value, "content": content})
}

// ExtractField walks a dotted path through maps and slices. An empty path
// selects content itself. Numeric segments index into slices.
func ExtractField(content any, path string) (any, bool) {
	if path == "" {
		return content, content != nil
	}
	cur := content
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// truthy mirrors the loose truthiness used by condition evaluation: nil,
// false, zero numbers, empty strings and empty collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		n, _ := asNumber(t)
		return n != 0
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}
