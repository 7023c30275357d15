// Package prompt renders prompt templates: named-variable substitution plus
// conditional sections delimited by {# if expr #}, {# elif expr #},
// {# else #} and {# endif #} directives. Expressions support and/or/not,
// comparisons, in / not in, literals and dotted variable references, and are
// evaluated with expr-lang against the supplied variables.
//
// Two modes control undefined variables: strict returns an error, relaxed
// treats them as falsy in directives and leaves their placeholders intact in
// the text.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Directive delimiters.
const (
	openDirective  = "{#"
	closeDirective = "#}"
)

// Errors surfaced by rendering. Wrap details with fmt; match with errors.Is.
var (
	// ErrUnbalanced reports a missing or stray directive.
	ErrUnbalanced = errors.New("prompt: unbalanced directives")
	// ErrUndefined reports an undefined variable in strict mode.
	ErrUndefined = errors.New("prompt: undefined variable")
)

type (
	// Mode controls how undefined variables are handled.
	Mode int

	// Renderer renders templates. Compiled directive expressions are
	// cached, so share one Renderer across calls. Safe for concurrent use.
	Renderer struct {
		mode Mode

		mu       sync.Mutex
		programs map[string]*vm.Program
		idents   map[string][]string
	}

	// Option configures a Renderer.
	Option func(*Renderer)
)

const (
	// Relaxed treats undefined variables as falsy and leaves unresolved
	// placeholders in place.
	Relaxed Mode = iota
	// Strict fails rendering when a directive or placeholder references an
	// undefined variable.
	Strict
)

// WithMode sets the undefined-variable mode.
func WithMode(m Mode) Option {
	return func(r *Renderer) { r.mode = m }
}

// New builds a relaxed-mode Renderer unless an option says otherwise.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		programs: make(map[string]*vm.Program),
		idents:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render evaluates directives and substitutes {name} placeholders from vars.
func (r *Renderer) Render(template string, vars map[string]any) (string, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	kept, err := r.applyDirectives(template, vars)
	if err != nil {
		return "", err
	}
	return r.substitute(kept, vars)
}

type frame struct {
	parentActive bool
	taken        bool
	active       bool
	sawElse      bool
}

// applyDirectives scans the template once, keeping text whose enclosing
// branches are all active. Guards in dead branches are not evaluated.
func (r *Renderer) applyDirectives(template string, vars map[string]any) (string, error) {
	var (
		sb    strings.Builder
		stack []frame
	)
	active := func() bool {
		if len(stack) == 0 {
			return true
		}
		top := stack[len(stack)-1]
		return top.parentActive && top.active
	}
	i := 0
	for i < len(template) {
		open := strings.Index(template[i:], openDirective)
		if open < 0 {
			if active() {
				sb.WriteString(template[i:])
			}
			break
		}
		open += i
		if active() {
			sb.WriteString(template[i:open])
		}
		closing := strings.Index(template[open:], closeDirective)
		if closing < 0 {
			return "", fmt.Errorf("%w: unterminated %q at offset %d", ErrUnbalanced, openDirective, open)
		}
		closing += open
		directive := strings.TrimSpace(template[open+len(openDirective) : closing])
		switch {
		case strings.HasPrefix(directive, "if "):
			parentActive := active()
			f := frame{parentActive: parentActive}
			if parentActive {
				pass, err := r.evalGuard(strings.TrimSpace(directive[3:]), vars)
				if err != nil {
					return "", err
				}
				f.active = pass
				f.taken = pass
			}
			stack = append(stack, f)
		case strings.HasPrefix(directive, "elif "):
			if len(stack) == 0 || stack[len(stack)-1].sawElse {
				return "", fmt.Errorf("%w: elif without open if", ErrUnbalanced)
			}
			top := &stack[len(stack)-1]
			top.active = false
			if top.parentActive && !top.taken {
				pass, err := r.evalGuard(strings.TrimSpace(directive[5:]), vars)
				if err != nil {
					return "", err
				}
				top.active = pass
				top.taken = pass
			}
		case directive == "else":
			if len(stack) == 0 || stack[len(stack)-1].sawElse {
				return "", fmt.Errorf("%w: else without open if", ErrUnbalanced)
			}
			top := &stack[len(stack)-1]
			top.sawElse = true
			top.active = top.parentActive && !top.taken
			top.taken = true
		case directive == "endif":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: endif without open if", ErrUnbalanced)
			}
			stack = stack[:len(stack)-1]
		default:
			return "", fmt.Errorf("%w: unknown directive %q", ErrUnbalanced, directive)
		}
		i = closing + len(closeDirective)
	}
	if len(stack) != 0 {
		return "", fmt.Errorf("%w: %d unterminated if", ErrUnbalanced, len(stack))
	}
	return sb.String(), nil
}

// evalGuard compiles, caches and runs a directive expression, coercing the
// result to a boolean.
func (r *Renderer) evalGuard(expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("%w: empty condition", ErrUnbalanced)
	}
	program, roots, err := r.compile(expression)
	if err != nil {
		return false, err
	}
	if r.mode == Strict {
		for _, root := range roots {
			if _, ok := vars[root]; !ok {
				return false, fmt.Errorf("%w: %q in condition %q", ErrUndefined, root, expression)
			}
		}
	}
	out, err := vm.Run(program, vars)
	if err != nil {
		return false, fmt.Errorf("prompt: evaluating %q: %w", expression, err)
	}
	return coerceBool(out), nil
}

func (r *Renderer) compile(expression string) (*vm.Program, []string, error) {
	r.mu.Lock()
	program, ok := r.programs[expression]
	roots := r.idents[expression]
	r.mu.Unlock()
	if ok {
		return program, roots, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, nil, fmt.Errorf("prompt: compiling %q: %w", expression, err)
	}
	roots, err = identifierRoots(expression)
	if err != nil {
		return nil, nil, fmt.Errorf("prompt: parsing %q: %w", expression, err)
	}
	r.mu.Lock()
	r.programs[expression] = program
	r.idents[expression] = roots
	r.mu.Unlock()
	return program, roots, nil
}

// identifierRoots returns the top-level variable names an expression reads,
// so strict mode can check them against the supplied vars.
func identifierRoots(expression string) ([]string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}
	v := &identVisitor{seen: make(map[string]bool)}
	ast.Walk(&tree.Node, v)
	return v.roots, nil
}

type identVisitor struct {
	seen  map[string]bool
	roots []string
}

func (v *identVisitor) Visit(node *ast.Node) {
	ident, ok := (*node).(*ast.IdentifierNode)
	if !ok || v.seen[ident.Value] {
		return
	}
	v.seen[ident.Value] = true
	v.roots = append(v.roots, ident.Value)
}

// substitute replaces {name} and {dotted.name} placeholders. Names must look
// like identifiers, so JSON braces in the template survive untouched.
func (r *Renderer) substitute(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{") {
		return text, nil
	}
	var sb strings.Builder
	i := 0
	for i < len(text) {
		open := strings.IndexByte(text[i:], '{')
		if open < 0 {
			sb.WriteString(text[i:])
			break
		}
		open += i
		sb.WriteString(text[i:open])
		closing := strings.IndexByte(text[open:], '}')
		if closing < 0 {
			sb.WriteString(text[open:])
			break
		}
		closing += open
		name := text[open+1 : closing]
		if !placeholderName(name) {
			// JSON braces and other non-placeholder text pass through, but
			// rescan from the next byte so placeholders nested inside still
			// resolve.
			sb.WriteByte('{')
			i = open + 1
			continue
		}
		v, ok := lookup(vars, name)
		if !ok {
			if r.mode == Strict {
				return "", fmt.Errorf("%w: %q", ErrUndefined, name)
			}
			sb.WriteString(text[open : closing+1])
			i = closing + 1
			continue
		}
		sb.WriteString(valueString(v))
		i = closing + 1
	}
	return sb.String(), nil
}

func placeholderName(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			switch {
			case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			case i > 0 && r >= '0' && r <= '9':
			default:
				return false
			}
		}
	}
	return true
}

func lookup(vars map[string]any, name string) (any, bool) {
	var cur any = vars
	for _, seg := range strings.Split(name, ".") {
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

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
