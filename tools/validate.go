package tools

import (
	"fmt"
	"math"
	"regexp"
)

// ValidateArgs checks args against the spec's parameter declarations and
// returns a copy with defaults applied for omitted optional parameters.
// Unknown arguments pass through untouched so executors can accept
// overrides.
func (s *Spec) ValidateArgs(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range s.Parameters {
		v, present := out[p.Name]
		if !present || v == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, NewError(KindValidation, "tool %q: missing required parameter %q", s.Name(), p.Name).
					WithDetails("parameter", p.Name)
			}
			continue
		}
		if err := p.check(v, p.Name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// check validates one value against the parameter's type and constraints.
// path names the value's position for nested error messages.
func (p *Parameter) check(v any, path string) error {
	fail := func(format string, args ...any) error {
		return NewError(KindValidation, "parameter %q: %s", path, fmt.Sprintf(format, args...)).
			WithDetails("parameter", path)
	}
	switch p.Type {
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return fail("expected string, got %T", v)
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return fail("length %d below minimum %d", len(s), *p.MinLength)
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			return fail("length %d above maximum %d", len(s), *p.MaxLength)
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fail("invalid pattern %q: %v", p.Pattern, err)
			}
			if !re.MatchString(s) {
				return fail("value does not match pattern %q", p.Pattern)
			}
		}
	case ParamNumber, ParamInteger:
		f, ok := asNumber(v)
		if !ok {
			return fail("expected %s, got %T", p.Type, v)
		}
		if p.Type == ParamInteger && f != math.Trunc(f) {
			return fail("expected integer, got %v", v)
		}
		if p.Minimum != nil && f < *p.Minimum {
			return fail("value %v below minimum %v", f, *p.Minimum)
		}
		if p.Maximum != nil && f > *p.Maximum {
			return fail("value %v above maximum %v", f, *p.Maximum)
		}
	case ParamBoolean:
		if _, ok := v.(bool); !ok {
			return fail("expected boolean, got %T", v)
		}
	case ParamArray:
		items, ok := v.([]any)
		if !ok {
			return fail("expected array, got %T", v)
		}
		if p.MinLength != nil && len(items) < *p.MinLength {
			return fail("length %d below minimum %d", len(items), *p.MinLength)
		}
		if p.MaxLength != nil && len(items) > *p.MaxLength {
			return fail("length %d above maximum %d", len(items), *p.MaxLength)
		}
		if p.Items != nil {
			for i, item := range items {
				if err := p.Items.check(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case ParamObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return fail("expected object, got %T", v)
		}
		for _, prop := range p.Properties {
			pv, present := obj[prop.Name]
			if !present || pv == nil {
				if prop.Required {
					return fail("missing required member %q", prop.Name)
				}
				continue
			}
			if err := prop.check(pv, path+"."+prop.Name); err != nil {
				return err
			}
		}
	case "":
		// Untyped parameters accept anything.
	default:
		return fail("unknown parameter type %q", p.Type)
	}
	if len(p.Enum) > 0 {
		for _, allowed := range p.Enum {
			if enumEqual(v, allowed) {
				return nil
			}
		}
		return fail("value %v not in enum %v", v, p.Enum)
	}
	return nil
}

func asNumber(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func enumEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		bf, bok := asNumber(b)
		return bok && af == bf
	}
	return a == b
}
