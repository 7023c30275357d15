package workflow

import (
	"errors"
	"math"
	"strings"

	"goa.design/flow/tools"
)

// MissingFieldPrefix prefixes the flag keys that TransformData adds for
// mapped fields whose source path did not resolve, so downstream nodes can
// prompt for them.
const MissingFieldPrefix = "_missing_"

// ErrorPayloadKey is the key under which error-edge payloads carry the error
// descriptor.
const ErrorPayloadKey = "__error__"

// Edge is the runtime form of an EdgeSpec: traversal predicate plus payload
// transform. Edges are immutable after the workflow is built and safe for
// concurrent use.
type Edge struct {
	*EdgeSpec
}

// NewEdge wraps an edge spec for execution.
func NewEdge(spec *EdgeSpec) *Edge { return &Edge{EdgeSpec: spec} }

// EffectivePriority returns the priority used for ordering. Fallback edges
// always sort last regardless of their declared priority.
func (e *Edge) EffectivePriority() int {
	if e.Kind == EdgeFallback {
		return math.MinInt
	}
	return e.Priority
}

// CanTraverse reports whether the edge is passable in the given environment.
//
//   - Default, loopBack, parallelJoin and custom edges pass when they have no
//     conditions, otherwise when their condition group passes.
//   - Conditional edges require at least one condition and pass only when the
//     group passes.
//   - Error edges require an in-flight error whose type or code matches
//     ErrorTypes (an empty list matches any error). Timeout edges are error
//     edges restricted to timeout errors.
//   - Fallback edges always pass.
func (e *Edge) CanTraverse(env PathEnv, ev *Evaluator) (bool, error) {
	switch e.Kind {
	case EdgeConditional:
		if e.Conditions == nil || len(e.Conditions.Conditions) == 0 {
			return false, nil
		}
		return ev.EvalGroup(e.Conditions, env)
	case EdgeError:
		return e.matchesCurrentError(env, nil), nil
	case EdgeTimeout:
		return e.matchesCurrentError(env, timeoutErrorTypes), nil
	case EdgeFallback:
		return true, nil
	default:
		if e.Conditions == nil || len(e.Conditions.Conditions) == 0 {
			return true, nil
		}
		return ev.EvalGroup(e.Conditions, env)
	}
}

var timeoutErrorTypes = []string{string(KindTimeout), "node_timeout", "tool_timeout"}

// matchesCurrentError reports whether the context carries an error matching
// both the edge's ErrorTypes and the extra restriction, each matched
// case-insensitively against the descriptor's type and code.
func (e *Edge) matchesCurrentError(env PathEnv, restrict []string) bool {
	if env.Ctx == nil {
		return false
	}
	desc, ok := env.Ctx.CurrentError()
	if !ok {
		return false
	}
	if restrict != nil && !descriptorMatches(desc, restrict) {
		return false
	}
	if len(e.ErrorTypes) == 0 {
		return true
	}
	return descriptorMatches(desc, e.ErrorTypes)
}

func descriptorMatches(desc map[string]any, types []string) bool {
	errType, _ := desc["errorType"].(string)
	errCode, _ := desc["errorCode"].(string)
	for _, t := range types {
		if strings.EqualFold(t, errType) || strings.EqualFold(t, errCode) {
			return true
		}
	}
	return false
}

// TransformData applies the edge's data mapping to the payload flowing
// across it. Without a mapping the payload passes through unchanged. With a
// mapping, each target field is resolved from its source path against the
// payload and context; unresolved paths set a "_missing_<target>" flag
// instead so the receiving node can request the value.
func (e *Edge) TransformData(payload any, ctx *Context) any {
	if len(e.DataMapping) == 0 {
		return payload
	}
	env := EnvFor(ctx, payload)
	mapped := make(map[string]any, len(e.DataMapping))
	for target, source := range e.DataMapping {
		v, ok := ResolvePath(source, env)
		if !ok {
			mapped[MissingFieldPrefix+target] = true
			continue
		}
		mapped[target] = v
	}
	return mapped
}

// BuildErrorDescriptor converts a node failure into the descriptor stored
// under CurrentErrorKey and matched by error edges.
func BuildErrorDescriptor(err error, sourceNodeID string) map[string]any {
	desc := map[string]any{
		"errorType":    "error",
		"errorMessage": "",
		"errorCode":    "",
		"sourceNodeId": sourceNodeID,
	}
	if err == nil {
		return desc
	}
	desc["errorMessage"] = err.Error()
	var werr *Error
	if errors.As(err, &werr) {
		desc["errorType"] = string(werr.Kind)
		desc["errorCode"] = string(werr.Kind)
		desc["errorMessage"] = werr.Message
		if len(werr.Details) > 0 {
			desc["errorDetails"] = werr.Details
			if code, ok := werr.Details["code"].(string); ok && code != "" {
				desc["errorCode"] = code
			}
		}
		return desc
	}
	var terr *tools.Error
	if errors.As(err, &terr) {
		desc["errorType"] = string(terr.Kind)
		desc["errorCode"] = string(terr.Kind)
		desc["errorMessage"] = terr.Message
		if len(terr.Details) > 0 {
			desc["errorDetails"] = terr.Details
			if code, ok := terr.Details["code"].(string); ok && code != "" {
				desc["errorCode"] = code
			}
		}
	}
	return desc
}

// wrapErrorPayload attaches the error descriptor to the payload routed along
// an error edge. Map payloads keep their fields; other payloads move under
// "data".
func wrapErrorPayload(payload any, desc map[string]any) map[string]any {
	wrapped := make(map[string]any)
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			wrapped[k] = v
		}
	} else if payload != nil {
		wrapped["data"] = payload
	}
	wrapped[ErrorPayloadKey] = desc
	return wrapped
}
