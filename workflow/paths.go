package workflow

import (
	"strconv"
	"strings"
)

// Path prefixes understood by ResolvePath.
const (
	pathInput    = "$input"
	pathOutput   = "$output"
	pathNode     = "$node"
	pathCtx      = "$ctx"
	pathWorkflow = "$workflow"
)

// PathEnv carries the values a path expression can reference. Input is the
// payload flowing into the evaluation site (edge condition, data mapping,
// variable assignment); Output is the most recent completed node output.
type PathEnv struct {
	Input      any
	Output     any
	Ctx        *Context
	WorkflowID string
}

// EnvFor builds a PathEnv from the given context and flowing payload.
func EnvFor(ctx *Context, input any) PathEnv {
	env := PathEnv{Input: input}
	if ctx != nil {
		env.Output = ctx.LastOutput()
		env.Ctx = ctx
		env.WorkflowID = ctx.WorkflowID()
	}
	return env
}

// ResolvePath evaluates a path expression against the environment. Supported
// roots:
//
//	$input              payload flowing into the evaluation site
//	$output             most recent completed node output
//	$node.<id>          recorded output of node <id>
//	$ctx.<name>         context variable <name>
//	$workflow.id        workflow id
//
// Each root may be followed by a dotted chain of map keys and non-negative
// list indices ($input.items.0.name). Strings without a leading "$" are
// literals and resolve to themselves. A path that cannot be fully walked
// resolves to (nil, false).
func ResolvePath(path string, env PathEnv) (any, bool) {
	if !strings.HasPrefix(path, "$") {
		return path, true
	}
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case pathInput:
		return walkPath(env.Input, rest)
	case pathOutput:
		return walkPath(env.Output, rest)
	case pathNode:
		if rest == "" {
			return nil, false
		}
		nodeID, tail, _ := strings.Cut(rest, ".")
		if env.Ctx == nil {
			return nil, false
		}
		out, ok := env.Ctx.NodeOutput(nodeID)
		if !ok {
			return nil, false
		}
		return walkPath(out, tail)
	case pathCtx:
		if rest == "" {
			return nil, false
		}
		name, tail, _ := strings.Cut(rest, ".")
		if env.Ctx == nil {
			return nil, false
		}
		v, ok := env.Ctx.Get(name)
		if !ok {
			return nil, false
		}
		return walkPath(v, tail)
	case pathWorkflow:
		if rest == "id" {
			return env.WorkflowID, true
		}
		return nil, false
	default:
		// Unknown "$" root. Treat as unresolved rather than literal so typos
		// surface as missing values instead of nonsense strings.
		return nil, false
	}
}

// walkPath descends into JSON-shaped data following dotted segments. Numeric
// segments index into lists.
func walkPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for seg := range strings.SplitSeq(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
