package nodes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"goa.design/flow/workflow"
)

// decodeConfig round-trips a node config map through JSON into a typed
// struct so node files declare their options with tags instead of hand
// parsing maps.
func decodeConfig(nodeID string, cfg map[string]any, dst any) error {
	if len(cfg) == 0 {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return workflow.WrapError(workflow.KindNodeValidation, err, "node %q config", nodeID)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return workflow.WrapError(workflow.KindNodeValidation, err, "node %q config", nodeID)
	}
	return nil
}

// cfgString returns the first non-empty string value among the given config
// keys. Aliased option names resolve in declaration order.
func cfgString(cfg map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := cfg[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// cfgBool returns the boolean at key, or def when absent or not a bool.
func cfgBool(cfg map[string]any, key string, def bool) bool {
	if b, ok := cfg[key].(bool); ok {
		return b
	}
	return def
}

// toInt coerces JSON-decoded numbers and numeric strings to int. Returns
// false for anything else.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// toFloat coerces JSON-decoded numbers and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// looseValueEqual compares two values across the type drift JSON decoding
// introduces: numbers compare numerically regardless of int/float type and
// everything else compares by string form. Used by switch cases and loop
// exit values where configs hold "5" and outputs hold float64(5).
func looseValueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// lookupPath walks dotted field paths through nested maps. A single
// segment also matches a flat key containing dots.
func lookupPath(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	cur := any(m)
	for _, seg := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asMap returns the input as a map when it is one.
func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
