package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/workflow"
)

func TestSwitchMatchesCase(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "sw",
		Kind: workflow.NodeSwitch,
		Config: map[string]any{
			"switch_field": "intent",
			"cases": []any{
				map[string]any{"name": "booking", "case": "book", "target": "book_node"},
				map[string]any{"name": "cancel", "case": "cancel", "target": "cancel_node"},
			},
			"default": "fallback_node",
		},
	}
	node := buildNode(t, New(), ns)
	wctx := workflow.NewContext("wf")

	out, err := node.Execute(context.Background(), wctx, map[string]any{"intent": "cancel"})
	require.NoError(t, err)

	m := out.(map[string]any)
	require.Equal(t, "cancel_node", m["switch_target"])
	require.Equal(t, "cancel", m["switch_value"])
	require.Equal(t, "cancel", m["switch_case"])

	target, ok := wctx.Get("switch_target")
	require.True(t, ok)
	require.Equal(t, "cancel_node", target)
}

func TestSwitchValuesList(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "sw",
		Kind: workflow.NodeSwitch,
		Config: map[string]any{
			"switch_field": "day",
			"cases": []any{
				map[string]any{"name": "weekend", "values": []any{"sat", "sun"}, "target": "closed"},
			},
			"default": "open",
		},
	}
	node := buildNode(t, New(), ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"day": "sun"})
	require.NoError(t, err)
	require.Equal(t, "closed", out.(map[string]any)["switch_target"])

	out, err = node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"day": "tue"})
	require.NoError(t, err)
	require.Equal(t, "open", out.(map[string]any)["switch_target"])
}

func TestSwitchCaseInsensitive(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "sw",
		Kind: workflow.NodeSwitch,
		Config: map[string]any{
			"switch_field":   "status",
			"case_sensitive": false,
			"cases": []any{
				map[string]any{"case": "OPEN", "target": "handle_open"},
			},
		},
	}
	node := buildNode(t, New(), ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"status": "open"})
	require.NoError(t, err)
	require.Equal(t, "handle_open", out.(map[string]any)["switch_target"])
}

func TestSwitchNumericLooseMatch(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "sw",
		Kind: workflow.NodeSwitch,
		Config: map[string]any{
			"switch_field": "code",
			"cases": []any{
				map[string]any{"case": 5, "target": "five"},
			},
			"default": "other",
		},
	}
	node := buildNode(t, New(), ns)

	// Config numbers decode as float64 while payloads may carry ints.
	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"code": 5})
	require.NoError(t, err)
	require.Equal(t, "five", out.(map[string]any)["switch_target"])
}

func TestSwitchReadsValueField(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "sw",
		Kind: workflow.NodeSwitch,
		Config: map[string]any{
			"cases": []any{
				map[string]any{"case": "a", "target": "na"},
			},
			"default": "nd",
		},
	}
	node := buildNode(t, New(), ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{"value": "a"})
	require.NoError(t, err)
	require.Equal(t, "na", out.(map[string]any)["switch_target"])
}

func TestSwitchDottedField(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "sw",
		Kind: workflow.NodeSwitch,
		Config: map[string]any{
			"switch_field": "user.role",
			"cases": []any{
				map[string]any{"case": "admin", "target": "admin_flow"},
			},
			"default": "user_flow",
		},
	}
	node := buildNode(t, New(), ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{
		"user": map[string]any{"role": "admin"},
	})
	require.NoError(t, err)
	require.Equal(t, "admin_flow", out.(map[string]any)["switch_target"])
}

func TestSwitchCaseWithoutTargetFailsBuild(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "sw",
		Kind: workflow.NodeSwitch,
		Config: map[string]any{
			"cases": []any{map[string]any{"case": "a"}},
		},
	}
	_, err := New().Build(ns)
	require.Error(t, err)
}
