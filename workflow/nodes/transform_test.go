package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/workflow"
)

func TestTransformNodeMap(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "t",
		Kind: workflow.NodeTransform,
		Config: map[string]any{
			"transform_type": "MAP",
			"mapping": map[string]any{
				"who":   "$input.user.name",
				"greet": "hello",
			},
		},
	}
	node := buildNode(t, New(), ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{
		"user": map[string]any{"name": "Sam"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"who": "Sam", "greet": "hello"}, out)
}

func TestTransformNodeTemplate(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "t",
		Kind: workflow.NodeTransform,
		Config: map[string]any{
			"transform_type": "TEMPLATE",
			"template":       "Order {id} is {status}",
		},
	}
	node := buildNode(t, New(), ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{
		"id":     "o-1",
		"status": "shipped",
	})
	require.NoError(t, err)
	require.Equal(t, "Order o-1 is shipped", out)
}

func TestTransformNodeNestedConfig(t *testing.T) {
	ns := &workflow.NodeSpec{
		ID:   "t",
		Kind: workflow.NodeTransform,
		Config: map[string]any{
			"transform": map[string]any{
				"transform_type": "EXTRACT",
				"fields":         []any{"name"},
			},
		},
	}
	node := buildNode(t, New(), ns)

	out, err := node.Execute(context.Background(), workflow.NewContext("wf"), map[string]any{
		"name": "Sam", "noise": 1,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "Sam"}, out)
}

func TestTransformNodeRequiresKind(t *testing.T) {
	ns := &workflow.NodeSpec{ID: "t", Kind: workflow.NodeTransform}
	_, err := New().Build(ns)
	require.Error(t, err)
	require.True(t, workflow.IsKind(err, workflow.KindNodeValidation))
}
