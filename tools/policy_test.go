package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopeAuthorizer(t *testing.T) {
	auth := ScopeAuthorizer{}
	ctx := context.Background()
	open := &Spec{ToolName: "weather"}
	gated := &Spec{ToolName: "refund", Permissions: []string{"payments:write"}}

	require.NoError(t, auth.Authorize(ctx, nil, open))

	err := auth.Authorize(ctx, nil, gated)
	require.True(t, IsKind(err, KindSecurity))
	require.Contains(t, err.Error(), "no principal")

	err = auth.Authorize(ctx, &Principal{ID: "u1", Roles: []string{"viewer"}}, gated)
	require.True(t, IsKind(err, KindSecurity))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, []string{"payments:write"}, terr.Details["required"])

	require.NoError(t, auth.Authorize(ctx, &Principal{ID: "u1", Scopes: []string{"PAYMENTS:WRITE"}}, gated))
	require.NoError(t, auth.Authorize(ctx, &Principal{ID: "u1", Roles: []string{"payments:write"}}, gated))
}

func TestAllowBlockPolicy(t *testing.T) {
	ctx := context.Background()
	spec := &Spec{ToolName: "refund"}

	require.Equal(t, "allow_block", AllowBlockPolicy{}.Name())

	t.Run("block wins over allow", func(t *testing.T) {
		p := AllowBlockPolicy{Allow: []string{"refund"}, Block: []string{"Refund"}}
		err := p.Check(ctx, spec, nil)
		require.True(t, IsKind(err, KindPolicy))
		require.Contains(t, err.Error(), "blocked")
	})

	t.Run("empty allow admits unblocked tools", func(t *testing.T) {
		p := AllowBlockPolicy{Block: []string{"transfer"}}
		require.NoError(t, p.Check(ctx, spec, nil))
	})

	t.Run("allow list is exhaustive", func(t *testing.T) {
		p := AllowBlockPolicy{Allow: []string{"weather", "REFUND"}}
		require.NoError(t, p.Check(ctx, spec, nil))

		err := p.Check(ctx, &Spec{ToolName: "transfer"}, nil)
		require.True(t, IsKind(err, KindPolicy))
		require.Contains(t, err.Error(), "not in the allow list")
	})
}

func TestPolicyFunc(t *testing.T) {
	veto := errors.New("after hours")
	p := PolicyFunc{
		PolicyName: "business_hours",
		Fn: func(_ context.Context, _ *Spec, args map[string]any) error {
			if args["force"] == true {
				return nil
			}
			return veto
		},
	}
	require.Equal(t, "business_hours", p.Name())
	require.NoError(t, p.Check(context.Background(), &Spec{}, map[string]any{"force": true}))
	require.ErrorIs(t, p.Check(context.Background(), &Spec{}, nil), veto)
}
