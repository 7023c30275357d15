package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

type (
	// Principal identifies the caller for permission checks.
	Principal struct {
		ID     string   `json:"id"`
		Roles  []string `json:"roles,omitempty"`
		Scopes []string `json:"scopes,omitempty"`
	}

	// Authorizer decides whether a principal may invoke a tool. It runs
	// before policies and maps failures to tool_security_error.
	Authorizer interface {
		Authorize(ctx context.Context, principal *Principal, spec *Spec) error
	}

	// Policy is a named pre-execution gate. Policies run after
	// authorization and may veto the call based on the arguments.
	Policy interface {
		Name() string
		Check(ctx context.Context, spec *Spec, args map[string]any) error
	}

	// ScopeAuthorizer grants access when the principal holds at least one
	// of the permissions the tool declares. Tools with no declared
	// permissions are open.
	ScopeAuthorizer struct{}

	// AllowBlockPolicy gates tools by name. A block entry wins over an
	// allow entry; an empty allow list admits every tool not blocked.
	AllowBlockPolicy struct {
		Allow []string
		Block []string
	}

	// PolicyFunc adapts a function to Policy.
	PolicyFunc struct {
		PolicyName string
		Fn         func(ctx context.Context, spec *Spec, args map[string]any) error
	}
)

// Authorize implements Authorizer.
func (ScopeAuthorizer) Authorize(_ context.Context, principal *Principal, spec *Spec) error {
	if len(spec.Permissions) == 0 {
		return nil
	}
	if principal == nil {
		return NewError(KindSecurity, "tool %q requires permissions and no principal was provided", spec.Name())
	}
	held := make([]string, 0, len(principal.Roles)+len(principal.Scopes))
	held = append(held, principal.Roles...)
	held = append(held, principal.Scopes...)
	for _, required := range spec.Permissions {
		for _, h := range held {
			if strings.EqualFold(required, h) {
				return nil
			}
		}
	}
	return NewError(KindSecurity, "principal %q lacks permission for tool %q", principal.ID, spec.Name()).
		WithDetails("required", spec.Permissions)
}

// Name implements Policy.
func (AllowBlockPolicy) Name() string { return "allow_block" }

// Check implements Policy.
func (p AllowBlockPolicy) Check(_ context.Context, spec *Spec, _ map[string]any) error {
	name := spec.Name()
	if slices.ContainsFunc(p.Block, func(b string) bool { return strings.EqualFold(b, name) }) {
		return NewError(KindPolicy, "tool %q is blocked", name)
	}
	if len(p.Allow) == 0 {
		return nil
	}
	if slices.ContainsFunc(p.Allow, func(a string) bool { return strings.EqualFold(a, name) }) {
		return nil
	}
	return NewError(KindPolicy, "tool %q is not in the allow list", name)
}

// Name implements Policy.
func (p PolicyFunc) Name() string { return p.PolicyName }

// Check implements Policy.
func (p PolicyFunc) Check(ctx context.Context, spec *Spec, args map[string]any) error {
	return p.Fn(ctx, spec, args)
}
