package tools

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := NewError(KindValidation, "bad argument %q", "city")
	require.Equal(t, `tool_validation_error: bad argument "city"`, plain.Error())

	cause := errors.New("socket closed")
	wrapped := WrapError(KindExecution, cause, "call failed")
	require.Equal(t, "tool_execution_error: call failed: socket closed", wrapped.Error())
	require.ErrorIs(t, wrapped, cause)
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(KindTimeout, "too slow"))
	require.True(t, IsKind(err, KindTimeout))
	require.False(t, IsKind(err, KindExecution))
	require.Equal(t, KindTimeout, KindOf(err))
	require.True(t, errors.Is(err, &Error{Kind: KindTimeout}))
	require.True(t, errors.Is(err, &Error{}), "empty kind matches any tool error")

	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
	require.False(t, IsKind(nil, KindTimeout))
}

func TestErrorDetails(t *testing.T) {
	err := NewError(KindExecution, "boom").WithDetails("status_code", 503, "endpoint", "/pay")
	require.Equal(t, 503, err.Details["status_code"])
	require.Equal(t, "/pay", err.Details["endpoint"])
	require.Equal(t, 503, StatusCode(err))

	fromJSON := NewError(KindExecution, "boom").WithDetails("status_code", float64(429))
	require.Equal(t, 429, StatusCode(fromJSON))

	require.Zero(t, StatusCode(errors.New("plain")))
	require.Zero(t, StatusCode(NewError(KindExecution, "no status")))

	odd := NewError(KindExecution, "odd").WithDetails("dangling")
	require.Empty(t, odd.Details)
	skipped := NewError(KindExecution, "skip").WithDetails(42, "value")
	require.Empty(t, skipped.Details)
}
