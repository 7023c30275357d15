package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "dial tcp: i/o timeout" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

func TestBackoffBounds(t *testing.T) {
	p := RetryPolicy{BaseDelayS: 1, Multiplier: 2, MaxDelayS: 4}

	// First retry: 1s scaled by jitter in [0.5, 1.5].
	d := p.backoff(1)
	require.GreaterOrEqual(t, d, 500*time.Millisecond)
	require.LessOrEqual(t, d, 1500*time.Millisecond)

	// Third retry would be 4s but the cap holds it there.
	d = p.backoff(3)
	require.GreaterOrEqual(t, d, 2*time.Second)
	require.LessOrEqual(t, d, 6*time.Second)

	// Out-of-range retry counts clamp to the first.
	d = p.backoff(0)
	require.LessOrEqual(t, d, 1500*time.Millisecond)
}

func TestRetryable(t *testing.T) {
	base := RetryPolicy{RetryOnStatus: []int{429, 503}}
	cases := []struct {
		name   string
		policy RetryPolicy
		err    error
		want   bool
	}{
		{"nil error", base, nil, false},
		{"canceled", base, fmt.Errorf("call: %w", context.Canceled), false},
		{"network error", base, fmt.Errorf("fetch: %w", fakeNetErr{}), true},
		{"deadline", base, context.DeadlineExceeded, true},
		{"timeout kind", base, NewError(KindTimeout, "slow"), true},
		{"status in set", base, NewError(KindExecution, "http 503").WithDetails("status_code", 503), true},
		{"status outside set", base, NewError(KindExecution, "http 404").WithDetails("status_code", 404), false},
		{
			"configured kind case-insensitive",
			RetryPolicy{RetryOn: []string{"TOOL_Policy_Error"}},
			NewError(KindPolicy, "blocked"),
			true,
		},
		{"execution with network message", base, NewError(KindExecution, "post: connection refused"), true},
		{
			"network heuristic off when kinds configured",
			RetryPolicy{RetryOn: []string{"tool_policy_error"}},
			NewError(KindExecution, "post: connection refused"),
			false,
		},
		{"plain error", base, errors.New("boom"), false},
		{"validation", base, NewError(KindValidation, "bad args"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.policy.retryable(tc.err))
		})
	}
}

func TestRetryPolicyNormalized(t *testing.T) {
	var missing *RetryPolicy
	n := missing.normalized()
	require.False(t, n.Enabled)

	n = (&RetryPolicy{Enabled: true}).normalized()
	require.Equal(t, 3, n.MaxAttempts)
	require.Equal(t, 0.5, n.BaseDelayS)
	require.Equal(t, float64(2), n.Multiplier)
	require.Equal(t, float64(30), n.MaxDelayS)
	require.Equal(t, DefaultRetryStatuses, n.RetryOnStatus)

	n = (&RetryPolicy{Enabled: true, MaxAttempts: 5, RetryOnStatus: []int{502}}).normalized()
	require.Equal(t, 5, n.MaxAttempts)
	require.Equal(t, []int{502}, n.RetryOnStatus)
}

func TestSleep(t *testing.T) {
	require.NoError(t, sleep(context.Background(), 0))
	require.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}
