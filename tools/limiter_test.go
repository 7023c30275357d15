package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterConcurrency(t *testing.T) {
	l := newLimiter(&LimitPolicy{MaxConcurrent: 1})
	ctx := context.Background()

	release, err := l.acquire(ctx, 0)
	require.NoError(t, err)

	_, err = l.acquire(ctx, 0)
	require.True(t, IsKind(err, KindLimitExceeded))

	release()
	release, err = l.acquire(ctx, 0)
	require.NoError(t, err)
	release()
}

func TestLimiterConcurrencyWait(t *testing.T) {
	l := newLimiter(&LimitPolicy{MaxConcurrent: 1})
	ctx := context.Background()

	release, err := l.acquire(ctx, 0)
	require.NoError(t, err)

	_, err = l.acquire(ctx, 20*time.Millisecond)
	require.True(t, IsKind(err, KindLimitExceeded))
	require.Contains(t, err.Error(), "concurrency slot")

	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	release, err = l.acquire(ctx, time.Second)
	require.NoError(t, err)
	release()
}

func TestLimiterRate(t *testing.T) {
	l := newLimiter(&LimitPolicy{RatePerSecond: 0.1, Burst: 1})
	ctx := context.Background()

	release, err := l.acquire(ctx, 0)
	require.NoError(t, err)
	release()

	_, err = l.acquire(ctx, 0)
	require.True(t, IsKind(err, KindLimitExceeded))
	require.Contains(t, err.Error(), "rate limit")

	// Waiting cannot help when the next token is ten seconds out.
	_, err = l.acquire(ctx, 20*time.Millisecond)
	require.True(t, IsKind(err, KindLimitExceeded))
	require.Contains(t, err.Error(), "rate token")
}

func TestLimiterRateRefill(t *testing.T) {
	l := newLimiter(&LimitPolicy{RatePerSecond: 50, Burst: 1})
	ctx := context.Background()

	release, err := l.acquire(ctx, 0)
	require.NoError(t, err)
	release()

	// The 50/s limiter mints the next token within the wait budget.
	release, err = l.acquire(ctx, time.Second)
	require.NoError(t, err)
	release()
}

func TestLimiterRateFailureReleasesSlot(t *testing.T) {
	l := newLimiter(&LimitPolicy{MaxConcurrent: 1, RatePerSecond: 0.1, Burst: 1})
	ctx := context.Background()

	release, err := l.acquire(ctx, 0)
	require.NoError(t, err)
	release()

	_, err = l.acquire(ctx, 0)
	require.True(t, IsKind(err, KindLimitExceeded))
	require.Zero(t, len(l.sem), "failed rate acquisition must return the concurrency slot")
}

func TestLimiterContextCancellation(t *testing.T) {
	l := newLimiter(&LimitPolicy{MaxConcurrent: 1})
	hold, err := l.acquire(context.Background(), 0)
	require.NoError(t, err)
	defer hold()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.acquire(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsKind(err, KindLimitExceeded))
}

func TestLimiterUnbounded(t *testing.T) {
	l := newLimiter(&LimitPolicy{})
	for range 10 {
		release, err := l.acquire(context.Background(), 0)
		require.NoError(t, err)
		release()
	}
}
