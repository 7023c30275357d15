package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/flow/tools"
)

func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts.Client = client
	st, err := New(opts)
	require.NoError(t, err)
	return st, mr
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	st, _ := newTestStore(t, Options{})
	ctx := context.Background()

	entry := &tools.IdempotencyEntry{
		Result:   &tools.Result{Success: true, Content: map[string]any{"total": 42.0}},
		ArgsHash: "abc123",
	}
	require.NoError(t, st.Put(ctx, "tool:billing:abc123", entry, time.Minute))

	got, hit, err := st.Get(ctx, "tool:billing:abc123")
	require.NoError(t, err)
	require.True(t, hit)
	require.True(t, got.Result.Success)
	require.Equal(t, "abc123", got.ArgsHash)
	require.Equal(t, map[string]any{"total": 42.0}, got.Result.Content)
}

func TestStoreMiss(t *testing.T) {
	st, _ := newTestStore(t, Options{})

	got, hit, err := st.Get(context.Background(), "tool:billing:missing")
	require.NoError(t, err)
	require.False(t, hit)
	require.Nil(t, got)
}

func TestStoreExpiry(t *testing.T) {
	st, mr := newTestStore(t, Options{})
	ctx := context.Background()

	entry := &tools.IdempotencyEntry{Result: &tools.Result{Success: true}}
	require.NoError(t, st.Put(ctx, "k", entry, time.Second))

	mr.FastForward(2 * time.Second)

	_, hit, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestStoreDefaultTTL(t *testing.T) {
	st, mr := newTestStore(t, Options{})

	entry := &tools.IdempotencyEntry{Result: &tools.Result{Success: true}}
	require.NoError(t, st.Put(context.Background(), "k", entry, 0))

	require.Equal(t, DefaultEntryTTL, mr.TTL(defaultKeyPrefix+"k"))
}

func TestStoreKeyPrefix(t *testing.T) {
	st, mr := newTestStore(t, Options{KeyPrefix: "agency:idem:"})

	entry := &tools.IdempotencyEntry{Result: &tools.Result{Success: true}}
	require.NoError(t, st.Put(context.Background(), "k", entry, time.Minute))

	require.True(t, mr.Exists("agency:idem:k"))
}

func TestStoreCorruptEntry(t *testing.T) {
	st, mr := newTestStore(t, Options{})
	require.NoError(t, mr.Set(defaultKeyPrefix+"k", "{not json"))

	_, _, err := st.Get(context.Background(), "k")
	require.ErrorContains(t, err, "decode idempotency entry")
}

func TestStoreHealth(t *testing.T) {
	st, mr := newTestStore(t, Options{})

	require.Equal(t, "idempotency-redis", st.Name())
	require.NoError(t, st.Ping(context.Background()))

	mr.Close()
	require.Error(t, st.Ping(context.Background()))
}

func TestRuntimeReplaysThroughStore(t *testing.T) {
	st, _ := newTestStore(t, Options{})

	var calls atomic.Int32
	rt := tools.NewRuntime(
		tools.WithIdempotencyStore(st),
		tools.WithFunction("charge", func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{"charged": args["amount"]}, nil
		}),
	)
	spec := &tools.Spec{
		ID:          "charge",
		Version:     "1.0.0",
		ToolName:    "charge",
		ToolType:    tools.TypeFunction,
		Idempotency: &tools.IdempotencyPolicy{Enabled: true, TTLS: 60},
	}
	args := map[string]any{"amount": 12.5}

	first, err := rt.Call(context.Background(), spec, args)
	require.NoError(t, err)
	require.True(t, first.Success)
	require.False(t, first.Replayed)

	second, err := rt.Call(context.Background(), spec, args)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, int32(1), calls.Load())
}
