package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewWorkflowStartedEvent("wf", "exec", nil)))
	require.NoError(t, bus.Publish(ctx, NewWorkflowCompletedEvent("wf", "exec", StatusSuccess, "done", nil, time.Second)))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(context.Background(), NewNodeStartedEvent("wf", "exec", "n1")))
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	reached := false

	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		return boom
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		reached = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(context.Background(), NewNodeFailedEvent("wf", "exec", "n1", errors.New("node")))
	require.ErrorIs(t, err, boom)
	require.False(t, reached, "later subscribers should not run after an error")
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewWorkflowStartedEvent("wf", "exec", nil)))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	require.NoError(t, bus.Publish(ctx, NewWorkflowCompletedEvent("wf", "exec", StatusSuccess, nil, nil, 0)))
	require.Equal(t, 1, count)
}

func TestEventMetadata(t *testing.T) {
	before := time.Now().UnixMilli()
	evt := NewToolCallCompletedEvent("wf", "exec", "n1", "lookup_order", true, false, 2, 150*time.Millisecond, nil)
	require.Equal(t, ToolCallCompleted, evt.Type())
	require.Equal(t, "wf", evt.WorkflowID())
	require.Equal(t, "exec", evt.ExecutionID())
	require.GreaterOrEqual(t, evt.Timestamp(), before)
	require.Equal(t, 2, evt.Attempts)
}
