// Package hooks publishes execution lifecycle events to registered
// subscribers. The bus fans events out synchronously in the publisher's
// goroutine and stops at the first subscriber error, so critical subscribers
// such as persistence layers can halt an execution they cannot record.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes events to registered subscribers. Safe for concurrent
	// Publish and Register.
	Bus interface {
		// Publish delivers the event to every registered subscriber in
		// registration order, stopping at the first error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a handle that unregisters
		// it when closed. Returns an error when sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events. Return an error only when the
	// failure should halt the execution; log and swallow everything else so
	// later subscribers still run.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription is an active registration. Close is idempotent and
	// always returns nil.
	Subscription interface {
		Close() error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	bus struct {
		mu      sync.RWMutex
		entries []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// NewBus returns an empty in-memory bus.
func NewBus() Bus {
	return &bus{}
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.entries))
	for _, e := range b.entries {
		subs = append(subs, e.sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.entries = append(b.entries, s)
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, e := range s.bus.entries {
			if e == s {
				s.bus.entries = append(s.bus.entries[:i], s.bus.entries[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
