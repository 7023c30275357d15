// Package redis provides a Redis-backed idempotency store for the tools
// runtime. Entries are stored as JSON under a configurable key prefix with
// Redis-managed expiry, so replay state survives restarts and is shared
// across nodes pointing at the same Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"goa.design/flow/tools"
)

const (
	defaultKeyPrefix = "flow:idempotency:"
	defaultTimeout   = 5 * time.Second
	storeName        = "idempotency-redis"
)

// DefaultEntryTTL bounds entries whose call provides no TTL.
const DefaultEntryTTL = 24 * time.Hour

type (
	// Options configures the store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *goredis.Client
		// KeyPrefix namespaces entries. Defaults to "flow:idempotency:".
		KeyPrefix string
		// DefaultTTL applies when a call provides no TTL. Defaults to
		// DefaultEntryTTL.
		DefaultTTL time.Duration
		// Timeout bounds individual Redis operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store persists idempotency entries in Redis.
	Store struct {
		rdb        *goredis.Client
		prefix     string
		defaultTTL time.Duration
		timeout    time.Duration
	}
)

var (
	_ tools.IdempotencyStore = (*Store)(nil)
	_ health.Pinger          = (*Store)(nil)
)

// New creates a store over the provided connected client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{rdb: opts.Client, prefix: prefix, defaultTTL: ttl, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Get returns the entry for key if present. Redis owns expiry, so a miss
// covers both never-stored and expired keys.
func (s *Store) Get(ctx context.Context, key string) (*tools.IdempotencyEntry, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var entry tools.IdempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &entry, true, nil
}

// Put stores entry under key. A zero ttl falls back to the store default so
// external entries always expire.
func (s *Store) Put(ctx context.Context, key string, entry *tools.IdempotencyEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency entry: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
