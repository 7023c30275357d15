package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type (
	// IdempotencyEntry is a stored call outcome plus the hash of the full
	// argument set that produced it. The hash detects key collisions where
	// the declared key fields match but the remaining arguments do not.
	IdempotencyEntry struct {
		Result   *Result `json:"result"`
		ArgsHash string  `json:"args_hash"`
	}

	// IdempotencyStore persists call outcomes keyed by idempotency key.
	IdempotencyStore interface {
		Get(ctx context.Context, key string) (*IdempotencyEntry, bool, error)
		Put(ctx context.Context, key string, entry *IdempotencyEntry, ttl time.Duration) error
	}

	// MemoryIdempotencyStore is the in-process store used when no external
	// backend is configured.
	MemoryIdempotencyStore struct {
		mu      sync.Mutex
		entries map[string]memEntry
	}

	memEntry struct {
		entry   *IdempotencyEntry
		expires time.Time
	}
)

// NewMemoryIdempotencyStore returns an empty in-process store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memEntry)}
}

// Get returns the entry for key if present and unexpired.
func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.entry, true, nil
}

// Put stores entry under key. A zero ttl keeps it until process exit.
func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, entry *IdempotencyEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.entries[key] = memEntry{entry: entry, expires: expires}
	return nil
}

// IdempotencyKey derives the store key for a call: tool name plus a digest of
// the key fields (all arguments when none are declared).
func IdempotencyKey(spec *Spec, args map[string]any) string {
	fields := args
	if spec.Idempotency != nil && len(spec.Idempotency.KeyFields) > 0 {
		fields = make(map[string]any, len(spec.Idempotency.KeyFields))
		for _, f := range spec.Idempotency.KeyFields {
			if v, ok := args[f]; ok {
				fields[f] = v
			}
		}
	}
	return fmt.Sprintf("tool:%s:%s", spec.Name(), hashArgs(fields))
}

// hashArgs produces a stable digest over the arguments by hashing keys in
// sorted order.
func hashArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		raw, err := json.Marshal(args[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", args[k]))
		}
		h.Write(raw)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
