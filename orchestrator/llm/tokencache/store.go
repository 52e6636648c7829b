// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package tokencache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store persists cached tokens. Implementations must be safe for concurrent
// use; staleness is always re-checked by the Cache on read, so a Store may
// return expired tokens without harm.
type Store interface {
	// Get returns the cached token for key, if any.
	Get(ctx context.Context, key string) (string, bool)

	// Put stores a token under key. A positive ttl bounds its retention;
	// zero means the store's own policy applies.
	Put(ctx context.Context, key string, token string, ttl time.Duration)
}

// MemoryStore is the default process-wide in-memory token store.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]string)}
}

// Get returns the cached token for key, if any.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[key]
	return token, ok
}

// Put stores a token under key. Expiry is enforced by the Cache on read,
// so the in-memory store keeps entries until overwritten.
func (s *MemoryStore) Put(_ context.Context, key string, token string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = token
}

// RedisStore backs the token cache with Redis so multiple processes share
// one exchange per credential.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store for the given address.
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// NewRedisStoreFromClient wraps an existing Redis client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the cached token for key, if any. Redis errors degrade to a
// cache miss: the caller falls back to a fresh exchange.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	token, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return token, true
}

// Put stores a token under key with the token's own lifetime as TTL.
func (s *RedisStore) Put(ctx context.Context, key string, token string, ttl time.Duration) {
	if ttl <= 0 {
		// Unknown expiry: keep briefly so a bad token cannot linger.
		ttl = time.Minute
	}
	_ = s.client.Set(ctx, key, token, ttl).Err()
}

// Ensure implementations satisfy the interface.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
