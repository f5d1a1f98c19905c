// Package cache provides a generic TTL cache on top of a durable
// key-value store. Expiry is lazy: correctness never depends on a
// background sweep.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edline/chatsync/internal/kv"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Entry is the stored envelope around a cached value.
type Entry[T any] struct {
	Data      T         `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Cache is a TTL cache for values of type T. All entries live under the
// cache's key prefix in the backing store, so independent caches can share
// one store without colliding.
type Cache[T any] struct {
	store  kv.Store
	prefix string

	now func() time.Time // overridable in tests
}

// New builds a cache over store. prefix namespaces its keys.
func New[T any](store kv.Store, prefix string) *Cache[T] {
	return &Cache[T]{store: store, prefix: prefix, now: time.Now}
}

func (c *Cache[T]) key(k string) string {
	return c.prefix + k
}

// Set stores value under key with the given TTL. A non-positive TTL makes
// the entry immediately expired.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	now := c.now()
	entry := Entry[T]{
		Data:      value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.store.Put(ctx, c.key(key), raw); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Get returns the live value for key. An entry past its expiry behaves as
// a miss and is evicted as a side effect.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	raw, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return zero, ErrMiss
		}
		return zero, fmt.Errorf("load cache entry: %w", err)
	}

	var entry Entry[T]
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Unreadable entries are treated as absent and dropped.
		_ = c.store.Delete(ctx, c.key(key))
		return zero, ErrMiss
	}

	if c.now().After(entry.ExpiresAt) {
		_ = c.store.Delete(ctx, c.key(key))
		return zero, ErrMiss
	}

	return entry.Data, nil
}

// Remove evicts key.
func (c *Cache[T]) Remove(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.key(key))
}

// Clear evicts every entry belonging to this cache.
func (c *Cache[T]) Clear(ctx context.Context) error {
	keys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return fmt.Errorf("list cache keys: %w", err)
	}
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("evict %q: %w", k, err)
		}
	}
	return nil
}

// Keys lists the keys of every entry belonging to this cache, expired
// entries included.
func (c *Cache[T]) Keys(ctx context.Context) ([]string, error) {
	raw, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, c.prefix))
	}
	return keys, nil
}

// GetOrFetch returns the cached value if a live entry exists; otherwise it
// awaits fetch, stores the result with ttl, and returns it. A fetch failure
// propagates to the caller — the cache never silently serves stale data.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (T, error), ttl time.Duration) (T, error) {
	if v, err := c.Get(ctx, key); err == nil {
		return v, nil
	} else if !errors.Is(err, ErrMiss) {
		var zero T
		return zero, err
	}

	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if err := c.Set(ctx, key, v, ttl); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
