package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Backend is the persistence surface the cache reads/writes through —
// satisfied by *persistence.Store, kept as a narrow interface here so
// enrichment never holds a direct handle into the store's internals, per
// spec.md §9's "shared mutable caches ... no direct handle to the inner map
// is exposed" redesign note.
type Backend interface {
	CacheGet(ctx context.Context, key string, now time.Time) (string, bool, error)
	CacheSet(ctx context.Context, key, valueJSON string, expiresAt time.Time) error
}

// TTLs per endpoint per spec.md §4.3.
const (
	TTLMarketMetadata = 30 * time.Minute
	TTLWalletMapping  = 24 * time.Hour
	TTLWalletPnL      = time.Hour
)

// Cache is a DB-backed get_or_compute cache keyed by (endpoint, args), with
// single-flight semantics: concurrent requests for the same key share one
// pending load instead of stampeding the upstream.
type Cache struct {
	backend Backend
	group   singleflight.Group
	now     func() time.Time
}

// NewCache wraps backend in a single-flight, TTL'd get-or-compute cache.
func NewCache(backend Backend) *Cache {
	return &Cache{backend: backend, now: time.Now}
}

// GetOrCompute returns the cached value for key if present and unexpired,
// otherwise calls load exactly once per concurrent burst of callers sharing
// key and caches the result for ttl.
func GetOrCompute[T any](c *Cache, ctx context.Context, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	now := c.now()

	if raw, ok, err := c.backend.CacheGet(ctx, key, now); err == nil && ok {
		var cached T
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return cached, nil
		}
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		val, loadErr := load(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		if data, marshalErr := json.Marshal(val); marshalErr == nil {
			_ = c.backend.CacheSet(ctx, key, string(data), now.Add(ttl))
		}
		return val, nil
	})
	if err != nil {
		return zero, fmt.Errorf("enrichment: load %s: %w", key, err)
	}
	return result.(T), nil
}
