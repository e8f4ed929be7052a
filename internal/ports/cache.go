package ports

import (
	"context"
	"time"
)

// CacheBackend is the shared key/value contract behind permission caching.
// Two implementations exist (in-process map, Redis), selected at startup; the
// cache is advisory, so callers must treat every miss, expiry, or backend
// error as "recompute from source of truth".
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys expands a glob pattern (* wildcard) into the matching keys.
	Keys(ctx context.Context, pattern string) ([]string, error)
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
	// Name identifies the selected implementation in logs and health output.
	Name() string
}
