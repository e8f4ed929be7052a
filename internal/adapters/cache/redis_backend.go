package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix isolates this service's entries on a Redis instance shared with
// the rest of the platform.
const keyPrefix = "authz:"

// RedisBackend implements the cache contract against a shared Redis. All keys
// carry the service prefix; callers never see it.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Name() string { return "redis" }

// Close releases the underlying client. The memory backend has no equivalent,
// so shutdown code discovers this method by assertion.
func (b *RedisBackend) Close() error { return b.client.Close() }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	return b.client.Del(ctx, prefixed...).Err()
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys walks SCAN with the glob pattern. SCAN keeps the server responsive on
// large keyspaces where KEYS would block.
func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, keyPrefix+pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			out = append(out, strings.TrimPrefix(key, keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (b *RedisBackend) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = keyPrefix + key
	}
	values, err := b.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, value := range values {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (b *RedisBackend) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for key, value := range entries {
			p.Set(ctx, keyPrefix+key, value, ttl)
		}
		return nil
	})
	return err
}
