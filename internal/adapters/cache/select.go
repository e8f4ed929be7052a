package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/costwise/session-security-service/internal/ports"
)

// SelectBackend picks the cache backend once at startup. An empty redisURL
// means Redis was deliberately left unconfigured; a configured but unreachable
// Redis degrades to the in-process backend rather than failing boot. The
// choice is logged exactly once and never revisited at runtime.
func SelectBackend(ctx context.Context, logger *slog.Logger, redisURL string, connectTimeout time.Duration) ports.CacheBackend {
	if redisURL == "" {
		logger.Info("cache backend selected",
			"service", "session-security-service",
			"backend", "memory",
			"reason", "redis_not_configured",
		)
		return NewMemoryBackend()
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := Connect(dialCtx, redisURL)
	if err == nil {
		err = client.Ping(dialCtx).Err()
	}
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		logger.Warn("cache backend selected",
			"service", "session-security-service",
			"backend", "memory",
			"reason", "redis_unreachable",
			"error", err,
		)
		return NewMemoryBackend()
	}

	logger.Info("cache backend selected",
		"service", "session-security-service",
		"backend", "redis",
	)
	return NewRedisBackend(client)
}
