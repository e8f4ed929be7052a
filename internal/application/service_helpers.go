package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/costwise/session-security-service/internal/domain"
)

// newSessionToken returns the opaque per-session identifier. 32 random bytes
// keeps guessing infeasible even though the token alone carries no bearer
// power.
func newSessionToken() string {
	return randomHex(32)
}

// randomHex returns a cryptographically random hex token.
func randomHex(bytesLen int) string {
	raw := make([]byte, bytesLen)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}

// tokenDigest is the log-safe form of a session token. Raw tokens never
// appear in log output.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// appendEvent writes an audit record, logging instead of failing the calling
// operation. The audit trail degrades before user-facing flows do.
func (s *Service) appendEvent(ctx context.Context, event domain.SecurityEvent) {
	if err := s.events.Insert(ctx, event); err != nil {
		slog.Default().ErrorContext(ctx, "failed to append security event",
			"service", serviceName,
			"module", "application",
			"layer", "application",
			"operation", "append_security_event",
			"outcome", "failure",
			"event_type", string(event.Type),
			"user_id", event.UserID,
			"error", err,
		)
	}
}

// cacheGetJSON reports whether key held a decodable value. Backend errors and
// corrupt payloads count as misses; the caller recomputes from source.
func (s *Service) cacheGetJSON(ctx context.Context, key string, out any) bool {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logCacheError(ctx, "get", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := unmarshalCached(raw, out); err != nil {
		s.logCacheError(ctx, "decode", key, err)
		return false
	}
	return true
}

// cacheSetJSON writes back a computed value, best-effort.
func (s *Service) cacheSetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := marshalCached(value)
	if err != nil {
		s.logCacheError(ctx, "encode", key, err)
		return
	}
	if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
		s.logCacheError(ctx, "set", key, err)
	}
}

func marshalCached(value any) ([]byte, error) {
	return json.Marshal(value)
}

func unmarshalCached(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

func (s *Service) logCacheError(ctx context.Context, op, key string, err error) {
	slog.Default().WarnContext(ctx, "cache operation failed; continuing without cache",
		"service", serviceName,
		"module", "application",
		"layer", "application",
		"operation", "cache_"+op,
		"outcome", "degraded",
		"cache_key", key,
		"backend", s.cache.Name(),
		"error", err,
	)
}
