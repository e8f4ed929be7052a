package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryBackend is the in-process fallback used when Redis is unconfigured or
// unreachable at startup. Entries expire lazily on read, so a quiet key can
// outlive its TTL in memory but is never served after it.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	entry, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if b.expired(entry) {
		b.mu.Lock()
		if current, ok := b.entries[key]; ok && b.expired(current) {
			delete(b.entries, key)
		}
		b.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = b.nowFn().Add(ttl)
	}
	b.mu.Lock()
	b.entries[key] = entry
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	for _, key := range keys {
		delete(b.entries, key)
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Keys matches the same glob dialect Redis SCAN uses for the patterns this
// service builds: * and ? over colon-delimited keys. Keys contain no path
// separators, so path.Match gives identical results.
func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for key, entry := range b.entries {
		if b.expired(entry) {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (b *MemoryBackend) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

func (b *MemoryBackend) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for key, value := range entries {
		if err := b.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && b.nowFn().After(entry.expiresAt)
}
