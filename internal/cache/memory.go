package cache

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	expiresAt  time.Time
	accessedAt time.Time
	value      []byte
}

// MemoryBackend is an in-process Backend for tests and embedded runs.
// Eviction approximates allkeys-lru against the configured byte ceiling.
type MemoryBackend struct {
	entries   map[string]*memoryEntry
	maxBytes  int64
	usedBytes int64
	evictions int64
	mu        sync.RWMutex
}

// Compile-time check that MemoryBackend implements Backend.
var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an in-process backend. maxBytes <= 0 disables
// eviction.
func NewMemoryBackend(maxBytes int64) *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]*memoryEntry),
		maxBytes: maxBytes,
	}
}

// Get retrieves a raw value, expiring it lazily.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if now.After(e.expiresAt) {
		b.usedBytes -= int64(len(e.value))
		delete(b.entries, key)
		return nil, ErrNotFound
	}
	e.accessedAt = now

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// SetEx stores a value with a TTL.
func (b *MemoryBackend) SetEx(_ context.Context, key string, ttl time.Duration, value []byte) error {
	if ttl < time.Second {
		ttl = time.Second
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[key]; ok {
		b.usedBytes -= int64(len(old.value))
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	now := time.Now()
	b.entries[key] = &memoryEntry{
		value:      stored,
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	}
	b.usedBytes += int64(len(stored))
	b.evictLocked()
	return nil
}

// evictLocked drops least-recently-accessed entries until under the ceiling.
func (b *MemoryBackend) evictLocked() {
	if b.maxBytes <= 0 || b.usedBytes <= b.maxBytes {
		return
	}

	type aged struct {
		accessedAt time.Time
		key        string
	}
	order := make([]aged, 0, len(b.entries))
	for k, e := range b.entries {
		order = append(order, aged{key: k, accessedAt: e.accessedAt})
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].accessedAt.Before(order[j].accessedAt)
	})

	for _, a := range order {
		if b.usedBytes <= b.maxBytes {
			return
		}
		if e, ok := b.entries[a.key]; ok {
			b.usedBytes -= int64(len(e.value))
			delete(b.entries, a.key)
			b.evictions++
		}
	}
}

// MGet retrieves many values; missing keys yield nil slots.
func (b *MemoryBackend) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, err := b.Get(ctx, k); err == nil {
			out[i] = v
		}
	}
	return out, nil
}

// Del removes keys and returns how many existed.
func (b *MemoryBackend) Del(_ context.Context, keys ...string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deleted := 0
	for _, k := range keys {
		if e, ok := b.entries[k]; ok {
			b.usedBytes -= int64(len(e.value))
			delete(b.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

// Keys lists live keys matching a glob pattern.
func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	var keys []string
	for k, e := range b.entries {
		if now.After(e.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// DBSize returns the number of live keys.
func (b *MemoryBackend) DBSize(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	var n int64
	for _, e := range b.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n, nil
}

// Info reports memory usage and eviction count.
func (b *MemoryBackend) Info(_ context.Context) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]string{
		"used_memory":  strconv.FormatInt(b.usedBytes, 10),
		"evicted_keys": strconv.FormatInt(b.evictions, 10),
	}, nil
}

// Ping always succeeds for the in-process backend.
func (b *MemoryBackend) Ping(_ context.Context) error { return nil }

// BatchSetEx stores all items; the in-process map needs no pipelining.
func (b *MemoryBackend) BatchSetEx(ctx context.Context, items []BatchItem) error {
	for _, item := range items {
		if err := b.SetEx(ctx, item.Key, item.TTL, item.Value); err != nil {
			return err
		}
	}
	return nil
}

// Close drops all entries.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.entries = make(map[string]*memoryEntry)
	b.usedBytes = 0
	b.mu.Unlock()
	return nil
}
