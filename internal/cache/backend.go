// Package cache provides the typed cache layer for recall.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is missing or expired.
var ErrNotFound = errors.New("cache: key not found")

// BatchItem is one entry of a pipelined batch set.
type BatchItem struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Backend is the key-value contract the typed store runs on. Implementations
// are Redis (production) and an in-process map (tests, embedded runs).
// No server-side scripting is assumed.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Del(ctx context.Context, keys ...string) (int, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	DBSize(ctx context.Context) (int64, error)
	// Info returns backend statistics; recognized fields are
	// "used_memory" and "evicted_keys". Missing fields are omitted.
	Info(ctx context.Context) (map[string]string, error)
	Ping(ctx context.Context) error
	// BatchSetEx stores all items in one pipelined transaction when the
	// backend supports it.
	BatchSetEx(ctx context.Context, items []BatchItem) error
	Close() error
}
