package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
)

// Redis pool tuning.
const (
	redisMaxIdle     = 8
	redisIdleTimeout = 240 * time.Second
	redisDialTimeout = 5 * time.Second
)

// RedisBackend implements Backend on a Redis server via redigo.
type RedisBackend struct {
	log  zerolog.Logger
	pool *redis.Pool
}

// Compile-time check that RedisBackend implements Backend.
var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and pushes the eviction policy
// (allkeys-lru with the configured memory ceiling). The policy push is
// best-effort: managed Redis offerings often reject CONFIG SET.
func NewRedisBackend(addr, password string, maxMemoryBytes int64, log zerolog.Logger) (*RedisBackend, error) {
	pool := &redis.Pool{
		MaxIdle:     redisMaxIdle,
		IdleTimeout: redisIdleTimeout,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{redis.DialConnectTimeout(redisDialTimeout)}
			if password != "" {
				opts = append(opts, redis.DialPassword(password))
			}
			return redis.Dial("tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	b := &RedisBackend{
		pool: pool,
		log:  log.With().Str("component", "cache-redis").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	b.pushEvictionPolicy(ctx, maxMemoryBytes)
	return b, nil
}

// pushEvictionPolicy configures allkeys-lru semantics on the server.
func (b *RedisBackend) pushEvictionPolicy(ctx context.Context, maxMemoryBytes int64) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return
	}
	defer conn.Close()

	if maxMemoryBytes > 0 {
		if _, err := redis.DoContext(conn, ctx, "CONFIG", "SET", "maxmemory", strconv.FormatInt(maxMemoryBytes, 10)); err != nil {
			b.log.Warn().Err(err).Msg("CONFIG SET maxmemory rejected")
		}
	}
	if _, err := redis.DoContext(conn, ctx, "CONFIG", "SET", "maxmemory-policy", "allkeys-lru"); err != nil {
		b.log.Warn().Err(err).Msg("CONFIG SET maxmemory-policy rejected")
	}
}

// Get retrieves a raw value.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	return data, err
}

// SetEx stores a value with a TTL.
func (b *RedisBackend) SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ttlSec := int64(ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	_, err = redis.DoContext(conn, ctx, "SETEX", key, ttlSec, value)
	return err
}

// MGet retrieves many values; missing keys yield nil slots.
func (b *RedisBackend) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	values, err := redis.ByteSlices(redis.DoContext(conn, ctx, "MGET", args...))
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Del removes keys and returns how many existed.
func (b *RedisBackend) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return redis.Int(redis.DoContext(conn, ctx, "DEL", args...))
}

// Keys lists keys matching a glob pattern.
func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return redis.Strings(redis.DoContext(conn, ctx, "KEYS", pattern))
}

// DBSize returns the number of keys in the database.
func (b *RedisBackend) DBSize(ctx context.Context) (int64, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	return redis.Int64(redis.DoContext(conn, ctx, "DBSIZE"))
}

// Info returns parsed fields from the INFO command.
func (b *RedisBackend) Info(ctx context.Context) (map[string]string, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.String(redis.DoContext(conn, ctx, "INFO"))
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(raw, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			fields[line[:idx]] = line[idx+1:]
		}
	}
	return fields, nil
}

// Ping round-trips the connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// BatchSetEx stores all items in a single MULTI/EXEC transaction.
func (b *RedisBackend) BatchSetEx(ctx context.Context, items []BatchItem) error {
	if len(items) == 0 {
		return nil
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	for _, item := range items {
		ttlSec := int64(item.TTL / time.Second)
		if ttlSec < 1 {
			ttlSec = 1
		}
		if err := conn.Send("SETEX", item.Key, ttlSec, item.Value); err != nil {
			return err
		}
	}
	_, err = redis.DoContext(conn, ctx, "EXEC")
	return err
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.pool.Close()
}
