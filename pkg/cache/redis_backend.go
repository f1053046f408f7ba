package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vllm-project/admission-router/pkg/observability/logging"
)

// RedisBackend implements CacheBackend against a shared Redis server.
// Counters rely on INCRBYFLOAT so concurrent routers converge on exact
// totals, and window TTLs are attached with EXPIRE NX inside the same
// transaction so the first writer fixes the deadline.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBackend creates a Redis-backed cache tier and verifies the
// connection before returning.
func NewRedisBackend(config RedisBackendConfig) (*RedisBackend, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	backend := &RedisBackend{
		client:    client,
		keyPrefix: config.KeyPrefix,
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := backend.CheckConnection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logging.Infof("RedisBackend connected to %s with prefix %q", config.Address, config.KeyPrefix)

	return backend, nil
}

// Kind reports the backend type.
func (r *RedisBackend) Kind() BackendKind {
	return RedisBackendKind
}

// CheckConnection verifies the Redis connection is healthy.
func (r *RedisBackend) CheckConnection(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisBackend) prefixed(key string) string {
	return r.keyPrefix + key
}

// Get retrieves the value for a key.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return data, nil
}

// Set stores a value under a key.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefixed(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Increment atomically adds delta to the counter at key. The INCRBYFLOAT
// and EXPIRE NX run inside one MULTI/EXEC block, so the counter update and
// its window deadline commit together.
func (r *RedisBackend) Increment(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, r.prefixed(key), delta)
	if ttl > 0 {
		pipe.ExpireNX(ctx, r.prefixed(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return incr.Val(), nil
}

// BatchGet retrieves several keys with one MGET.
func (r *RedisBackend) BatchGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.prefixed(key)
	}

	values, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to batch get %d keys: %w", len(keys), err)
	}

	results := make([][]byte, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			results[i] = []byte(s)
		}
	}
	return results, nil
}
