// Package cache provides the tiered counter cache backing admission
// decisions. It supports pluggable backends including memory and Redis,
// composes them into a process-local tier plus an optional shared tier,
// and coordinates concurrent loads of missing keys.
package cache

import (
	"context"
	"strconv"
	"time"
)

// CacheBackend is a single storage tier. Implementations must be
// thread-safe; Increment in particular must be atomic with respect to
// concurrent callers of the same backend instance (and, for shared
// backends, concurrent processes).
type CacheBackend interface {
	// Get retrieves the value for a key.
	// Returns ErrNotFound when the key is absent or its TTL has passed.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value under a key. A ttl of zero or less means the
	// entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds delta to the numeric counter at key,
	// creating it at zero first when absent, and returns the new value.
	// The ttl is applied only when the key carries no expiry yet, so a
	// window keeps its original deadline across increments.
	// Returns an error when the existing value is not numeric.
	Increment(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// BatchGet retrieves several keys in one round trip. The result is
	// positional: result[i] holds the value for keys[i], nil on miss.
	BatchGet(ctx context.Context, keys []string) ([][]byte, error)

	// Kind reports the backend type.
	Kind() BackendKind

	// CheckConnection verifies the backend is healthy.
	CheckConnection(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// BackendKind defines available cache backends.
type BackendKind string

const (
	// MemoryBackendKind is the in-process backend.
	MemoryBackendKind BackendKind = "memory"

	// RedisBackendKind is the Redis backend.
	RedisBackendKind BackendKind = "redis"
)

// BackendConfig contains configuration for creating a backend.
type BackendConfig struct {
	// Kind specifies which backend implementation to use.
	Kind BackendKind

	// Memory backend configuration
	Memory MemoryBackendConfig

	// Redis backend configuration
	Redis RedisBackendConfig
}

// MemoryBackendConfig contains configuration for the in-process backend.
type MemoryBackendConfig struct {
	// MaxEntries caps the number of entries; 0 means unbounded.
	MaxEntries int

	// EvictionPolicy selects the victim strategy when full:
	// "fifo" (default), "lru", or "lfu".
	EvictionPolicy string
}

// RedisBackendConfig contains configuration for the Redis backend.
type RedisBackendConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379").
	Address string

	// DB is the Redis database number.
	DB int

	// Password is the Redis password.
	Password string

	// KeyPrefix is the prefix for all keys.
	KeyPrefix string
}

// ParseCounter interprets a cached value as a counter reading. Counters
// travel as decimal strings so that both tiers and the Redis wire format
// agree on representation.
func ParseCounter(value []byte) (float64, error) {
	v, err := strconv.ParseFloat(string(value), 64)
	if err != nil {
		return 0, ErrNotNumeric
	}
	return v, nil
}

// FormatCounter renders a counter value in the canonical representation.
func FormatCounter(value float64) []byte {
	return []byte(strconv.FormatFloat(value, 'f', -1, 64))
}
