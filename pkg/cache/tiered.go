package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vllm-project/admission-router/pkg/observability/logging"
	"github.com/vllm-project/admission-router/pkg/observability/metrics"
)

// TieredCache composes the always-present local tier with an optional
// shared tier. Reads prefer the local tier and back-fill it from shared
// hits; writes and increments go through both tiers. Infrastructure
// failures on the read path are absorbed: callers observe absence, never
// an error, so admission fails open when the shared tier is down.
//
// When both tiers are active the shared tier is authoritative for
// counters; the local copy is a best-effort echo bounded by localTTL.
type TieredCache struct {
	local  CacheBackend
	shared CacheBackend // nil when running single-node

	// localTTL bounds staleness of local copies of shared keys
	localTTL time.Duration

	localHits    atomic.Uint64
	localMisses  atomic.Uint64
	sharedHits   atomic.Uint64
	sharedMisses atomic.Uint64
	sharedErrors atomic.Uint64
}

// CacheStats is a point-in-time snapshot of tier activity.
type CacheStats struct {
	LocalHits    uint64 `json:"local_hits"`
	LocalMisses  uint64 `json:"local_misses"`
	SharedHits   uint64 `json:"shared_hits"`
	SharedMisses uint64 `json:"shared_misses"`
	SharedErrors uint64 `json:"shared_errors"`
	LocalEntries int    `json:"local_entries"`
}

// NewTieredCache builds a cache over the given tiers. shared may be nil.
// localTTL bounds how long a shared value echoes locally; zero disables
// expiry of back-filled entries.
func NewTieredCache(local, shared CacheBackend, localTTL time.Duration) *TieredCache {
	return &TieredCache{
		local:    local,
		shared:   shared,
		localTTL: localTTL,
	}
}

// HasShared reports whether a shared tier is configured.
func (c *TieredCache) HasShared() bool {
	return c.shared != nil
}

// Get returns the value for key and whether it was present. Local tier
// first; a shared hit back-fills the local tier. Backend errors read as
// absent.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.GetLocal(key); ok {
		return value, true
	}
	if c.shared == nil {
		return nil, false
	}

	start := time.Now()
	value, err := c.shared.Get(ctx, key)
	elapsed := time.Since(start).Seconds()
	switch {
	case err == nil:
		c.sharedHits.Add(1)
		metrics.RecordCacheOperation("shared", "get", "hit", elapsed)
		c.backfill(ctx, key, value)
		return value, true
	case errors.Is(err, ErrNotFound):
		c.sharedMisses.Add(1)
		metrics.RecordCacheOperation("shared", "get", "miss", elapsed)
		return nil, false
	default:
		c.sharedErrors.Add(1)
		metrics.RecordCacheOperation("shared", "get", "error", elapsed)
		logging.Warnf("Shared cache get failed for key %s: %v", key, err)
		return nil, false
	}
}

// GetLocal reads the local tier only. It never blocks on the network.
func (c *TieredCache) GetLocal(key string) ([]byte, bool) {
	start := time.Now()
	value, err := c.local.Get(context.Background(), key)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.localMisses.Add(1)
		metrics.RecordCacheOperation("local", "get", "miss", elapsed)
		return nil, false
	}
	c.localHits.Add(1)
	metrics.RecordCacheOperation("local", "get", "hit", elapsed)
	return value, true
}

func (c *TieredCache) backfill(ctx context.Context, key string, value []byte) {
	if err := c.local.Set(ctx, key, value, c.localTTL); err != nil {
		logging.Debugf("Local back-fill failed for key %s: %v", key, err)
	}
}

// Set writes through both tiers. The shared write error, if any, is
// returned so callers that need durability can react; the local tier is
// updated regardless.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	localErr := c.local.Set(ctx, key, value, ttl)
	metrics.RecordCacheOperation("local", "set", statusOf(localErr), time.Since(start).Seconds())

	if c.shared == nil {
		return localErr
	}

	start = time.Now()
	err := c.shared.Set(ctx, key, value, ttl)
	metrics.RecordCacheOperation("shared", "set", statusOf(err), time.Since(start).Seconds())
	if err != nil {
		c.sharedErrors.Add(1)
		return fmt.Errorf("failed to set shared tier: %w", err)
	}
	return localErr
}

// SetLocal writes the local tier only.
func (c *TieredCache) SetLocal(key string, value []byte, ttl time.Duration) {
	start := time.Now()
	err := c.local.Set(context.Background(), key, value, ttl)
	metrics.RecordCacheOperation("local", "set", statusOf(err), time.Since(start).Seconds())
}

// Increment adds delta to the counter at key in both tiers and returns
// the authoritative new value: the shared tier's answer when one is
// configured, otherwise the local one. On shared failure the local echo
// is returned alongside the error so callers can fail open with a usable
// reading.
func (c *TieredCache) Increment(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	localValue := c.IncrementLocal(key, delta, ttl)

	if c.shared == nil {
		return localValue, nil
	}

	start := time.Now()
	sharedValue, err := c.shared.Increment(ctx, key, delta, ttl)
	metrics.RecordCacheOperation("shared", "increment", statusOf(err), time.Since(start).Seconds())
	if err != nil {
		c.sharedErrors.Add(1)
		logging.Warnf("Shared cache increment failed for key %s: %v", key, err)
		return localValue, fmt.Errorf("failed to increment shared tier: %w", err)
	}
	return sharedValue, nil
}

// IncrementLocal adds delta to the local counter only and returns the
// local value.
func (c *TieredCache) IncrementLocal(key string, delta float64, ttl time.Duration) float64 {
	start := time.Now()
	value, err := c.local.Increment(context.Background(), key, delta, ttl)
	metrics.RecordCacheOperation("local", "increment", statusOf(err), time.Since(start).Seconds())
	if err != nil {
		logging.Warnf("Local cache increment failed for key %s: %v", key, err)
		return 0
	}
	return value
}

// BatchGet resolves keys local-first and consults the shared tier only
// for the remaining misses. Results are positional, nil on miss.
func (c *TieredCache) BatchGet(ctx context.Context, keys []string) [][]byte {
	results := c.BatchGetLocal(keys)
	if c.shared == nil {
		return results
	}

	var missing []int
	for i, v := range results {
		if v == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return results
	}

	missingKeys := make([]string, len(missing))
	for i, idx := range missing {
		missingKeys[i] = keys[idx]
	}

	start := time.Now()
	sharedResults, err := c.shared.BatchGet(ctx, missingKeys)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.sharedErrors.Add(1)
		metrics.RecordCacheOperation("shared", "batch_get", "error", elapsed)
		logging.Warnf("Shared cache batch get failed for %d keys: %v", len(missingKeys), err)
		return results
	}
	metrics.RecordCacheOperation("shared", "batch_get", "success", elapsed)

	for i, idx := range missing {
		if sharedResults[i] == nil {
			c.sharedMisses.Add(1)
			continue
		}
		c.sharedHits.Add(1)
		results[idx] = sharedResults[i]
		c.backfill(ctx, keys[idx], sharedResults[i])
	}
	return results
}

// BatchGetLocal resolves keys against the local tier only.
func (c *TieredCache) BatchGetLocal(keys []string) [][]byte {
	start := time.Now()
	results, err := c.local.BatchGet(context.Background(), keys)
	metrics.RecordCacheOperation("local", "batch_get", statusOf(err), time.Since(start).Seconds())
	if err != nil {
		return make([][]byte, len(keys))
	}
	for _, v := range results {
		if v == nil {
			c.localMisses.Add(1)
		} else {
			c.localHits.Add(1)
		}
	}
	return results
}

// CheckConnection reports shared-tier health when configured, local
// health otherwise.
func (c *TieredCache) CheckConnection(ctx context.Context) error {
	if c.shared != nil {
		return c.shared.CheckConnection(ctx)
	}
	return c.local.CheckConnection(ctx)
}

// Close releases both tiers.
func (c *TieredCache) Close() error {
	var firstErr error
	if c.shared != nil {
		if err := c.shared.Close(); err != nil {
			firstErr = err
		}
	}
	if err := c.local.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Stats snapshots tier activity counters.
func (c *TieredCache) Stats() CacheStats {
	stats := CacheStats{
		LocalHits:    c.localHits.Load(),
		LocalMisses:  c.localMisses.Load(),
		SharedHits:   c.sharedHits.Load(),
		SharedMisses: c.sharedMisses.Load(),
		SharedErrors: c.sharedErrors.Load(),
	}
	if mem, ok := c.local.(*MemoryBackend); ok {
		stats.LocalEntries = mem.EntryCount()
	}
	return stats
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
