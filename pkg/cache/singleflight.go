package cache

import (
	"context"
	"sync"
	"time"

	"github.com/vllm-project/admission-router/pkg/observability/logging"
	"github.com/vllm-project/admission-router/pkg/observability/metrics"
)

// LoadFunc produces the value for a key that no cache tier holds.
type LoadFunc func(ctx context.Context) ([]byte, error)

// Coordinator collapses concurrent loads of the same key into one
// in-flight call per process. The first goroutine to miss becomes the
// loader; everyone else waits for it to finish and then reads the cache
// once. A failed load therefore surfaces as an error only to the
// loader's caller, while waiters observe plain absence and the next
// request after release may retry. Coordination is process-local: N
// replicas may each load once.
type Coordinator struct {
	cache *TieredCache

	mu       sync.Mutex
	inflight map[string]*loadCall
}

type loadCall struct {
	// done closes when the loader releases the key
	done chan struct{}
}

// NewCoordinator wraps a tiered cache with per-key load coordination.
func NewCoordinator(cache *TieredCache) *Coordinator {
	return &Coordinator{
		cache:    cache,
		inflight: make(map[string]*loadCall),
	}
}

// GetOrLoad returns the cached value for key, loading it at most once per
// process when absent. The boolean reports presence; err is non-nil only
// for the caller whose load attempt failed or whose context ended while
// waiting.
func (c *Coordinator) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load LoadFunc) ([]byte, bool, error) {
	if value, ok := c.cache.Get(ctx, key); ok {
		return value, true, nil
	}

	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return c.wait(ctx, key, call)
	}
	call := &loadCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	return c.runLoad(ctx, key, ttl, load, call)
}

func (c *Coordinator) runLoad(ctx context.Context, key string, ttl time.Duration, load LoadFunc, call *loadCall) (value []byte, ok bool, err error) {
	// Release and wake waiters on every exit path, including panics in
	// the load function.
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(call.done)
	}()

	// Another goroutine may have populated the key between the miss and
	// the claim.
	if cached, hit := c.cache.Get(ctx, key); hit {
		metrics.RecordCoordinatorLoad("loader", "coalesced")
		return cached, true, nil
	}

	value, err = load(ctx)
	if err != nil {
		metrics.RecordCoordinatorLoad("loader", "failure")
		logging.Warnf("Cache load failed for key %s: %v", key, err)
		return nil, false, err
	}

	if setErr := c.cache.Set(ctx, key, value, ttl); setErr != nil {
		// The value is still good for this caller; waiters will miss
		// and retry on their next request.
		logging.Warnf("Cache store after load failed for key %s: %v", key, setErr)
	}
	metrics.RecordCoordinatorLoad("loader", "success")
	return value, true, nil
}

func (c *Coordinator) wait(ctx context.Context, key string, call *loadCall) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		metrics.RecordCoordinatorLoad("waiter", "canceled")
		return nil, false, ctx.Err()
	case <-call.done:
	}

	// One cache read, no load retry: a failed load reads as absent.
	if value, ok := c.cache.Get(ctx, key); ok {
		metrics.RecordCoordinatorLoad("waiter", "success")
		return value, true, nil
	}
	metrics.RecordCoordinatorLoad("waiter", "absent")
	return nil, false, nil
}

// InflightCount reports the number of keys currently loading (for testing).
func (c *Coordinator) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
