package cache

import (
	"fmt"

	"github.com/vllm-project/admission-router/pkg/observability/logging"
)

// NewBackend creates a cache backend based on the configuration.
func NewBackend(config BackendConfig) (CacheBackend, error) {
	switch config.Kind {
	case MemoryBackendKind, "":
		logging.Infof("Creating memory cache backend with max_entries=%d, eviction_policy=%s",
			config.Memory.MaxEntries, config.Memory.EvictionPolicy)
		return NewMemoryBackend(config.Memory)

	case RedisBackendKind:
		logging.Infof("Creating Redis cache backend at %s", config.Redis.Address)
		return NewRedisBackend(config.Redis)

	default:
		return nil, fmt.Errorf("unknown cache backend kind: %s (supported: memory, redis)", config.Kind)
	}
}
