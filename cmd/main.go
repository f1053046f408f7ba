package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vllm-project/admission-router/pkg/api"
	"github.com/vllm-project/admission-router/pkg/budget"
	"github.com/vllm-project/admission-router/pkg/cache"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/observability/logging"
	"github.com/vllm-project/admission-router/pkg/ratelimit"
	"github.com/vllm-project/admission-router/pkg/routing"
)

func main() {
	// Parse command-line flags
	var (
		configPath  = flag.String("config", "config/config.yaml", "Path to the configuration file")
		apiPort     = flag.Int("api-port", 0, "Admission API port (overrides the config file when set)")
		metricsPort = flag.Int("metrics-port", 0, "Prometheus metrics port (overrides the config file when set)")
	)
	flag.Parse()

	// Pick up a .env file when present, then initialize logging (zap)
	// from environment.
	_ = godotenv.Load()
	logging.InitFromEnv()
	defer logging.Sync()

	// Check if config file exists
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logging.Fatalf("Config file not found: %s", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	if *apiPort > 0 {
		cfg.API.Port = *apiPort
	}
	if *metricsPort > 0 {
		cfg.Metrics.Port = *metricsPort
	}

	tieredCache := buildCache(cfg)
	defer tieredCache.Close()

	tracker := budget.NewTracker(tieredCache, cfg.RouterSettings.ProviderBudgets)
	limiter := ratelimit.NewLimiter(tieredCache, cfg.RouterSettings.EnforceModelRateLimits)
	router := routing.NewRouter(cfg, tracker, limiter, routing.NewSelector(nil))

	// Start metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		logging.Infof("Starting metrics server on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logging.Errorf("Metrics server error: %v", err)
		}
	}()

	logging.Infof("Starting admission router with config: %s", *configPath)
	if err := api.Start(cfg, router, tieredCache); err != nil {
		logging.Fatalf("Admission API server error: %v", err)
	}
}

// buildCache assembles the two-tier counter cache. A failing shared tier
// downgrades startup to local-only operation instead of blocking it.
func buildCache(cfg *config.RouterConfig) *cache.TieredCache {
	local, err := cache.NewMemoryBackend(cache.MemoryBackendConfig{
		MaxEntries:     cfg.Cache.Memory.MaxEntries,
		EvictionPolicy: cfg.Cache.Memory.EvictionPolicy,
	})
	if err != nil {
		logging.Fatalf("Failed to create local cache tier: %v", err)
	}

	shared, err := cache.NewBackend(cache.BackendConfig{
		Kind: cache.BackendKind(cfg.Cache.Backend),
		Memory: cache.MemoryBackendConfig{
			MaxEntries:     cfg.Cache.Memory.MaxEntries,
			EvictionPolicy: cfg.Cache.Memory.EvictionPolicy,
		},
		Redis: cache.RedisBackendConfig{
			Address:   cfg.Cache.Redis.Address,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		},
	})
	if err != nil {
		logging.Warnf("Shared cache tier unavailable, admission continues on the local tier only: %v", err)
		shared = nil
	}

	return cache.NewTieredCache(local, shared, cfg.Cache.DefaultLocalTTL())
}
