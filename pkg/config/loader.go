package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vllm-project/admission-router/pkg/observability/logging"
)

// Load reads, parses, and validates the configuration at the given path.
func Load(configPath string) (*RouterConfig, error) {
	// Resolve symlinks to handle Kubernetes ConfigMap mounts
	resolved, _ := filepath.EvalSymlinks(configPath)
	if resolved == "" {
		resolved = configPath
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse unmarshals and validates raw YAML configuration.
func Parse(data []byte) (*RouterConfig, error) {
	cfg := &RouterConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validateConfigStructure(cfg); err != nil {
		return nil, err
	}

	logging.Infof("Config loaded: deployments=%d, provider_budgets=%d, cache_backend=%s",
		len(cfg.ModelList), len(cfg.RouterSettings.ProviderBudgets), cfg.Cache.Backend)
	return cfg, nil
}

func applyDefaults(cfg *RouterConfig) {
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.DefaultLocalTTLSeconds == 0 {
		cfg.Cache.DefaultLocalTTLSeconds = 60
	}
	if cfg.Cache.Memory.EvictionPolicy == "" {
		cfg.Cache.Memory.EvictionPolicy = "fifo"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9190
	}
}
