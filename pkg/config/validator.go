package config

import (
	"fmt"
)

var validEvictionPolicies = map[string]bool{
	"fifo": true,
	"lru":  true,
	"lfu":  true,
}

var validBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

func validateConfigStructure(cfg *RouterConfig) error {
	if len(cfg.ModelList) == 0 {
		return fmt.Errorf("model_list must declare at least one deployment")
	}

	seen := make(map[string]string, len(cfg.ModelList))
	for i := range cfg.ModelList {
		d := &cfg.ModelList[i]
		if d.ModelName == "" {
			return fmt.Errorf("model_list[%d]: model_name cannot be empty", i)
		}
		if d.Params.Model == "" {
			return fmt.Errorf("model_list[%d] (%s): litellm_params.model cannot be empty", i, d.ModelName)
		}
		if d.Params.TPM < 0 {
			return fmt.Errorf("model_list[%d] (%s): tpm cannot be negative", i, d.ModelName)
		}
		if d.Params.RPM < 0 {
			return fmt.Errorf("model_list[%d] (%s): rpm cannot be negative", i, d.ModelName)
		}
		if d.Params.Weight < 0 {
			return fmt.Errorf("model_list[%d] (%s): weight cannot be negative", i, d.ModelName)
		}
		switch d.ModelInfo.Tier {
		case "", TierFree, TierPaid:
		default:
			return fmt.Errorf("model_list[%d] (%s): unknown tier %q", i, d.ModelName, d.ModelInfo.Tier)
		}
		id := d.ID()
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("model_list[%d] (%s): deployment id %q already used by %s", i, d.ModelName, id, prev)
		}
		seen[id] = d.ModelName
	}

	for provider, b := range cfg.RouterSettings.ProviderBudgets {
		if provider == "" {
			return fmt.Errorf("provider_budgets: provider name cannot be empty")
		}
		if b.BudgetLimit <= 0 {
			return fmt.Errorf("provider_budgets[%s]: budget_limit must be positive", provider)
		}
		if _, err := ParseTimePeriod(b.TimePeriod); err != nil {
			return fmt.Errorf("provider_budgets[%s]: %w", provider, err)
		}
	}

	if !validBackends[cfg.Cache.Backend] {
		return fmt.Errorf("cache.backend must be one of \"memory\" or \"redis\", got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.Redis.Address == "" {
		return fmt.Errorf("cache.redis.address is required when cache.backend is \"redis\"")
	}
	if cfg.Cache.Memory.MaxEntries < 0 {
		return fmt.Errorf("cache.memory.max_entries cannot be negative")
	}
	if !validEvictionPolicies[cfg.Cache.Memory.EvictionPolicy] {
		return fmt.Errorf("cache.memory.eviction_policy must be one of \"fifo\", \"lru\", or \"lfu\", got %q", cfg.Cache.Memory.EvictionPolicy)
	}

	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", cfg.API.Port)
	}
	if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port %d out of range", cfg.Metrics.Port)
	}
	if cfg.Metrics.Port == cfg.API.Port {
		return fmt.Errorf("metrics.port and api.port cannot both be %d", cfg.API.Port)
	}

	return nil
}
