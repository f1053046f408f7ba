package config

import (
	"strings"
	"time"
)

// Tier labels deployments and requests for access-class routing.
const (
	TierFree = "free"
	TierPaid = "paid"
)

// DefaultProvider is assumed when a deployment's model string carries no
// provider prefix and no explicit override.
const DefaultProvider = "openai"

// RouterConfig is the top-level configuration for the admission router.
// It is constructed once at startup and passed by reference; packages never
// read global configuration state.
type RouterConfig struct {
	// ModelList declares the deployments available for routing
	ModelList []Deployment `yaml:"model_list" json:"model_list"`

	// RouterSettings holds admission-wide toggles and budget tables
	RouterSettings RouterSettings `yaml:"router_settings" json:"router_settings"`

	// Cache configures the tiered counter cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// API configures the admission HTTP API
	API APIConfig `yaml:"api" json:"api"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// RouterSettings carries the routing toggles and the provider budget table.
type RouterSettings struct {
	// EnableTagFiltering turns the tag filter on. When false, request tags
	// are ignored and every deployment passes the tag stage.
	EnableTagFiltering bool `yaml:"enable_tag_filtering" json:"enable_tag_filtering"`

	// EnforceModelRateLimits turns per-deployment TPM/RPM enforcement on
	EnforceModelRateLimits bool `yaml:"enforce_model_rate_limits" json:"enforce_model_rate_limits"`

	// ProviderBudgets maps a provider name to its rolling spend budget.
	// Providers absent from the map are never budget-filtered.
	ProviderBudgets map[string]ProviderBudget `yaml:"provider_budgets" json:"provider_budgets"`
}

// ProviderBudget is a rolling spend ceiling for one provider.
type ProviderBudget struct {
	// BudgetLimit is the maximum spend per window, in config currency units
	BudgetLimit float64 `yaml:"budget_limit" json:"budget_limit"`

	// TimePeriod is the window length as a duration string ("30s", "10m",
	// "1h", "1d", "7d"). The verbatim string is part of the spend key.
	TimePeriod string `yaml:"time_period" json:"time_period"`
}

// Deployment is one routable model deployment.
type Deployment struct {
	// ModelName is the public alias requests ask for; several deployments
	// may share one alias and the router balances across them
	ModelName string `yaml:"model_name" json:"model_name"`

	// Params carries the deployment's provider-facing parameters
	Params ModelParams `yaml:"litellm_params" json:"litellm_params"`

	// ModelInfo carries deployment identity and access-class metadata
	ModelInfo ModelInfo `yaml:"model_info" json:"model_info"`
}

// ModelParams mirrors the deployment parameter block of the gateway config
// schema. Credentials are opaque to the router and never logged.
type ModelParams struct {
	// Model is the provider-qualified model string, e.g. "openai/gpt-4o"
	Model string `yaml:"model" json:"model"`

	// TPM is the per-minute token ceiling; 0 means unlimited
	TPM int64 `yaml:"tpm,omitempty" json:"tpm,omitempty"`

	// RPM is the per-minute request ceiling; 0 means unlimited
	RPM int64 `yaml:"rpm,omitempty" json:"rpm,omitempty"`

	// Weight biases the weighted-random selector; 0 means no explicit weight
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty"`

	// Tags restrict which requests may use this deployment
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// CustomLLMProvider overrides the provider derived from Model
	CustomLLMProvider string `yaml:"custom_llm_provider,omitempty" json:"custom_llm_provider,omitempty"`

	// APIKey is passed through to the adapter layer untouched
	APIKey string `yaml:"api_key,omitempty" json:"-"`

	// APIBase is passed through to the adapter layer untouched
	APIBase string `yaml:"api_base,omitempty" json:"api_base,omitempty"`
}

// ModelInfo is deployment identity metadata.
type ModelInfo struct {
	// ID uniquely identifies the deployment; defaults to ModelName when empty
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Tier is the access class served by this deployment ("free" or "paid");
	// empty means the deployment serves any tier
	Tier string `yaml:"tier,omitempty" json:"tier,omitempty"`
}

// CacheConfig selects and tunes the tiered cache backends.
type CacheConfig struct {
	// Backend selects the shared tier: "redis" or "memory". "memory" runs
	// the shared tier in-process, useful for single-node and test setups.
	Backend string `yaml:"backend" json:"backend"`

	// DefaultLocalTTLSeconds bounds staleness of local echoes of shared
	// keys; applied when back-filling the local tier on a shared hit
	DefaultLocalTTLSeconds int `yaml:"default_local_ttl_seconds" json:"default_local_ttl_seconds"`

	// Redis configures the shared tier when Backend is "redis"
	Redis RedisCacheConfig `yaml:"redis" json:"redis"`

	// Memory bounds the always-present local tier
	Memory MemoryCacheConfig `yaml:"memory" json:"memory"`
}

// RedisCacheConfig carries the connection settings for the shared tier.
type RedisCacheConfig struct {
	// Address is the host:port of the Redis server
	Address string `yaml:"address" json:"address"`

	// Password authenticates the connection; empty disables auth
	Password string `yaml:"password" json:"-"`

	// DB selects the Redis logical database
	DB int `yaml:"db" json:"db"`

	// KeyPrefix namespaces every key written by this router
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// MemoryCacheConfig bounds the in-process tier.
type MemoryCacheConfig struct {
	// MaxEntries caps the number of entries; 0 means unbounded
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// EvictionPolicy selects the victim strategy when full: "fifo", "lru",
	// or "lfu"
	EvictionPolicy string `yaml:"eviction_policy" json:"eviction_policy"`
}

// APIConfig configures the admission HTTP API.
type APIConfig struct {
	// Port is the listen port for the admission API
	Port int `yaml:"port" json:"port"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Port is the listen port for /metrics
	Port int `yaml:"port" json:"port"`
}

// ID returns the deployment's unique identifier, falling back to the model
// alias when model_info.id is not set.
func (d *Deployment) ID() string {
	if d.ModelInfo.ID != "" {
		return d.ModelInfo.ID
	}
	return d.ModelName
}

// Provider returns the provider name used for budget accounting: the explicit
// custom_llm_provider when set, otherwise the prefix of the model string
// before the first "/", otherwise DefaultProvider.
func (d *Deployment) Provider() string {
	if d.Params.CustomLLMProvider != "" {
		return d.Params.CustomLLMProvider
	}
	if i := strings.Index(d.Params.Model, "/"); i > 0 {
		return d.Params.Model[:i]
	}
	return DefaultProvider
}

// Tier returns the deployment's access class, empty when unrestricted.
func (d *Deployment) Tier() string {
	return d.ModelInfo.Tier
}

// Tags returns the deployment's routing tags.
func (d *Deployment) Tags() []string {
	return d.Params.Tags
}

// HasRateLimits reports whether the deployment declares any per-minute limit.
func (d *Deployment) HasRateLimits() bool {
	return d.Params.TPM > 0 || d.Params.RPM > 0
}

// SelectionHint returns the value the weighted selector biases by, with
// weight taking precedence over tpm, then rpm. Zero means no hint.
func (d *Deployment) SelectionHint() float64 {
	if d.Params.Weight > 0 {
		return d.Params.Weight
	}
	if d.Params.TPM > 0 {
		return float64(d.Params.TPM)
	}
	if d.Params.RPM > 0 {
		return float64(d.Params.RPM)
	}
	return 0
}

// DeploymentsForModel returns the deployments registered under the given
// model alias.
func (c *RouterConfig) DeploymentsForModel(model string) []*Deployment {
	var out []*Deployment
	for i := range c.ModelList {
		if c.ModelList[i].ModelName == model {
			out = append(out, &c.ModelList[i])
		}
	}
	return out
}

// FindDeployment returns the deployment with the given ID, or nil.
func (c *RouterConfig) FindDeployment(id string) *Deployment {
	for i := range c.ModelList {
		if c.ModelList[i].ID() == id {
			return &c.ModelList[i]
		}
	}
	return nil
}

// BudgetFor returns the budget configured for a provider, if any.
func (c *RouterConfig) BudgetFor(provider string) (ProviderBudget, bool) {
	b, ok := c.RouterSettings.ProviderBudgets[provider]
	return b, ok
}

// DefaultLocalTTL returns the configured local back-fill TTL as a duration.
func (c *CacheConfig) DefaultLocalTTL() time.Duration {
	if c.DefaultLocalTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.DefaultLocalTTLSeconds) * time.Second
}
