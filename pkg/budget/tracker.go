// Package budget enforces rolling per-provider spend ceilings backed by
// the tiered cache. Spend accumulates in one shared counter per provider
// and window; the window resets itself through key TTL rather than a
// scheduler.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/vllm-project/admission-router/pkg/cache"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/observability/logging"
	"github.com/vllm-project/admission-router/pkg/observability/metrics"
)

const fallbackSpendTTL = 24 * time.Hour

// Tracker answers whether a provider is inside its spend budget and
// accumulates reported spend. All reads fail open: a provider is only
// ever rejected on a fresh, parseable counter at or over its limit.
type Tracker struct {
	cache   *cache.TieredCache
	budgets map[string]config.ProviderBudget
}

// NewTracker builds a tracker over the given budget table. Providers
// absent from the table are never filtered and their spend is not
// accumulated in the cache.
func NewTracker(tieredCache *cache.TieredCache, budgets map[string]config.ProviderBudget) *Tracker {
	return &Tracker{
		cache:   tieredCache,
		budgets: budgets,
	}
}

// SpendKey is the shared counter key for one provider and window length.
func SpendKey(provider, timePeriod string) string {
	return fmt.Sprintf("provider_spend:%s:%s", provider, timePeriod)
}

// WithinBudget reports whether the provider may serve more traffic.
// Reads are side-effect free; calling this any number of times does not
// change the answer.
func (t *Tracker) WithinBudget(ctx context.Context, provider string) bool {
	b, configured := t.budgets[provider]
	if !configured {
		return true
	}

	value, found := t.cache.Get(ctx, SpendKey(provider, b.TimePeriod))
	if !found {
		// Nothing recorded this window, or the cache is unreachable.
		return true
	}

	spend, err := cache.ParseCounter(value)
	if err != nil {
		logging.Warnf("Unreadable spend counter for provider %s: %v", provider, err)
		return true
	}

	if spend >= b.BudgetLimit {
		metrics.RecordBudgetRejection(provider)
		return false
	}
	return true
}

// FilterWithinBudget returns the candidates whose providers are inside
// their budgets, resolving every provider's spend counter in one batch
// read. Candidates whose provider has no budget always pass, as do all
// candidates when a counter is missing or unreadable.
func (t *Tracker) FilterWithinBudget(ctx context.Context, candidates []*config.Deployment) []*config.Deployment {
	if len(t.budgets) == 0 || len(candidates) == 0 {
		return candidates
	}

	var providers []string
	var keys []string
	seen := make(map[string]bool)
	for _, d := range candidates {
		provider := d.Provider()
		if seen[provider] {
			continue
		}
		seen[provider] = true
		if b, configured := t.budgets[provider]; configured {
			providers = append(providers, provider)
			keys = append(keys, SpendKey(provider, b.TimePeriod))
		}
	}
	if len(keys) == 0 {
		return candidates
	}

	over := make(map[string]bool)
	for i, value := range t.cache.BatchGet(ctx, keys) {
		if value == nil {
			continue
		}
		spend, err := cache.ParseCounter(value)
		if err != nil {
			logging.Warnf("Unreadable spend counter for provider %s: %v", providers[i], err)
			continue
		}
		if spend >= t.budgets[providers[i]].BudgetLimit {
			over[providers[i]] = true
			metrics.RecordBudgetRejection(providers[i])
		}
	}
	if len(over) == 0 {
		return candidates
	}

	out := make([]*config.Deployment, 0, len(candidates))
	for _, d := range candidates {
		if !over[d.Provider()] {
			out = append(out, d)
		}
	}
	return out
}

// CurrentSpend returns the provider's recorded spend this window. The
// boolean is false when no budget is configured or nothing is recorded.
func (t *Tracker) CurrentSpend(ctx context.Context, provider string) (float64, bool) {
	b, configured := t.budgets[provider]
	if !configured {
		return 0, false
	}
	value, found := t.cache.Get(ctx, SpendKey(provider, b.TimePeriod))
	if !found {
		return 0, false
	}
	spend, err := cache.ParseCounter(value)
	if err != nil {
		return 0, false
	}
	return spend, true
}

// RecordSpend adds a completed call's cost to the provider's window
// counter with one atomic increment and returns the new total. Spend for
// providers without a budget is counted in metrics only. The error is
// informational; bookkeeping must never block the data path.
func (t *Tracker) RecordSpend(ctx context.Context, provider string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, nil
	}

	metrics.RecordSpend(provider, amount)

	b, configured := t.budgets[provider]
	if !configured {
		return 0, nil
	}

	ttl, err := config.ParseTimePeriod(b.TimePeriod)
	if err != nil {
		// Validation catches this at startup; keep accumulating anyway.
		logging.Errorf("Invalid time period %q for provider %s: %v", b.TimePeriod, provider, err)
		ttl = fallbackSpendTTL
	}

	total, err := t.cache.Increment(ctx, SpendKey(provider, b.TimePeriod), amount, ttl)
	if err != nil {
		return total, fmt.Errorf("failed to record spend for provider %s: %w", provider, err)
	}
	return total, nil
}
