package routing

import (
	"context"
	"testing"
	"time"

	"golang.org/x/exp/rand"

	"github.com/vllm-project/admission-router/pkg/budget"
	"github.com/vllm-project/admission-router/pkg/cache"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/ratelimit"
)

// ── test fixtures ──────────────────────────────────────────────────────

func newTestRouter(t *testing.T, cfg *config.RouterConfig) (*Router, *cache.TieredCache) {
	t.Helper()
	local, err := cache.NewMemoryBackend(cache.MemoryBackendConfig{})
	if err != nil {
		t.Fatalf("NewMemoryBackend() error = %v", err)
	}
	shared, err := cache.NewMemoryBackend(cache.MemoryBackendConfig{})
	if err != nil {
		t.Fatalf("NewMemoryBackend() error = %v", err)
	}
	tieredCache := cache.NewTieredCache(local, shared, 0)
	t.Cleanup(func() { tieredCache.Close() })

	tracker := budget.NewTracker(tieredCache, cfg.RouterSettings.ProviderBudgets)
	limiter := ratelimit.NewLimiter(tieredCache, cfg.RouterSettings.EnforceModelRateLimits)
	selector := NewSelector(rand.NewSource(7))
	return NewRouter(cfg, tracker, limiter, selector), tieredCache
}

func twoDeploymentConfig(rpmA, rpmB int64) *config.RouterConfig {
	return &config.RouterConfig{
		ModelList: []config.Deployment{
			{
				ModelName: "gpt-4o",
				Params:    config.ModelParams{Model: "openai/gpt-4o", RPM: rpmA},
				ModelInfo: config.ModelInfo{ID: "gpt-a"},
			},
			{
				ModelName: "gpt-4o",
				Params:    config.ModelParams{Model: "azure/gpt-4o", RPM: rpmB},
				ModelInfo: config.ModelInfo{ID: "gpt-b"},
			},
		},
		RouterSettings: config.RouterSettings{EnforceModelRateLimits: true},
	}
}

// seedWindow fills a deployment's metric counter for the current minute
// and the next, so the reading survives a minute rollover mid-test.
func seedWindow(t *testing.T, tieredCache *cache.TieredCache, id, metric string, n float64) {
	t.Helper()
	now := time.Now()
	for _, at := range []time.Time{now, now.Add(time.Minute)} {
		if _, err := tieredCache.Increment(context.Background(), ratelimit.WindowKey(id, metric, at), n, 5*time.Minute); err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
	}
}

// windowTotal sums a deployment's metric counters across the minute
// buckets a test may have touched.
func windowTotal(tieredCache *cache.TieredCache, id, metric string) float64 {
	var total float64
	now := time.Now()
	for _, at := range []time.Time{now.Add(-time.Minute), now, now.Add(time.Minute)} {
		if value, ok := tieredCache.GetLocal(ratelimit.WindowKey(id, metric, at)); ok {
			if n, err := cache.ParseCounter(value); err == nil {
				total += n
			}
		}
	}
	return total
}

// ── pick ───────────────────────────────────────────────────────────────

func TestPickUnknownModel(t *testing.T) {
	router, _ := newTestRouter(t, twoDeploymentConfig(0, 0))

	d, rejection := router.Pick(context.Background(), &Request{Model: "unknown-model"})
	if d != nil {
		t.Fatalf("Pick() returned deployment %s for an unknown model", d.ID())
	}
	if rejection == nil || rejection.Code != RejectionNoEligibleDeployment {
		t.Errorf("Pick() rejection = %+v, want code %q", rejection, RejectionNoEligibleDeployment)
	}
}

func TestPickReturnsRegisteredDeployment(t *testing.T) {
	router, _ := newTestRouter(t, twoDeploymentConfig(0, 0))

	d, rejection := router.Pick(context.Background(), &Request{Model: "gpt-4o"})
	if rejection != nil {
		t.Fatalf("Pick() rejection = %+v", rejection)
	}
	if d.ID() != "gpt-a" && d.ID() != "gpt-b" {
		t.Errorf("Pick() = %s, want one of the gpt-4o deployments", d.ID())
	}
}

func TestPickRedrawsPastLimitedDeployment(t *testing.T) {
	router, tieredCache := newTestRouter(t, twoDeploymentConfig(1, 1))
	seedWindow(t, tieredCache, "gpt-a", ratelimit.MetricRPM, 1)

	d, rejection := router.Pick(context.Background(), &Request{Model: "gpt-4o"})
	if rejection != nil {
		t.Fatalf("Pick() rejection = %+v", rejection)
	}
	if d.ID() != "gpt-b" {
		t.Errorf("Pick() = %s, want gpt-b while gpt-a is at its limit", d.ID())
	}
}

func TestPickChargesOnlyAttemptedDeployments(t *testing.T) {
	router, tieredCache := newTestRouter(t, twoDeploymentConfig(1, 1))
	// gpt-a is at its limit in both reachable windows: 1 in each.
	seedWindow(t, tieredCache, "gpt-a", ratelimit.MetricRPM, 1)

	if _, rejection := router.Pick(context.Background(), &Request{Model: "gpt-4o"}); rejection != nil {
		t.Fatalf("Pick() rejection = %+v", rejection)
	}

	// gpt-a was denied on the read path, so its counters hold only the
	// seeded values; gpt-b carries the one admission attempt.
	if total := windowTotal(tieredCache, "gpt-a", ratelimit.MetricRPM); total != 2 {
		t.Errorf("gpt-a counters total %v, want the seeded 2", total)
	}
	if total := windowTotal(tieredCache, "gpt-b", ratelimit.MetricRPM); total != 1 {
		t.Errorf("gpt-b counters total %v, want 1", total)
	}
}

func TestPickAllDeploymentsLimited(t *testing.T) {
	router, tieredCache := newTestRouter(t, twoDeploymentConfig(1, 1))
	seedWindow(t, tieredCache, "gpt-a", ratelimit.MetricRPM, 1)
	seedWindow(t, tieredCache, "gpt-b", ratelimit.MetricRPM, 1)

	d, rejection := router.Pick(context.Background(), &Request{Model: "gpt-4o"})
	if d != nil {
		t.Fatalf("Pick() returned %s with every deployment limited", d.ID())
	}
	if rejection.Code != RejectionRateLimited {
		t.Errorf("Rejection.Code = %q, want %q", rejection.Code, RejectionRateLimited)
	}
	if rejection.Metric != ratelimit.MetricRPM {
		t.Errorf("Rejection.Metric = %q, want %q", rejection.Metric, ratelimit.MetricRPM)
	}
	if rejection.RetryAfter <= 0 || rejection.RetryAfter > time.Minute {
		t.Errorf("Rejection.RetryAfter = %v, want within the current minute", rejection.RetryAfter)
	}
}

func TestPickBudgetExceeded(t *testing.T) {
	cfg := twoDeploymentConfig(0, 0)
	cfg.RouterSettings.ProviderBudgets = map[string]config.ProviderBudget{
		"openai": {BudgetLimit: 10, TimePeriod: "1d"},
		"azure":  {BudgetLimit: 10, TimePeriod: "1d"},
	}
	router, _ := newTestRouter(t, cfg)
	ctx := context.Background()

	router.ReportCompletion(ctx, &Completion{DeploymentID: "gpt-a", Spend: 12})
	router.ReportCompletion(ctx, &Completion{DeploymentID: "gpt-b", Spend: 12})

	d, rejection := router.Pick(ctx, &Request{Model: "gpt-4o"})
	if d != nil {
		t.Fatalf("Pick() returned %s with every provider over budget", d.ID())
	}
	if rejection.Code != RejectionBudgetExceeded {
		t.Errorf("Rejection.Code = %q, want %q", rejection.Code, RejectionBudgetExceeded)
	}
	if rejection.Stage != StageBudget {
		t.Errorf("Rejection.Stage = %q, want %q", rejection.Stage, StageBudget)
	}
}

func TestPickTagMismatch(t *testing.T) {
	cfg := twoDeploymentConfig(0, 0)
	cfg.RouterSettings.EnableTagFiltering = true
	router, _ := newTestRouter(t, cfg)

	d, rejection := router.Pick(context.Background(), &Request{Model: "gpt-4o", Tags: []string{"enterprise"}})
	if d != nil {
		t.Fatalf("Pick() returned %s for an uncovered tag", d.ID())
	}
	if rejection.Code != RejectionNoEligibleDeployment {
		t.Errorf("Rejection.Code = %q, want %q", rejection.Code, RejectionNoEligibleDeployment)
	}
	if rejection.Stage != StageTags {
		t.Errorf("Rejection.Stage = %q, want %q", rejection.Stage, StageTags)
	}
}

// ── completion reporting ───────────────────────────────────────────────

func TestReportCompletionRecordsUsageAndSpend(t *testing.T) {
	cfg := twoDeploymentConfig(0, 0)
	cfg.RouterSettings.ProviderBudgets = map[string]config.ProviderBudget{
		"openai": {BudgetLimit: 100, TimePeriod: "1d"},
	}
	router, tieredCache := newTestRouter(t, cfg)
	ctx := context.Background()

	router.ReportCompletion(ctx, &Completion{DeploymentID: "gpt-a", TotalTokens: 500, Spend: 2.5})

	if total := windowTotal(tieredCache, "gpt-a", ratelimit.MetricTPM); total != 500 {
		t.Errorf("token counter total = %v, want 500", total)
	}
	spend, ok := router.tracker.CurrentSpend(ctx, "openai")
	if !ok || spend != 2.5 {
		t.Errorf("CurrentSpend() = (%v, %v), want (2.5, true)", spend, ok)
	}
}

func TestReportCompletionUnknownDeployment(t *testing.T) {
	cfg := twoDeploymentConfig(0, 0)
	cfg.RouterSettings.ProviderBudgets = map[string]config.ProviderBudget{
		"openai": {BudgetLimit: 100, TimePeriod: "1d"},
	}
	router, _ := newTestRouter(t, cfg)
	ctx := context.Background()

	// The deployment is gone from config but the money was still spent.
	router.ReportCompletion(ctx, &Completion{DeploymentID: "retired", Provider: "openai", Spend: 3})

	spend, ok := router.tracker.CurrentSpend(ctx, "openai")
	if !ok || spend != 3 {
		t.Errorf("CurrentSpend() = (%v, %v), want (3, true)", spend, ok)
	}
}

func TestReportCompletionDerivesProvider(t *testing.T) {
	cfg := twoDeploymentConfig(0, 0)
	cfg.RouterSettings.ProviderBudgets = map[string]config.ProviderBudget{
		"azure": {BudgetLimit: 100, TimePeriod: "1d"},
	}
	router, _ := newTestRouter(t, cfg)
	ctx := context.Background()

	router.ReportCompletion(ctx, &Completion{DeploymentID: "gpt-b", Spend: 1.25})

	spend, ok := router.tracker.CurrentSpend(ctx, "azure")
	if !ok || spend != 1.25 {
		t.Errorf("CurrentSpend() = (%v, %v), want (1.25, true)", spend, ok)
	}
}
