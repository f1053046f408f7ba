package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Admission Metrics - Prometheus metrics for cache, rate-limit, budget, and
// routing decisions
// =============================================================================

var (
	// CacheOperations counts cache operations per tier, operation, and outcome
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_admission_cache_operations_total",
			Help: "The total number of cache operations by tier, operation, and status",
		},
		[]string{"tier", "operation", "status"},
	)

	// CacheOperationLatency tracks the latency of cache operations per tier
	CacheOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_admission_cache_operation_latency_seconds",
			Help:    "The duration of cache operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"tier", "operation"},
	)

	// CoordinatorLoads counts single-flight load outcomes
	CoordinatorLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_admission_coordinator_loads_total",
			Help: "The total number of coordinated cache loads by role and status",
		},
		[]string{"role", "status"},
	)

	// RateLimitDecisions counts pre-call rate-limit decisions
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_admission_rate_limit_decisions_total",
			Help: "The total number of rate-limit decisions by metric and outcome",
		},
		[]string{"metric", "outcome"},
	)

	// BudgetRejections counts deployments filtered out on provider budget
	BudgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_admission_budget_rejections_total",
			Help: "The total number of deployments rejected for exhausted provider budgets",
		},
		[]string{"provider"},
	)

	// SpendRecorded accumulates spend reported per provider
	SpendRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_admission_spend_recorded_total",
			Help: "The total spend recorded per provider in config currency units",
		},
		[]string{"provider"},
	)

	// RoutingDecisions counts routing outcomes per requested model
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_admission_routing_decisions_total",
			Help: "The total number of routing decisions by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	// LocalCacheEvictions counts evictions from the bounded local tier
	LocalCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_admission_local_cache_evictions_total",
			Help: "The total number of entries evicted from the local cache tier",
		},
		[]string{"policy"},
	)
)

// =============================================================================
// Recording Functions
// =============================================================================

// RecordCacheOperation records a cache operation with its duration in seconds
func RecordCacheOperation(tier, operation, status string, duration float64) {
	if tier == "" {
		tier = "unknown"
	}
	if operation == "" {
		operation = "get"
	}
	if status == "" {
		status = "success"
	}

	CacheOperations.WithLabelValues(tier, operation, status).Inc()
	if duration >= 0 {
		CacheOperationLatency.WithLabelValues(tier, operation).Observe(duration)
	}
}

// RecordCoordinatorLoad records a coordinated load outcome. Role is "loader"
// or "waiter"; status is "success", "coalesced", "failure", "canceled", or
// "absent".
func RecordCoordinatorLoad(role, status string) {
	if role == "" {
		role = "loader"
	}
	if status == "" {
		status = "success"
	}
	CoordinatorLoads.WithLabelValues(role, status).Inc()
}

// RecordRateLimitDecision records a pre-call decision for one deployment.
// Metric is "tpm" or "rpm"; outcome is "allowed", "rejected", or "fail_open".
func RecordRateLimitDecision(metric, outcome string) {
	if metric == "" {
		metric = "rpm"
	}
	if outcome == "" {
		outcome = "allowed"
	}
	RateLimitDecisions.WithLabelValues(metric, outcome).Inc()
}

// RecordBudgetRejection records a deployment dropped for provider budget
func RecordBudgetRejection(provider string) {
	if provider == "" {
		provider = "unknown"
	}
	BudgetRejections.WithLabelValues(provider).Inc()
}

// RecordSpend accumulates reported spend for a provider
func RecordSpend(provider string, amount float64) {
	if provider == "" {
		provider = "unknown"
	}
	if amount > 0 {
		SpendRecorded.WithLabelValues(provider).Add(amount)
	}
}

// RecordRoutingDecision records the outcome of one admission request.
// Outcome is "selected", "no_eligible_deployment", "rate_limited", or
// "budget_exceeded".
func RecordRoutingDecision(model, outcome string) {
	if model == "" {
		model = "unknown"
	}
	if outcome == "" {
		outcome = "selected"
	}
	RoutingDecisions.WithLabelValues(model, outcome).Inc()
}

// RecordLocalCacheEviction records one eviction from the local tier
func RecordLocalCacheEviction(policy string) {
	if policy == "" {
		policy = "fifo"
	}
	LocalCacheEvictions.WithLabelValues(policy).Inc()
}
