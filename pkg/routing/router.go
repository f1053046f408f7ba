// Package routing narrows the configured deployments for one request and
// picks the one that will serve it. A request flows through the filter
// pipeline (tags, tier, provider budget), then the selector draws a
// candidate and the rate limiter clears it; limited candidates are
// removed and the draw repeats until one clears or the pool runs dry.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/vllm-project/admission-router/pkg/budget"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/observability/logging"
	"github.com/vllm-project/admission-router/pkg/observability/metrics"
	"github.com/vllm-project/admission-router/pkg/ratelimit"
)

// Request carries the admission-relevant attributes of one incoming call.
type Request struct {
	// RequestID correlates log lines and the eventual completion report
	RequestID string

	// Model is the public alias the caller asked for
	Model string

	// Tags restrict the request to deployments covering all of them
	Tags []string

	// Tier is the caller's access class, empty for unrestricted
	Tier string
}

// Completion reports the outcome of a dispatched call for bookkeeping.
type Completion struct {
	// DeploymentID identifies the deployment that served the call
	DeploymentID string

	// Provider overrides the provider derived from the deployment;
	// empty derives it
	Provider string

	// TotalTokens is the call's total token consumption
	TotalTokens int64

	// Spend is the call's cost in config currency units
	Spend float64
}

// RejectionCode classifies why no deployment was returned.
type RejectionCode string

const (
	// RejectionNoEligibleDeployment means filtering left nothing to pick.
	RejectionNoEligibleDeployment RejectionCode = "no_eligible_deployment"

	// RejectionRateLimited means every eligible deployment is at a
	// per-minute ceiling.
	RejectionRateLimited RejectionCode = "rate_limited"

	// RejectionBudgetExceeded means every eligible provider is over its
	// spend budget.
	RejectionBudgetExceeded RejectionCode = "budget_exceeded"
)

// Rejection is the typed refusal returned instead of a deployment.
type Rejection struct {
	Code RejectionCode

	// Stage names the pipeline stage that emptied the candidate list,
	// empty for rate limit rejections.
	Stage string

	// Metric names the exhausted ceiling for rate limit rejections.
	Metric string

	// Detail is a human-readable explanation safe to return to callers.
	Detail string

	// RetryAfter hints when retrying may succeed; zero when unknown.
	RetryAfter time.Duration
}

// Router owns the admission decision for incoming requests.
type Router struct {
	config   *config.RouterConfig
	pipeline *Pipeline
	selector *Selector
	limiter  *ratelimit.Limiter
	tracker  *budget.Tracker
}

// NewRouter wires the filter pipeline from the configuration toggles and
// the given collaborators.
func NewRouter(cfg *config.RouterConfig, tracker *budget.Tracker, limiter *ratelimit.Limiter, selector *Selector) *Router {
	pipeline := NewPipeline(
		&TagFilter{Enabled: cfg.RouterSettings.EnableTagFiltering},
		&TierFilter{},
		&BudgetFilter{Tracker: tracker},
	)
	return &Router{
		config:   cfg,
		pipeline: pipeline,
		selector: selector,
		limiter:  limiter,
		tracker:  tracker,
	}
}

// Pick chooses one deployment for the request, or explains the refusal.
// Only deployments actually drawn are charged an admission attempt.
func (r *Router) Pick(ctx context.Context, req *Request) (*config.Deployment, *Rejection) {
	candidates := r.config.DeploymentsForModel(req.Model)
	if len(candidates) == 0 {
		metrics.RecordRoutingDecision(req.Model, "no_eligible_deployment")
		return nil, logRejection(req, &Rejection{
			Code:   RejectionNoEligibleDeployment,
			Detail: fmt.Sprintf("no deployments registered for model %s", req.Model),
		})
	}

	pool, emptiedAt := r.pipeline.Apply(ctx, req, candidates)
	if len(pool) == 0 {
		return nil, r.rejectFiltered(req, emptiedAt)
	}

	var lastDenial *ratelimit.Decision
	for len(pool) > 0 {
		d := r.selector.Select(pool)
		decision := r.limiter.Check(ctx, d)
		if decision.Allowed {
			metrics.RecordRoutingDecision(req.Model, "selected")
			logging.Debugf("Request %s routed to deployment %s", req.RequestID, d.ID())
			return d, nil
		}
		logging.Debugf("Deployment %s at its %s limit, redrawing for request %s",
			d.ID(), decision.Metric, req.RequestID)
		lastDenial = decision
		pool = without(pool, d)
	}

	metrics.RecordRoutingDecision(req.Model, "rate_limited")
	return nil, logRejection(req, &Rejection{
		Code:       RejectionRateLimited,
		Metric:     lastDenial.Metric,
		Detail:     fmt.Sprintf("all deployments for model %s are at their %s limit", req.Model, lastDenial.Metric),
		RetryAfter: lastDenial.RetryAfter,
	})
}

func (r *Router) rejectFiltered(req *Request, stage string) *Rejection {
	if stage == StageBudget {
		metrics.RecordRoutingDecision(req.Model, "budget_exceeded")
		return logRejection(req, &Rejection{
			Code:   RejectionBudgetExceeded,
			Stage:  stage,
			Detail: fmt.Sprintf("every provider serving model %s is over budget", req.Model),
		})
	}
	metrics.RecordRoutingDecision(req.Model, "no_eligible_deployment")
	return logRejection(req, &Rejection{
		Code:   RejectionNoEligibleDeployment,
		Stage:  stage,
		Detail: fmt.Sprintf("no eligible deployments for model %s after %s filtering", req.Model, stage),
	})
}

func logRejection(req *Request, rej *Rejection) *Rejection {
	fields := map[string]interface{}{
		"request_id": req.RequestID,
		"model":      req.Model,
		"code":       string(rej.Code),
	}
	if rej.Stage != "" {
		fields["stage"] = rej.Stage
	}
	if rej.Metric != "" {
		fields["metric"] = rej.Metric
	}
	logging.LogEvent("admission_rejected", fields)
	return rej
}

// ReportCompletion records a finished call's token usage and spend.
// Bookkeeping failures are logged, never surfaced to the data path, and
// a report must arrive exactly once per completed call: retrying on an
// ambiguous failure double-counts spend.
func (r *Router) ReportCompletion(ctx context.Context, c *Completion) {
	d := r.config.FindDeployment(c.DeploymentID)
	if d == nil {
		logging.Warnf("Completion reported for unknown deployment %s", c.DeploymentID)
	} else if err := r.limiter.RecordUsage(ctx, d, c.TotalTokens); err != nil {
		logging.Warnf("Token usage not recorded for deployment %s: %v", d.ID(), err)
	}

	provider := c.Provider
	if provider == "" && d != nil {
		provider = d.Provider()
	}
	if provider == "" {
		return
	}
	if _, err := r.tracker.RecordSpend(ctx, provider, c.Spend); err != nil {
		logging.Warnf("Spend not recorded for provider %s: %v", provider, err)
	}
}

func without(pool []*config.Deployment, d *config.Deployment) []*config.Deployment {
	out := make([]*config.Deployment, 0, len(pool)-1)
	for _, c := range pool {
		if c != d {
			out = append(out, c)
		}
	}
	return out
}
