package routing

import (
	"context"

	"github.com/vllm-project/admission-router/pkg/budget"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/observability/logging"
)

// Filter names one narrowing stage of the admission pipeline.
// Implementations are pure with respect to the candidate list: they
// return a subset (possibly the input slice itself) and never mutate it.
// Missing information passes candidates through rather than dropping
// them.
type Filter interface {
	// Name identifies the stage in logs and rejection details.
	Name() string

	// Apply narrows the candidate list for one request.
	Apply(ctx context.Context, req *Request, candidates []*config.Deployment) []*config.Deployment
}

// Stage names, also surfaced in rejections when a stage empties the list.
const (
	StageTags   = "tags"
	StageTier   = "tier"
	StageBudget = "provider_budget"
)

// TagFilter keeps deployments whose tag set covers every tag the request
// carries. Requests without tags pass everything; a deployment tagged
// only "default" therefore serves untagged requests and requests tagged
// "default", nothing else.
type TagFilter struct {
	// Enabled mirrors the router_settings toggle; a disabled filter
	// passes all candidates untouched.
	Enabled bool
}

func (f *TagFilter) Name() string { return StageTags }

func (f *TagFilter) Apply(ctx context.Context, req *Request, candidates []*config.Deployment) []*config.Deployment {
	if !f.Enabled || len(req.Tags) == 0 {
		return candidates
	}

	out := make([]*config.Deployment, 0, len(candidates))
	for _, d := range candidates {
		if coversTags(d.Tags(), req.Tags) {
			out = append(out, d)
		}
	}
	return out
}

func coversTags(deploymentTags, requestTags []string) bool {
	set := make(map[string]bool, len(deploymentTags))
	for _, tag := range deploymentTags {
		set[tag] = true
	}
	for _, tag := range requestTags {
		if !set[tag] {
			return false
		}
	}
	return true
}

// TierFilter keeps deployments serving the requested access class.
// Requests without a tier pass everything; deployments without a tier
// serve any request.
type TierFilter struct{}

func (f *TierFilter) Name() string { return StageTier }

func (f *TierFilter) Apply(ctx context.Context, req *Request, candidates []*config.Deployment) []*config.Deployment {
	if req.Tier == "" {
		return candidates
	}

	out := make([]*config.Deployment, 0, len(candidates))
	for _, d := range candidates {
		if d.Tier() == "" || d.Tier() == req.Tier {
			out = append(out, d)
		}
	}
	return out
}

// BudgetFilter drops deployments whose provider has exhausted its spend
// budget this window.
type BudgetFilter struct {
	Tracker *budget.Tracker
}

func (f *BudgetFilter) Name() string { return StageBudget }

func (f *BudgetFilter) Apply(ctx context.Context, req *Request, candidates []*config.Deployment) []*config.Deployment {
	return f.Tracker.FilterWithinBudget(ctx, candidates)
}

// Pipeline composes filters left to right and stops at the first stage
// that empties the candidate list.
type Pipeline struct {
	filters []Filter
}

// NewPipeline builds a pipeline running the given filters in order.
func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

// Apply narrows candidates through every stage. When a stage empties the
// list, Apply returns nil and that stage's name; otherwise the survivors
// and an empty string.
func (p *Pipeline) Apply(ctx context.Context, req *Request, candidates []*config.Deployment) ([]*config.Deployment, string) {
	if len(candidates) == 0 {
		return nil, ""
	}
	for _, f := range p.filters {
		before := len(candidates)
		candidates = f.Apply(ctx, req, candidates)
		if len(candidates) < before {
			logging.Debugf("Filter %s narrowed candidates from %d to %d", f.Name(), before, len(candidates))
		}
		if len(candidates) == 0 {
			return nil, f.Name()
		}
	}
	return candidates, ""
}
