// Package ratelimit enforces per-deployment TPM and RPM ceilings over the
// tiered counter cache. Usage is counted against fixed UTC minute windows:
// each minute gets its own key, so a window never slides and stale windows
// expire on their own. Cache failures never block admission; the limiter
// fails open.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vllm-project/admission-router/pkg/cache"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/observability/logging"
	"github.com/vllm-project/admission-router/pkg/observability/metrics"
)

// Metric names the two per-minute ceilings a deployment may declare.
const (
	MetricTPM = "tpm"
	MetricRPM = "rpm"
)

const (
	// windowTTL keeps a minute counter alive just past its own window.
	windowTTL = 60 * time.Second

	// windowLayout renders the minute bucket in window keys.
	windowLayout = "15-04"
)

// Decision is the outcome of checking one deployment.
type Decision struct {
	Allowed bool

	// Metric names the exhausted ceiling when denied: "tpm" or "rpm".
	Metric string

	// Limit is the configured per-minute ceiling behind the denial.
	Limit int64

	// Observed is the counter reading that triggered the denial.
	Observed float64

	// RetryAfter is the time until the current minute window closes.
	RetryAfter time.Duration
}

// Limiter checks deployments against their declared TPM/RPM ceilings and
// records token usage after completed calls.
type Limiter struct {
	cache   *cache.TieredCache
	enforce bool
	now     func() time.Time
}

// NewLimiter builds a limiter over the tiered cache. When enforce is false
// every check allows, but usage recording still runs so the counters stay
// truthful for when enforcement is switched on.
func NewLimiter(tieredCache *cache.TieredCache, enforce bool) *Limiter {
	return &Limiter{
		cache:   tieredCache,
		enforce: enforce,
		now:     time.Now,
	}
}

// WindowKey is the counter key for one deployment, metric, and minute.
func WindowKey(deploymentID, metric string, t time.Time) string {
	return fmt.Sprintf("%s:%s:%s", deploymentID, metric, t.UTC().Format(windowLayout))
}

// Check decides whether the deployment may take one more request this
// minute. TPM is a pure read check against recorded usage. RPM reserves
// the slot: the request counter is incremented before the outcome of the
// call is known, so it counts admission attempts. A denial on the
// post-increment value stands; the increment is not rolled back.
func (l *Limiter) Check(ctx context.Context, d *config.Deployment) *Decision {
	if !l.enforce || !d.HasRateLimits() {
		return &Decision{Allowed: true}
	}
	now := l.now()

	if tpm := d.Params.TPM; tpm > 0 {
		// Local read only: token accounting is advisory and not worth a
		// network round trip on the hot path.
		if current, ok := l.readLocal(WindowKey(d.ID(), MetricTPM, now)); ok && current >= float64(tpm) {
			metrics.RecordRateLimitDecision(MetricTPM, "denied")
			return deny(MetricTPM, tpm, current, now)
		}
		metrics.RecordRateLimitDecision(MetricTPM, "allowed")
	}

	if rpm := d.Params.RPM; rpm > 0 {
		key := WindowKey(d.ID(), MetricRPM, now)
		if current, ok := l.read(ctx, key); ok && current >= float64(rpm) {
			metrics.RecordRateLimitDecision(MetricRPM, "denied")
			return deny(MetricRPM, rpm, current, now)
		}

		count, err := l.cache.Increment(ctx, key, 1, windowTTL)
		if err != nil {
			logging.Warnf("Request counter increment failed for deployment %s, allowing: %v", d.ID(), err)
			metrics.RecordRateLimitDecision(MetricRPM, "fail_open")
			return &Decision{Allowed: true}
		}
		// Covers two callers passing the read check in the same instant.
		if count > float64(rpm) {
			metrics.RecordRateLimitDecision(MetricRPM, "denied")
			return deny(MetricRPM, rpm, count, now)
		}
		metrics.RecordRateLimitDecision(MetricRPM, "allowed")
	}

	return &Decision{Allowed: true}
}

// RecordUsage adds a completed call's total tokens to the deployment's
// current-minute token window. It runs regardless of which strategy picked
// the deployment so TPM accounting reflects actual usage.
func (l *Limiter) RecordUsage(ctx context.Context, d *config.Deployment, totalTokens int64) error {
	if totalTokens <= 0 {
		return nil
	}
	key := WindowKey(d.ID(), MetricTPM, l.now())
	if _, err := l.cache.Increment(ctx, key, float64(totalTokens), windowTTL); err != nil {
		return fmt.Errorf("failed to record token usage for deployment %s: %w", d.ID(), err)
	}
	return nil
}

// read returns the counter at key and whether a usable reading exists.
// Absent keys, backend failures, and unreadable values all count as no
// reading.
func (l *Limiter) read(ctx context.Context, key string) (float64, bool) {
	value, ok := l.cache.Get(ctx, key)
	if !ok {
		return 0, false
	}
	return l.parse(key, value)
}

func (l *Limiter) readLocal(key string) (float64, bool) {
	value, ok := l.cache.GetLocal(key)
	if !ok {
		return 0, false
	}
	return l.parse(key, value)
}

func (l *Limiter) parse(key string, value []byte) (float64, bool) {
	current, err := cache.ParseCounter(value)
	if err != nil {
		logging.Warnf("Unreadable rate limit counter %s: %v", key, err)
		return 0, false
	}
	return current, true
}

func deny(metric string, limit int64, observed float64, now time.Time) *Decision {
	return &Decision{
		Metric:     metric,
		Limit:      limit,
		Observed:   observed,
		RetryAfter: untilNextMinute(now),
	}
}

func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
