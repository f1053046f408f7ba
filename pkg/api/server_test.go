package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/exp/rand"

	"github.com/vllm-project/admission-router/pkg/budget"
	"github.com/vllm-project/admission-router/pkg/cache"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/ratelimit"
	"github.com/vllm-project/admission-router/pkg/routing"
)

// newTestServer wires a handler over an in-memory two-tier cache.
func newTestServer(t *testing.T, cfg *config.RouterConfig) (http.Handler, *cache.TieredCache) {
	t.Helper()

	local, err := cache.NewMemoryBackend(cache.MemoryBackendConfig{MaxEntries: 1024})
	if err != nil {
		t.Fatalf("NewMemoryBackend() error = %v", err)
	}
	shared, err := cache.NewMemoryBackend(cache.MemoryBackendConfig{MaxEntries: 1024})
	if err != nil {
		t.Fatalf("NewMemoryBackend() error = %v", err)
	}
	tiered := cache.NewTieredCache(local, shared, 5*time.Second)
	t.Cleanup(func() { tiered.Close() })

	tracker := budget.NewTracker(tiered, cfg.RouterSettings.ProviderBudgets)
	limiter := ratelimit.NewLimiter(tiered, cfg.RouterSettings.EnforceModelRateLimits)
	router := routing.NewRouter(cfg, tracker, limiter, routing.NewSelector(rand.NewSource(7)))

	return NewServer(cfg, router, tiered).setupRoutes(), tiered
}

// apiTestConfig declares one openai deployment behind the "gpt-4o" alias.
func apiTestConfig() *config.RouterConfig {
	return &config.RouterConfig{
		ModelList: []config.Deployment{
			{
				ModelName: "gpt-4o",
				Params: config.ModelParams{
					Model:   "openai/gpt-4o",
					APIKey:  "sk-test-secret",
					APIBase: "https://api.openai.com/v1",
				},
				ModelInfo: config.ModelInfo{ID: "gpt-a"},
			},
		},
	}
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// errorCode digs the machine-readable code out of the error envelope.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return body.Error.Code
}

// seedWindow writes a counter into the current and next minute buckets so
// the reading survives a minute rollover mid-test.
func seedWindow(t *testing.T, tieredCache *cache.TieredCache, deploymentID, metric string, n int64) {
	t.Helper()
	now := time.Now()
	for _, at := range []time.Time{now, now.Add(time.Minute)} {
		key := ratelimit.WindowKey(deploymentID, metric, at)
		if err := tieredCache.Set(context.Background(), key, cache.FormatCounter(float64(n)), 5*time.Minute); err != nil {
			t.Fatalf("seeding %s: %v", key, err)
		}
	}
}

// windowTotal sums a deployment's counter across the adjacent minute
// buckets, so assertions hold across a rollover.
func windowTotal(tieredCache *cache.TieredCache, deploymentID, metric string) float64 {
	now := time.Now()
	var total float64
	for _, at := range []time.Time{now.Add(-time.Minute), now, now.Add(time.Minute)} {
		value, ok := tieredCache.GetLocal(ratelimit.WindowKey(deploymentID, metric, at))
		if !ok {
			continue
		}
		n, err := cache.ParseCounter(value)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// failingBackend errors on every operation, standing in for an
// unreachable shared tier.
type failingBackend struct{}

var errBackendDown = errors.New("backend down")

func (f *failingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errBackendDown
}

func (f *failingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errBackendDown
}

func (f *failingBackend) Increment(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	return 0, errBackendDown
}

func (f *failingBackend) BatchGet(ctx context.Context, keys []string) ([][]byte, error) {
	return nil, errBackendDown
}

func (f *failingBackend) Kind() cache.BackendKind { return cache.RedisBackendKind }

func (f *failingBackend) CheckConnection(ctx context.Context) error { return errBackendDown }

func (f *failingBackend) Close() error { return nil }

// ── selection ──────────────────────────────────────────────────────────

func TestSelectReturnsDeployment(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := postJSON(t, handler, "/v1/admission/select", `{"model": "gpt-4o"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp SelectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.RequestID == "" {
		t.Error("request_id is empty, want a generated id")
	}
	if resp.Deployment.ID != "gpt-a" {
		t.Errorf("deployment.id = %q, want gpt-a", resp.Deployment.ID)
	}
	if resp.Deployment.ModelName != "gpt-4o" {
		t.Errorf("deployment.model_name = %q, want gpt-4o", resp.Deployment.ModelName)
	}
	if resp.Deployment.Model != "openai/gpt-4o" {
		t.Errorf("deployment.model = %q, want openai/gpt-4o", resp.Deployment.Model)
	}
	if resp.Deployment.Provider != "openai" {
		t.Errorf("deployment.provider = %q, want openai", resp.Deployment.Provider)
	}
}

func TestSelectEchoesRequestID(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := postJSON(t, handler, "/v1/admission/select", `{"request_id": "req-123", "model": "gpt-4o"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp SelectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.RequestID != "req-123" {
		t.Errorf("request_id = %q, want req-123", resp.RequestID)
	}
}

func TestSelectRequiresModel(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := postJSON(t, handler, "/v1/admission/select", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("select status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rec); code != "INVALID_INPUT" {
		t.Errorf("error code = %q, want INVALID_INPUT", code)
	}
}

func TestSelectMalformedBody(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := postJSON(t, handler, "/v1/admission/select", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("select status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rec); code != "INVALID_INPUT" {
		t.Errorf("error code = %q, want INVALID_INPUT", code)
	}
}

func TestSelectUnknownModel(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := postJSON(t, handler, "/v1/admission/select", `{"model": "mystery"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("select status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if code := errorCode(t, rec); code != "NO_ELIGIBLE_DEPLOYMENT" {
		t.Errorf("error code = %q, want NO_ELIGIBLE_DEPLOYMENT", code)
	}
}

func TestSelectRateLimited(t *testing.T) {
	cfg := apiTestConfig()
	cfg.ModelList[0].Params.RPM = 1
	cfg.RouterSettings.EnforceModelRateLimits = true
	handler, tiered := newTestServer(t, cfg)

	seedWindow(t, tiered, "gpt-a", ratelimit.MetricRPM, 1)

	rec := postJSON(t, handler, "/v1/admission/select", `{"model": "gpt-4o"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("select status = %d, want %d: %s", rec.Code, http.StatusTooManyRequests, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "RATE_LIMITED" {
		t.Errorf("error code = %q, want RATE_LIMITED", code)
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("Retry-After header missing on rate-limit rejection")
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Fatalf("Retry-After = %q, want whole seconds: %v", retryAfter, err)
	}
	if seconds < 1 || seconds > 60 {
		t.Errorf("Retry-After = %d, want within (0, 60]", seconds)
	}
}

func TestSelectBudgetExceeded(t *testing.T) {
	cfg := apiTestConfig()
	cfg.RouterSettings.ProviderBudgets = map[string]config.ProviderBudget{
		"openai": {BudgetLimit: 10, TimePeriod: "1d"},
	}
	handler, _ := newTestServer(t, cfg)

	rec := postJSON(t, handler, "/v1/admission/report", `{"deployment_id": "gpt-a", "spend": 12}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("report status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	rec = postJSON(t, handler, "/v1/admission/select", `{"model": "gpt-4o"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("select status = %d, want %d: %s", rec.Code, http.StatusTooManyRequests, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "BUDGET_EXCEEDED" {
		t.Errorf("error code = %q, want BUDGET_EXCEEDED", code)
	}
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After = %q, want unset for budget rejections", got)
	}
}

// ── completion reporting ───────────────────────────────────────────────

func TestReportRecordsUsage(t *testing.T) {
	handler, tiered := newTestServer(t, apiTestConfig())

	rec := postJSON(t, handler, "/v1/admission/report", `{"deployment_id": "gpt-a", "total_tokens": 150}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("report status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Errorf("status = %q, want accepted", resp["status"])
	}

	if total := windowTotal(tiered, "gpt-a", ratelimit.MetricTPM); total != 150 {
		t.Errorf("recorded tokens = %v, want 150", total)
	}
}

func TestReportRequiresDeploymentID(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := postJSON(t, handler, "/v1/admission/report", `{"total_tokens": 5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("report status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if code := errorCode(t, rec); code != "INVALID_INPUT" {
		t.Errorf("error code = %q, want INVALID_INPUT", code)
	}
}

// ── information endpoints ──────────────────────────────────────────────

func TestDeploymentsRedactsCredentials(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := getPath(t, handler, "/v1/deployments")
	if rec.Code != http.StatusOK {
		t.Fatalf("deployments status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp DeploymentsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Count != 1 || len(resp.Deployments) != 1 {
		t.Fatalf("deployments count = %d (len %d), want 1", resp.Count, len(resp.Deployments))
	}
	if resp.Deployments[0].ModelName != "gpt-4o" {
		t.Errorf("model_name = %q, want gpt-4o", resp.Deployments[0].ModelName)
	}

	if body := rec.Body.String(); strings.Contains(body, "sk-test-secret") {
		t.Error("deployments response leaks api_key")
	}
}

func TestHealthConnected(t *testing.T) {
	handler, _ := newTestServer(t, apiTestConfig())

	rec := getPath(t, handler, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Cache != "connected" {
		t.Errorf("cache = %q, want connected", resp.Cache)
	}
}

func TestHealthDegraded(t *testing.T) {
	local, err := cache.NewMemoryBackend(cache.MemoryBackendConfig{MaxEntries: 1024})
	if err != nil {
		t.Fatalf("NewMemoryBackend() error = %v", err)
	}
	tiered := cache.NewTieredCache(local, &failingBackend{}, 5*time.Second)
	t.Cleanup(func() { tiered.Close() })

	cfg := apiTestConfig()
	tracker := budget.NewTracker(tiered, nil)
	limiter := ratelimit.NewLimiter(tiered, false)
	router := routing.NewRouter(cfg, tracker, limiter, routing.NewSelector(nil))
	handler := NewServer(cfg, router, tiered).setupRoutes()

	rec := getPath(t, handler, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy even when the shared tier is down", resp.Status)
	}
	if resp.Cache != "degraded" {
		t.Errorf("cache = %q, want degraded", resp.Cache)
	}
}
