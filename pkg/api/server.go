// Package api exposes the admission decision over HTTP: deployment
// selection, completion reporting, and the read-only deployment and
// health views.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vllm-project/admission-router/pkg/cache"
	"github.com/vllm-project/admission-router/pkg/config"
	"github.com/vllm-project/admission-router/pkg/observability/logging"
	"github.com/vllm-project/admission-router/pkg/routing"
)

// Server holds the admission API state and dependencies.
type Server struct {
	router *routing.Router
	cache  *cache.TieredCache
	config *config.RouterConfig
}

// SelectRequest asks for one deployment to serve a model call.
type SelectRequest struct {
	// RequestID correlates the selection with its completion report; a
	// fresh one is issued when absent.
	RequestID string `json:"request_id,omitempty"`

	// Model is the public model alias to route.
	Model string `json:"model"`

	// Tags restrict the request to deployments covering all of them.
	Tags []string `json:"tags,omitempty"`

	// Tier is the caller's access class ("free" or "paid").
	Tier string `json:"tier,omitempty"`
}

// SelectedDeployment describes the admitted deployment.
type SelectedDeployment struct {
	ID        string `json:"id"`
	ModelName string `json:"model_name"`
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	APIBase   string `json:"api_base,omitempty"`
}

// SelectResponse is the successful admission outcome.
type SelectResponse struct {
	RequestID  string             `json:"request_id"`
	Deployment SelectedDeployment `json:"deployment"`
}

// ReportRequest reports a completed call for usage and spend bookkeeping.
type ReportRequest struct {
	RequestID    string  `json:"request_id,omitempty"`
	DeploymentID string  `json:"deployment_id"`
	Provider     string  `json:"provider,omitempty"`
	TotalTokens  int64   `json:"total_tokens,omitempty"`
	Spend        float64 `json:"spend,omitempty"`
}

// DeploymentsResponse lists the configured deployments. Credentials are
// redacted by serialization.
type DeploymentsResponse struct {
	Deployments []config.Deployment `json:"deployments"`
	Count       int                 `json:"count"`
}

// HealthResponse reports service and cache health. Admission fails open
// on cache trouble, so a degraded cache still answers healthy.
type HealthResponse struct {
	Status     string           `json:"status"`
	Cache      string           `json:"cache"`
	CacheStats cache.CacheStats `json:"cache_stats"`
}

// NewServer builds the admission API server over the given router and
// cache.
func NewServer(cfg *config.RouterConfig, router *routing.Router, tieredCache *cache.TieredCache) *Server {
	return &Server{
		router: router,
		cache:  tieredCache,
		config: cfg,
	}
}

// Start runs the admission API until the listener fails.
func Start(cfg *config.RouterConfig, router *routing.Router, tieredCache *cache.TieredCache) error {
	apiServer := NewServer(cfg, router, tieredCache)

	mux := apiServer.setupRoutes()
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logging.Infof("Admission API server listening on port %d", cfg.API.Port)
	return server.ListenAndServe()
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", s.handleHealth)

	// Admission endpoints
	mux.HandleFunc("POST /v1/admission/select", s.handleSelect)
	mux.HandleFunc("POST /v1/admission/report", s.handleReport)

	// Information endpoints
	mux.HandleFunc("GET /v1/deployments", s.handleDeployments)

	return mux
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cacheStatus := "connected"
	if err := s.cache.CheckConnection(r.Context()); err != nil {
		cacheStatus = "degraded"
	}

	s.writeJSONResponse(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Cache:      cacheStatus,
		CacheStats: s.cache.Stats(),
	})
}

// handleSelect admits one request and names the deployment to dispatch
// it to.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := s.parseJSONRequest(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if req.Model == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_INPUT", "model is required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	deployment, rejection := s.router.Pick(r.Context(), &routing.Request{
		RequestID: req.RequestID,
		Model:     req.Model,
		Tags:      req.Tags,
		Tier:      req.Tier,
	})
	if rejection != nil {
		s.writeRejection(w, rejection)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, SelectResponse{
		RequestID: req.RequestID,
		Deployment: SelectedDeployment{
			ID:        deployment.ID(),
			ModelName: deployment.ModelName,
			Model:     deployment.Params.Model,
			Provider:  deployment.Provider(),
			APIBase:   deployment.Params.APIBase,
		},
	})
}

// handleReport records a completed call. The response is 202 regardless
// of bookkeeping outcome; counters degrade rather than the data path.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := s.parseJSONRequest(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if req.DeploymentID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_INPUT", "deployment_id is required")
		return
	}

	s.router.ReportCompletion(r.Context(), &routing.Completion{
		DeploymentID: req.DeploymentID,
		Provider:     req.Provider,
		TotalTokens:  req.TotalTokens,
		Spend:        req.Spend,
	})

	s.writeJSONResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleDeployments lists the configured deployments
func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, DeploymentsResponse{
		Deployments: s.config.ModelList,
		Count:       len(s.config.ModelList),
	})
}

func (s *Server) writeRejection(w http.ResponseWriter, rejection *routing.Rejection) {
	status := http.StatusTooManyRequests
	if rejection.Code == routing.RejectionNoEligibleDeployment {
		status = http.StatusServiceUnavailable
	}
	if rejection.RetryAfter > 0 {
		seconds := int64((rejection.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	s.writeErrorResponse(w, status, strings.ToUpper(string(rejection.Code)), rejection.Detail)
}

// Helper methods for JSON handling
func (s *Server) parseJSONRequest(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}

	return nil
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	errorResponse := map[string]interface{}{
		"error": map[string]interface{}{
			"code":      errorCode,
			"message":   message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}

	s.writeJSONResponse(w, statusCode, errorResponse)
}
