// Package rest exposes the query layer and pipeline introspection over
// HTTP.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/health"
	logpkg "github.com/terrascope-io/terrascope/internal/logger"
	"github.com/terrascope-io/terrascope/internal/pipeline"
	"github.com/terrascope-io/terrascope/internal/query"
	"github.com/terrascope-io/terrascope/internal/version"
)

// Searcher answers structured queries against the record index.
type Searcher interface {
	Search(ctx context.Context, req query.SearchRequest) (*query.SearchResult, error)
	Drilldown(ctx context.Context, req query.DrilldownRequest) (*query.SearchResult, error)
	MultiSearch(ctx context.Context, req query.MultiSearchRequest) (*query.SearchResult, error)
}

// RawSearcher forwards a raw engine query document.
type RawSearcher interface {
	RawSearch(ctx context.Context, q map[string]any) (json.RawMessage, error)
}

// StatsProvider reports pipeline counters and queue depths.
type StatsProvider interface {
	Stats(ctx context.Context) pipeline.Stats
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Info describes the running instance: whether it ingests or only serves
// queries, and which sources feed it.
type Info struct {
	Mode    string   `json:"mode"`
	Sources []string `json:"sources"`
}

// Server is the HTTP API.
type Server struct {
	search        Searcher
	raw           RawSearcher
	stats         StatsProvider
	health        HealthChecker
	info          Info
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(search Searcher, raw RawSearcher, stats StatsProvider, healthSvc HealthChecker, info Info, logger *zap.Logger) *Server {
	s := &Server{
		search: search,
		raw:    raw,
		stats:  stats,
		health: healthSvc,
		info:   info,
		logger: logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"),
		sentinelHandler(domain.ErrFieldNotAllowed, http.StatusBadRequest, "field_not_allowed"),
		sentinelHandler(domain.ErrDocumentNotFound, http.StatusNotFound, "document_not_found"),
	}
	return s
}

// Routes mounts all handlers on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/", s.root)
	r.Get("/stats", s.getStats)
	r.Get("/health", s.getHealth)
	r.Post("/search", s.rawSearch)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/search", s.apiSearch)
		r.Post("/drilldown", s.apiDrilldown)
		r.Post("/multi-search", s.apiMultiSearch)
	})
}

// root handles GET /.
func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "terrascope",
		"version": version.Version,
		"commit":  version.Commit,
		"mode":    s.info.Mode,
	})
}

// statsResponse is the /stats payload: instance info plus counters and
// queue depths.
type statsResponse struct {
	Info
	pipeline.Stats
}

// getStats handles GET /stats.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Info:  s.info,
		Stats: s.stats.Stats(r.Context()),
	})
}

// getHealth handles GET /health. Degraded reports 503 so load balancers
// pull the instance.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status != health.Healthy {
		status = http.StatusServiceUnavailable
		s.logger.Warn("health degraded", zap.Any("checks", report.Checks))
	}
	writeJSON(w, status, report)
}

// rawSearch handles POST /search: the query document is forwarded to the
// engine untouched and the engine's response comes back verbatim.
func (s *Server) rawSearch(w http.ResponseWriter, r *http.Request) {
	var q map[string]any
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	resp, err := s.raw.RawSearch(r.Context(), q)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// apiSearch handles POST /api/search.
func (s *Server) apiSearch(w http.ResponseWriter, r *http.Request) {
	var req query.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	result, err := s.search.Search(r.Context(), req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// apiDrilldown handles POST /api/drilldown.
func (s *Server) apiDrilldown(w http.ResponseWriter, r *http.Request) {
	var req query.DrilldownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	result, err := s.search.Drilldown(r.Context(), req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// apiMultiSearch handles POST /api/multi-search.
func (s *Server) apiMultiSearch(w http.ResponseWriter, r *http.Request) {
	var req query.MultiSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	result, err := s.search.MultiSearch(r.Context(), req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client
// without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrInvalidRequest,
		domain.ErrFieldNotAllowed,
		domain.ErrDocumentNotFound,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// handleDomainError maps sentinel errors to HTTP statuses. Anything
// unmapped is logged through the request-scoped logger and hidden behind
// a generic 500.
func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	logpkg.FromContext(r.Context()).Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
