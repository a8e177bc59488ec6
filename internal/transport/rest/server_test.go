package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/health"
	logpkg "github.com/terrascope-io/terrascope/internal/logger"
	"github.com/terrascope-io/terrascope/internal/metrics"
	"github.com/terrascope-io/terrascope/internal/pipeline"
	"github.com/terrascope-io/terrascope/internal/query"
)

// --- Mocks ---

type mockSearcher struct {
	result *query.SearchResult
	err    error
	last   any
}

func (m *mockSearcher) Search(_ context.Context, req query.SearchRequest) (*query.SearchResult, error) {
	m.last = req
	return m.result, m.err
}

func (m *mockSearcher) Drilldown(_ context.Context, req query.DrilldownRequest) (*query.SearchResult, error) {
	m.last = req
	return m.result, m.err
}

func (m *mockSearcher) MultiSearch(_ context.Context, req query.MultiSearchRequest) (*query.SearchResult, error) {
	m.last = req
	return m.result, m.err
}

type mockRawSearcher struct {
	response json.RawMessage
	err      error
}

func (m *mockRawSearcher) RawSearch(_ context.Context, _ map[string]any) (json.RawMessage, error) {
	return m.response, m.err
}

type mockStats struct{}

func (m *mockStats) Stats(_ context.Context) pipeline.Stats {
	return pipeline.Stats{
		Pipeline: metrics.Snapshot{Collected: 7, Indexed: 5},
		Queues:   map[string]int{"raw": 1, "records": 0},
	}
}

type mockHealth struct {
	report health.Report
}

func (m *mockHealth) Check(_ context.Context) health.Report { return m.report }

func testRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

func newTestServer(search *mockSearcher, raw *mockRawSearcher) *Server {
	if search == nil {
		search = &mockSearcher{result: &query.SearchResult{}}
	}
	if raw == nil {
		raw = &mockRawSearcher{response: json.RawMessage(`{}`)}
	}
	info := Info{Mode: "ingest", Sources: []string{"filesystem"}}
	return NewServer(search, raw, &mockStats{},
		&mockHealth{report: health.Report{Status: health.Healthy}}, info, zap.NewNop())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- Tests ---

func TestRootReturnsServiceInfo(t *testing.T) {
	rec := do(t, testRouter(newTestServer(nil, nil)), http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["service"] != "terrascope" {
		t.Errorf("body = %v", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	rec := do(t, testRouter(newTestServer(nil, nil)), http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Pipeline.Collected != 7 || stats.Queues["raw"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Mode != "ingest" || len(stats.Sources) != 1 {
		t.Errorf("info = %+v", stats.Info)
	}
}

func TestHealthDegradedReturns503(t *testing.T) {
	s := NewServer(&mockSearcher{result: &query.SearchResult{}}, &mockRawSearcher{}, &mockStats{},
		&mockHealth{report: health.Report{Status: health.Degraded}}, Info{Mode: "query"}, zap.NewNop())
	rec := do(t, testRouter(s), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRawSearchPassthrough(t *testing.T) {
	raw := &mockRawSearcher{response: json.RawMessage(`{"hits":{"total":{"value":3}}}`)}
	rec := do(t, testRouter(newTestServer(nil, raw)), http.MethodPost, "/search",
		`{"query":{"match_all":{}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"value":3`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRawSearchRejectsBadBody(t *testing.T) {
	rec := do(t, testRouter(newTestServer(nil, nil)), http.MethodPost, "/search", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestApiSearchDecodesRequest(t *testing.T) {
	search := &mockSearcher{result: &query.SearchResult{Total: 1}}
	rec := do(t, testRouter(newTestServer(search, nil)), http.MethodPost, "/api/search",
		`{"query":"web","filters":{"resourceType":["aws_instance"]},"size":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	req, ok := search.last.(query.SearchRequest)
	if !ok {
		t.Fatalf("last request = %T", search.last)
	}
	if req.Query != "web" || req.Size != 5 || len(req.Filters["resourceType"]) != 1 {
		t.Errorf("req = %+v", req)
	}
}

func TestDomainErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid request", domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"field not allowed", domain.ErrFieldNotAllowed, http.StatusBadRequest, "field_not_allowed"},
		{"not found", domain.ErrDocumentNotFound, http.StatusNotFound, "document_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			search := &mockSearcher{err: tc.err}
			rec := do(t, testRouter(newTestServer(search, nil)), http.MethodPost, "/api/drilldown",
				`{"id":"a","fields":["resourceType"]}`)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Code != tc.code {
				t.Errorf("code = %q, want %q", body.Code, tc.code)
			}
		})
	}
}

func TestUnknownErrorReturns500WithoutDetails(t *testing.T) {
	search := &mockSearcher{err: context.DeadlineExceeded}
	rec := do(t, testRouter(newTestServer(search, nil)), http.MethodPost, "/api/multi-search",
		`{"pairs":[{"field":"resourceType","value":"aws_instance"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "deadline") {
		t.Errorf("internal details leaked: %s", rec.Body.String())
	}
}

func TestInternalErrorsLogThroughRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	reqLogger := zap.New(core)

	search := &mockSearcher{err: context.DeadlineExceeded}
	s := newTestServer(search, nil)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logpkg.ContextWithLogger(req.Context(), reqLogger)))
		})
	})
	s.Routes(r)

	rec := do(t, r, http.MethodPost, "/api/search", `{"query":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if logs.FilterMessage("internal error").Len() != 1 {
		t.Errorf("expected one internal error log through the request logger, got %d entries", logs.Len())
	}
}

func TestMetricsEndpointIsMounted(t *testing.T) {
	rec := do(t, testRouter(newTestServer(nil, nil)), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
