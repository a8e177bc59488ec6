// Package query builds search-engine query documents for the read side:
// faceted free-text search, similarity drilldown from one record, and
// multi-field search.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/es"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// facetFields are the fields clients may aggregate on.
var facetFields = map[string]bool{
	"resourceType": true,
	"source.kind":  true,
	"toolVersion":  true,
}

// defaultFacets are computed on every search unless the client narrows
// the set.
var defaultFacets = []string{"resourceType", "source.kind", "toolVersion"}

// drilldownFields are the fields clients may pivot or filter on. They are
// all keyword-mapped, so exact term matching is well defined.
var drilldownFields = map[string]bool{
	"resourceType":      true,
	"resourceName":      true,
	"provider":          true,
	"mode":              true,
	"toolVersion":       true,
	"source.kind":       true,
	"source.identifier": true,
}

// Engine is the slice of the search client the service needs.
type Engine interface {
	Search(ctx context.Context, query map[string]any) (*es.SearchResponse, error)
	GetDocument(ctx context.Context, id string) (json.RawMessage, error)
}

// Service answers read queries against the record index.
type Service struct {
	engine Engine
	logger *zap.Logger
}

// NewService creates a query service over the given engine.
func NewService(engine Engine, logger *zap.Logger) *Service {
	return &Service{engine: engine, logger: logger.Named("query")}
}

// SearchRequest is a faceted free-text search.
type SearchRequest struct {
	Query   string              `json:"query"`
	Filters map[string][]string `json:"filters"`
	Facets  []string            `json:"facets"`
	From    int                 `json:"from"`
	Size    int                 `json:"size"`
}

// FacetBucket is one value of a requested facet with its record count.
type FacetBucket struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Hit is one matched record.
type Hit struct {
	ID     string          `json:"id"`
	Score  float64         `json:"score"`
	Record json.RawMessage `json:"record"`
}

// SearchResult is a page of hits plus the computed facets. Drilldown
// echoes its pivot fields with the origin's values; multi-search echoes
// the field/value pairs it matched.
type SearchResult struct {
	Total  int64                    `json:"total"`
	From   int                      `json:"from"`
	Size   int                      `json:"size"`
	Hits   []Hit                    `json:"hits"`
	Facets map[string][]FacetBucket `json:"facets,omitempty"`
	Fields map[string]any           `json:"fields,omitempty"`
	Pairs  []FieldQuery             `json:"pairs,omitempty"`
}

// Search runs a fuzzy free-text query with optional exact filters and
// facet aggregations over the allow-listed facet fields.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	from, size, err := page(req.From, req.Size)
	if err != nil {
		return nil, err
	}
	for field := range req.Filters {
		if !drilldownFields[field] {
			return nil, fmt.Errorf("%w: filter field %q", domain.ErrFieldNotAllowed, field)
		}
	}
	for _, field := range req.Facets {
		if !facetFields[field] {
			return nil, fmt.Errorf("%w: facet field %q", domain.ErrFieldNotAllowed, field)
		}
	}
	facetList := req.Facets
	if len(facetList) == 0 {
		facetList = defaultFacets
	}

	aggs := map[string]any{}
	for _, field := range facetList {
		aggs[field] = map[string]any{"terms": map[string]any{"field": field, "size": 50}}
	}
	query := map[string]any{
		"from":  from,
		"size":  size,
		"query": boolQuery(matchClause(req.Query), filterClauses(req.Filters), nil),
		"sort":  defaultSort(),
		"aggs":  aggs,
	}

	resp, err := s.engine.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{
		Total: resp.Total,
		From:  from,
		Size:  size,
		Hits:  hits(resp),
	}
	result.Facets, err = facets(resp.Aggregations, facetList)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DrilldownRequest asks for records similar to an existing one along the
// given fields.
type DrilldownRequest struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields"`
	Size   int      `json:"size"`
}

// Drilldown finds records sharing the origin record's values on the
// requested fields. The origin itself is excluded from the results.
func (s *Service) Drilldown(ctx context.Context, req DrilldownRequest) (*SearchResult, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidRequest)
	}
	if len(req.Fields) == 0 {
		return nil, fmt.Errorf("%w: at least one field is required", domain.ErrInvalidRequest)
	}
	_, size, err := page(0, req.Size)
	if err != nil {
		return nil, err
	}
	for _, field := range req.Fields {
		if !drilldownFields[field] {
			return nil, fmt.Errorf("%w: drilldown field %q", domain.ErrFieldNotAllowed, field)
		}
	}

	source, err := s.engine.GetDocument(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	var origin map[string]any
	if err := json.Unmarshal(source, &origin); err != nil {
		return nil, fmt.Errorf("decode origin record: %w", err)
	}

	values := make(map[string]any, len(req.Fields))
	var filters []map[string]any
	for _, field := range req.Fields {
		value, ok := lookupField(origin, field)
		if !ok {
			// The origin carries no value for this field, so nothing can
			// share it. An empty page, not an error.
			values[field] = nil
			return &SearchResult{Size: size, Hits: []Hit{}, Fields: values}, nil
		}
		values[field] = value
		filters = append(filters, map[string]any{"term": map[string]any{field: value}})
	}

	query := map[string]any{
		"size": size,
		"query": boolQuery(nil, filters, []map[string]any{
			{"ids": map[string]any{"values": []string{req.ID}}},
		}),
		"sort": defaultSort(),
	}

	resp, err := s.engine.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Total: resp.Total, Size: size, Hits: hits(resp), Fields: values}, nil
}

// FieldQuery is one field/value pair of a multi-search.
type FieldQuery struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// MultiSearchRequest matches records on several fields at once. Every
// pair must match.
type MultiSearchRequest struct {
	Pairs []FieldQuery `json:"pairs"`
	From  int          `json:"from"`
	Size  int          `json:"size"`
}

// MultiSearch runs a conjunction of per-field fuzzy matches. Flattened
// attribute fields are fair game here, so unmapped names are tolerated
// rather than rejected.
func (s *Service) MultiSearch(ctx context.Context, req MultiSearchRequest) (*SearchResult, error) {
	if len(req.Pairs) == 0 {
		return nil, fmt.Errorf("%w: at least one field/value pair is required", domain.ErrInvalidRequest)
	}
	from, size, err := page(req.From, req.Size)
	if err != nil {
		return nil, err
	}

	var must []map[string]any
	for _, pair := range req.Pairs {
		if pair.Field == "" {
			return nil, fmt.Errorf("%w: empty field name", domain.ErrInvalidRequest)
		}
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":     pair.Value,
				"fields":    []string{pair.Field},
				"fuzziness": "AUTO",
				"lenient":   true,
			},
		})
	}

	query := map[string]any{
		"from":  from,
		"size":  size,
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"sort":  defaultSort(),
	}

	resp, err := s.engine.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Total: resp.Total, From: from, Size: size, Hits: hits(resp), Pairs: req.Pairs}, nil
}

// page validates and defaults pagination.
func page(from, size int) (int, int, error) {
	if from < 0 {
		return 0, 0, fmt.Errorf("%w: from must not be negative", domain.ErrInvalidRequest)
	}
	switch {
	case size == 0:
		size = DefaultPageSize
	case size < 0 || size > MaxPageSize:
		return 0, 0, fmt.Errorf("%w: size must be between 1 and %d", domain.ErrInvalidRequest, MaxPageSize)
	}
	return from, size, nil
}

// matchClause builds the free-text part of a search: a fuzzy multi-match
// across identity and flattened attribute fields, or match_all when the
// query string is empty.
func matchClause(text string) map[string]any {
	if text == "" {
		return map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{
		"multi_match": map[string]any{
			"query":     text,
			"fields":    []string{"resourceType^2", "resourceName^2", "provider", "toolVersion", "attr_*"},
			"fuzziness": "AUTO",
			"lenient":   true,
		},
	}
}

func filterClauses(filters map[string][]string) []map[string]any {
	var out []map[string]any
	for field, values := range filters {
		if len(values) == 0 {
			continue
		}
		out = append(out, map[string]any{"terms": map[string]any{field: values}})
	}
	return out
}

func boolQuery(must map[string]any, filter, mustNot []map[string]any) map[string]any {
	b := map[string]any{}
	if must != nil {
		b["must"] = must
	}
	if len(filter) > 0 {
		b["filter"] = filter
	}
	if len(mustNot) > 0 {
		b["must_not"] = mustNot
	}
	return map[string]any{"bool": b}
}

// defaultSort ranks by relevance first, then recency of observation.
func defaultSort() []map[string]any {
	return []map[string]any{
		{"_score": map[string]any{"order": "desc"}},
		{"source.observedAt": map[string]any{"order": "desc"}},
	}
}

func hits(resp *es.SearchResponse) []Hit {
	out := make([]Hit, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		out = append(out, Hit{ID: h.ID, Score: h.Score, Record: h.Source})
	}
	return out
}

type termsAggregation struct {
	Buckets []struct {
		Key      any   `json:"key"`
		DocCount int64 `json:"doc_count"`
	} `json:"buckets"`
}

func facets(aggs map[string]json.RawMessage, fields []string) (map[string][]FacetBucket, error) {
	out := make(map[string][]FacetBucket, len(fields))
	for _, field := range fields {
		raw, ok := aggs[field]
		if !ok {
			out[field] = []FacetBucket{}
			continue
		}
		var agg termsAggregation
		if err := json.Unmarshal(raw, &agg); err != nil {
			return nil, fmt.Errorf("decode facet %q: %w", field, err)
		}
		buckets := make([]FacetBucket, 0, len(agg.Buckets))
		for _, b := range agg.Buckets {
			buckets = append(buckets, FacetBucket{Value: fmt.Sprint(b.Key), Count: b.DocCount})
		}
		out[field] = buckets
	}
	return out, nil
}

// lookupField resolves a possibly dotted field path in a decoded record.
func lookupField(doc map[string]any, path string) (any, bool) {
	current := any(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
