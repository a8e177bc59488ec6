package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/es"
)

// fakeEngine records the query documents it receives.
type fakeEngine struct {
	queries  []map[string]any
	response *es.SearchResponse
	document json.RawMessage
	getErr   error
}

func (f *fakeEngine) Search(_ context.Context, query map[string]any) (*es.SearchResponse, error) {
	f.queries = append(f.queries, query)
	if f.response == nil {
		return &es.SearchResponse{}, nil
	}
	return f.response, nil
}

func (f *fakeEngine) GetDocument(_ context.Context, _ string) (json.RawMessage, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.document, nil
}

func lastQuery(t *testing.T, f *fakeEngine) map[string]any {
	t.Helper()
	if len(f.queries) == 0 {
		t.Fatal("no query was sent")
	}
	return f.queries[len(f.queries)-1]
}

// dig walks nested map[string]any by keys.
func dig(t *testing.T, m map[string]any, keys ...string) any {
	t.Helper()
	var current any = m
	for _, key := range keys {
		obj, ok := current.(map[string]any)
		if !ok {
			t.Fatalf("path %v: %T is not an object", keys, current)
		}
		current, ok = obj[key]
		if !ok {
			t.Fatalf("path %v: key %q missing", keys, key)
		}
	}
	return current
}

func TestSearchEmptyQueryUsesMatchAll(t *testing.T) {
	engine := &fakeEngine{}
	svc := NewService(engine, zap.NewNop())

	if _, err := svc.Search(context.Background(), SearchRequest{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	q := lastQuery(t, engine)
	if _, ok := dig(t, q, "query", "bool", "must").(map[string]any)["match_all"]; !ok {
		t.Errorf("query = %v, want match_all", q)
	}
	if q["size"] != DefaultPageSize {
		t.Errorf("size = %v, want %d", q["size"], DefaultPageSize)
	}
}

func TestSearchBuildsFuzzyMultiMatchAndFilters(t *testing.T) {
	engine := &fakeEngine{}
	svc := NewService(engine, zap.NewNop())

	_, err := svc.Search(context.Background(), SearchRequest{
		Query:   "web server",
		Filters: map[string][]string{"resourceType": {"aws_instance"}},
		Size:    10,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	q := lastQuery(t, engine)
	mm := dig(t, q, "query", "bool", "must", "multi_match").(map[string]any)
	if mm["query"] != "web server" || mm["fuzziness"] != "AUTO" {
		t.Errorf("multi_match = %v", mm)
	}
	filters := dig(t, q, "query", "bool", "filter").([]map[string]any)
	if len(filters) != 1 {
		t.Fatalf("filters = %v", filters)
	}
	terms := filters[0]["terms"].(map[string]any)["resourceType"].([]string)
	if len(terms) != 1 || terms[0] != "aws_instance" {
		t.Errorf("terms = %v", terms)
	}
}

func TestSearchComputesDefaultFacets(t *testing.T) {
	engine := &fakeEngine{}
	svc := NewService(engine, zap.NewNop())

	result, err := svc.Search(context.Background(), SearchRequest{Query: "web"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	q := lastQuery(t, engine)
	aggs := dig(t, q, "aggs").(map[string]any)
	for _, field := range []string{"resourceType", "source.kind", "toolVersion"} {
		if _, ok := aggs[field]; !ok {
			t.Errorf("aggs missing default facet %q", field)
		}
		if _, ok := result.Facets[field]; !ok {
			t.Errorf("result missing default facet %q", field)
		}
	}
}

func TestSearchRejectsUnknownFilterAndFacetFields(t *testing.T) {
	svc := NewService(&fakeEngine{}, zap.NewNop())
	ctx := context.Background()

	_, err := svc.Search(ctx, SearchRequest{Filters: map[string][]string{"attr_secret": {"x"}}})
	if !errors.Is(err, domain.ErrFieldNotAllowed) {
		t.Errorf("filter err = %v, want ErrFieldNotAllowed", err)
	}

	_, err = svc.Search(ctx, SearchRequest{Facets: []string{"resourceName"}})
	if !errors.Is(err, domain.ErrFieldNotAllowed) {
		t.Errorf("facet err = %v, want ErrFieldNotAllowed", err)
	}
}

func TestSearchPaginationBounds(t *testing.T) {
	svc := NewService(&fakeEngine{}, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Search(ctx, SearchRequest{From: -1}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("negative from: %v", err)
	}
	if _, err := svc.Search(ctx, SearchRequest{Size: MaxPageSize + 1}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("oversized page: %v", err)
	}
}

func TestSearchDecodesFacetBuckets(t *testing.T) {
	engine := &fakeEngine{
		response: &es.SearchResponse{
			Total: 3,
			Aggregations: map[string]json.RawMessage{
				"resourceType": json.RawMessage(`{"buckets":[
					{"key":"aws_instance","doc_count":2},
					{"key":"aws_s3_bucket","doc_count":1}
				]}`),
			},
		},
	}
	svc := NewService(engine, zap.NewNop())

	result, err := svc.Search(context.Background(), SearchRequest{Facets: []string{"resourceType"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	buckets := result.Facets["resourceType"]
	if len(buckets) != 2 || buckets[0].Value != "aws_instance" || buckets[0].Count != 2 {
		t.Errorf("buckets = %v", buckets)
	}
}

func TestDrilldownBuildsTermFiltersAndExcludesOrigin(t *testing.T) {
	engine := &fakeEngine{
		document: json.RawMessage(`{
			"id": "fs/prod.tfstate/aws_instance.web.0",
			"resourceType": "aws_instance",
			"source": {"kind": "filesystem"}
		}`),
	}
	svc := NewService(engine, zap.NewNop())

	_, err := svc.Drilldown(context.Background(), DrilldownRequest{
		ID:     "fs/prod.tfstate/aws_instance.web.0",
		Fields: []string{"resourceType", "source.kind"},
	})
	if err != nil {
		t.Fatalf("Drilldown: %v", err)
	}

	q := lastQuery(t, engine)
	filters := dig(t, q, "query", "bool", "filter").([]map[string]any)
	if len(filters) != 2 {
		t.Fatalf("filters = %v", filters)
	}
	if filters[0]["term"].(map[string]any)["resourceType"] != "aws_instance" {
		t.Errorf("first filter = %v", filters[0])
	}
	if filters[1]["term"].(map[string]any)["source.kind"] != "filesystem" {
		t.Errorf("second filter = %v", filters[1])
	}
	mustNot := dig(t, q, "query", "bool", "must_not").([]map[string]any)
	ids := mustNot[0]["ids"].(map[string]any)["values"].([]string)
	if len(ids) != 1 || ids[0] != "fs/prod.tfstate/aws_instance.web.0" {
		t.Errorf("ids = %v", ids)
	}
}

func TestDrilldownEchoesPivotFieldValues(t *testing.T) {
	engine := &fakeEngine{
		document: json.RawMessage(`{"resourceType":"aws_instance","provider":"aws"}`),
	}
	svc := NewService(engine, zap.NewNop())

	result, err := svc.Drilldown(context.Background(), DrilldownRequest{
		ID:     "fs/prod.tfstate/aws_instance.web.0",
		Fields: []string{"resourceType", "provider"},
	})
	if err != nil {
		t.Fatalf("Drilldown: %v", err)
	}
	if result.Fields["resourceType"] != "aws_instance" || result.Fields["provider"] != "aws" {
		t.Errorf("fields = %v, want the origin's values echoed", result.Fields)
	}
}

func TestDrilldownAbsentFieldValueYieldsEmptyPage(t *testing.T) {
	engine := &fakeEngine{document: json.RawMessage(`{"resourceType":"aws_instance"}`)}
	svc := NewService(engine, zap.NewNop())

	result, err := svc.Drilldown(context.Background(), DrilldownRequest{
		ID:     "fs/prod.tfstate/aws_instance.web.0",
		Fields: []string{"provider"},
	})
	if err != nil {
		t.Fatalf("Drilldown: %v", err)
	}
	if result.Total != 0 || len(result.Hits) != 0 {
		t.Errorf("result = %+v, want empty page", result)
	}
	if len(engine.queries) != 0 {
		t.Errorf("no query should run when the origin lacks the field, got %v", engine.queries)
	}
}

func TestDrilldownValidation(t *testing.T) {
	svc := NewService(&fakeEngine{document: json.RawMessage(`{"resourceType":"x"}`)}, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Drilldown(ctx, DrilldownRequest{Fields: []string{"resourceType"}}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("missing id: %v", err)
	}
	if _, err := svc.Drilldown(ctx, DrilldownRequest{ID: "a"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("missing fields: %v", err)
	}
	if _, err := svc.Drilldown(ctx, DrilldownRequest{ID: "a", Fields: []string{"attributes"}}); !errors.Is(err, domain.ErrFieldNotAllowed) {
		t.Errorf("disallowed field: %v", err)
	}
}

func TestDrilldownPropagatesNotFound(t *testing.T) {
	svc := NewService(&fakeEngine{getErr: domain.ErrDocumentNotFound}, zap.NewNop())
	_, err := svc.Drilldown(context.Background(), DrilldownRequest{ID: "missing", Fields: []string{"resourceType"}})
	if !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestMultiSearchBuildsConjunction(t *testing.T) {
	engine := &fakeEngine{}
	svc := NewService(engine, zap.NewNop())

	_, err := svc.MultiSearch(context.Background(), MultiSearchRequest{
		Pairs: []FieldQuery{
			{Field: "resourceType", Value: "aws_instance"},
			{Field: "attr_instance_type", Value: "t3.micro"},
		},
	})
	if err != nil {
		t.Fatalf("MultiSearch: %v", err)
	}

	q := lastQuery(t, engine)
	must := dig(t, q, "query", "bool", "must").([]map[string]any)
	if len(must) != 2 {
		t.Fatalf("must = %v", must)
	}
	second := must[1]["multi_match"].(map[string]any)
	fields := second["fields"].([]string)
	if fields[0] != "attr_instance_type" || second["query"] != "t3.micro" {
		t.Errorf("second clause = %v", second)
	}
	if second["lenient"] != true {
		t.Error("multi_match should be lenient for unmapped attribute fields")
	}
}

func TestMultiSearchEchoesPairs(t *testing.T) {
	svc := NewService(&fakeEngine{}, zap.NewNop())
	pairs := []FieldQuery{{Field: "provider", Value: "aws"}}

	result, err := svc.MultiSearch(context.Background(), MultiSearchRequest{Pairs: pairs})
	if err != nil {
		t.Fatalf("MultiSearch: %v", err)
	}
	if len(result.Pairs) != 1 || result.Pairs[0] != pairs[0] {
		t.Errorf("pairs = %v, want the request pairs echoed", result.Pairs)
	}
}

func TestMultiSearchRejectsEmptyPairs(t *testing.T) {
	svc := NewService(&fakeEngine{}, zap.NewNop())
	if _, err := svc.MultiSearch(context.Background(), MultiSearchRequest{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	_, err := svc.MultiSearch(context.Background(), MultiSearchRequest{Pairs: []FieldQuery{{Value: "x"}}})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("empty field err = %v, want ErrInvalidRequest", err)
	}
}
