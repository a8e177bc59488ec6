// Package es wraps the Elasticsearch client with the index management,
// bulk upsert, and search calls the pipeline and query layer need.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/uploader"
)

// Config holds connection settings for the search engine.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
}

// Client is a thin, index-scoped wrapper over the official client.
type Client struct {
	es     *elasticsearch.Client
	index  string
	logger *zap.Logger
}

// indexMapping fixes the identity fields as keywords for exact filtering
// and aggregation, keeps the original attribute tree unindexed, and maps
// the flattened attr_* fields to searchable text with a keyword subfield.
const indexMapping = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 1
  },
  "mappings": {
    "dynamic_templates": [
      {
        "flattened_attributes": {
          "match": "attr_*",
          "mapping": {
            "type": "text",
            "fields": {"keyword": {"type": "keyword", "ignore_above": 1024}}
          }
        }
      }
    ],
    "properties": {
      "id":            {"type": "keyword"},
      "resourceType":  {"type": "keyword"},
      "resourceName":  {"type": "keyword"},
      "provider":      {"type": "keyword"},
      "mode":          {"type": "keyword"},
      "instanceIndex": {"type": "integer"},
      "stateVersion":  {"type": "integer"},
      "toolVersion":   {"type": "keyword"},
      "attributes":    {"type": "object", "enabled": false},
      "source": {
        "properties": {
          "kind":       {"type": "keyword"},
          "identifier": {"type": "keyword"},
          "observedAt": {"type": "date"}
        }
      },
      "indexedAt": {"type": "date"}
    }
  }
}`

// New builds a client for the given cluster and index.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("build search client: %w", err)
	}
	return &Client{es: es, index: cfg.Index, logger: logger.Named("es")}, nil
}

// Index returns the index this client is scoped to.
func (c *Client) Index() string { return c.index }

// Ping checks cluster reachability.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping: %s", res.Status())
	}
	return nil
}

// EnsureIndex creates the index with its mapping if it does not exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}
	if res.StatusCode != 404 {
		return fmt.Errorf("check index: %s", res.Status())
	}

	res, err = c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("create index %s: %s", c.index, res.Status())
	}
	c.logger.Info("index created", zap.String("index", c.index))
	return nil
}

// BulkUpsert indexes records under their stable IDs, so a re-observed
// instance overwrites its previous version instead of duplicating it.
func (c *Client) BulkUpsert(ctx context.Context, records []domain.Record) (uploader.BulkStats, error) {
	if len(records) == 0 {
		return uploader.BulkStats{}, nil
	}

	var buf bytes.Buffer
	for i := range records {
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": records[i].ID}}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return uploader.BulkStats{}, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(&records[i]); err != nil {
			return uploader.BulkStats{}, fmt.Errorf("encode record %s: %w", records[i].ID, err)
		}
	}

	res, err := c.es.Bulk(&buf, c.es.Bulk.WithContext(ctx))
	if err != nil {
		return uploader.BulkStats{}, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return uploader.BulkStats{}, fmt.Errorf("bulk request: %s", res.Status())
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return uploader.BulkStats{}, fmt.Errorf("read bulk response: %w", err)
	}
	return c.parseBulkResponse(body)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (c *Client) parseBulkResponse(body []byte) (uploader.BulkStats, error) {
	var parsed bulkResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return uploader.BulkStats{}, fmt.Errorf("decode bulk response: %w", err)
	}

	var stats uploader.BulkStats
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Status >= 200 && result.Status < 300 {
				stats.Indexed++
				continue
			}
			stats.Failed++
			if result.Error != nil {
				c.logger.Warn("record rejected",
					zap.String("id", result.ID),
					zap.Int("status", result.Status),
					zap.String("type", result.Error.Type),
					zap.String("reason", result.Error.Reason),
				)
			}
		}
	}
	return stats, nil
}

// Hit is one search result.
type Hit struct {
	ID     string          `json:"id"`
	Score  float64         `json:"score"`
	Source json.RawMessage `json:"source"`
}

// SearchResponse is the decoded shape of a search call.
type SearchResponse struct {
	Total        int64
	Hits         []Hit
	Aggregations map[string]json.RawMessage
}

type rawSearchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string          `json:"_id"`
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// Search runs a query document against the index.
func (c *Client) Search(ctx context.Context, query map[string]any) (*SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, searchError(res)
	}

	var parsed rawSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := &SearchResponse{
		Total:        parsed.Hits.Total.Value,
		Hits:         make([]Hit, 0, len(parsed.Hits.Hits)),
		Aggregations: parsed.Aggregations,
	}
	for _, h := range parsed.Hits.Hits {
		out.Hits = append(out.Hits, Hit{ID: h.ID, Score: h.Score, Source: h.Source})
	}
	return out, nil
}

// RawSearch forwards an arbitrary query document and returns the engine's
// response verbatim.
func (c *Client) RawSearch(ctx context.Context, query map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, searchError(res)
	}
	return io.ReadAll(res.Body)
}

// GetDocument fetches one record by its ID.
func (c *Client) GetDocument(ctx context.Context, id string) (json.RawMessage, error) {
	res, err := c.es.Get(c.index, id, c.es.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, domain.ErrDocumentNotFound
	}
	if res.IsError() {
		return nil, fmt.Errorf("get %s: %s", id, res.Status())
	}

	var parsed struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return parsed.Source, nil
}

// searchError extracts the engine's error reason when available. A query
// the engine rejects (bad field, malformed document) maps to
// domain.ErrInvalidRequest so the transport can answer 400.
func searchError(res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	var parsed struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	reason := res.Status()
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Reason != "" {
		reason = parsed.Error.Reason
	}
	if res.StatusCode == 400 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, reason)
	}
	return fmt.Errorf("search: %s", reason)
}
