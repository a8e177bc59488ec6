// Package normalize converts raw state documents into flat, indexable
// resource instance records.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/terrascope-io/terrascope/internal/domain"
)

// DefaultMaxDepth bounds how many container levels below the attribute
// root are flattened. Deeper values stay reachable through the preserved
// nested attributes tree.
const DefaultMaxDepth = 3

var supportedVersions = map[int]bool{3: true, 4: true}

// Result is the outcome of normalizing one raw document.
type Result struct {
	Records []domain.Record
	// SkippedResources counts resources that declared no instances.
	SkippedResources int
}

// Parser turns state documents into resource instance records.
type Parser struct {
	maxDepth int
	now      func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxDepth overrides the flattening depth cap.
func WithMaxDepth(depth int) Option {
	return func(p *Parser) {
		if depth > 0 {
			p.maxDepth = depth
		}
	}
}

// withClock fixes the parser's notion of now. Test hook.
func withClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// NewParser creates a Parser with default settings.
func NewParser(opts ...Option) *Parser {
	p := &Parser{maxDepth: DefaultMaxDepth, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse normalizes one raw document into records, one per declared
// resource instance. Malformed content, an unsupported version, and an
// empty resources list return an error and zero records; a resource with
// no instances is skipped and counted, its siblings are still emitted.
//
// Record IDs derive only from the source identifier and the resource
// coordinates, so re-parsing identical content yields an identical ID set.
func (p *Parser) Parse(raw domain.RawDocument) (Result, error) {
	var doc domain.StateDocument
	if err := json.Unmarshal(raw.Content, &doc); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedDocument, raw.Meta.Identifier, err)
	}

	if !supportedVersions[doc.Version] {
		return Result{}, fmt.Errorf("%w: version %d in %s", domain.ErrUnsupportedVersion, doc.Version, raw.Meta.Identifier)
	}
	if len(doc.Resources) == 0 {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrNoResources, raw.Meta.Identifier)
	}

	indexedAt := p.now().UTC()
	source := domain.SourceRef{
		Kind:       raw.Meta.Kind,
		Identifier: raw.Meta.Identifier,
		ObservedAt: raw.Meta.ObservedAt,
	}

	var res Result
	for _, r := range doc.Resources {
		if len(r.Instances) == 0 {
			res.SkippedResources++
			continue
		}
		for idx, inst := range r.Instances {
			flat := make(map[string]any)
			flattenInto(flat, "attr_", inst.Attributes, p.maxDepth)

			res.Records = append(res.Records, domain.Record{
				ID:            fmt.Sprintf("%s/%s.%s.%d", raw.Meta.Identifier, r.Type, r.Name, idx),
				ResourceType:  r.Type,
				ResourceName:  r.Name,
				Provider:      r.Provider,
				Mode:          r.Mode,
				InstanceIndex: idx,
				StateVersion:  doc.Version,
				ToolVersion:   doc.ToolVersion,
				Attributes:    inst.Attributes,
				Flattened:     flat,
				Source:        source,
				IndexedAt:     indexedAt,
			})
		}
	}
	return res, nil
}

// flattenInto walks a decoded JSON value depth-first and writes one entry
// per scalar leaf, keyed by the underscore-joined path from the root. List
// elements use their numeric index as a path segment. Empty containers
// produce no entries.
func flattenInto(out map[string]any, prefix string, v any, depth int) {
	if depth <= 0 {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flattenChild(out, prefix+k, child, depth)
		}
	case []any:
		for i, child := range val {
			flattenChild(out, fmt.Sprintf("%s%d", prefix, i), child, depth)
		}
	}
}

func flattenChild(out map[string]any, key string, child any, depth int) {
	switch child.(type) {
	case map[string]any, []any:
		flattenInto(out, key+"_", child, depth-1)
	default:
		out[key] = child
	}
}
