package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// SourceMeta identifies where a raw state document was collected from.
type SourceMeta struct {
	// Kind is the collector family: "filesystem", "objectstore", "cluster".
	Kind string
	// Identifier locates the artifact within its source: a file path,
	// "bucket/key", or "cluster/namespace/secret".
	Identifier string
	// ObservedAt is when the collector picked the artifact up.
	ObservedAt time.Time
	// SourceTime is the artifact's own timestamp (mtime, last-modified,
	// or secret creation time).
	SourceTime time.Time
}

// RawDocument is one collected state document plus its source metadata.
// Created once per successful poll of one artifact, consumed exactly once
// by a normalizer worker, never persisted.
type RawDocument struct {
	Content []byte
	Meta    SourceMeta
}

// StateDocument is the input schema of a state artifact.
type StateDocument struct {
	Version     int        `json:"version"`
	ToolVersion string     `json:"terraform_version"`
	Resources   []Resource `json:"resources"`
}

// Resource is one declared resource inside a state document.
type Resource struct {
	Mode      string     `json:"mode"`
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	Provider  string     `json:"provider"`
	Instances []Instance `json:"instances"`
}

// Instance is one deployed unit of a declared resource.
type Instance struct {
	Attributes map[string]any `json:"attributes"`
	IndexKey   any            `json:"index_key,omitempty"`
}

// SourceRef is the source block embedded in an indexed record.
type SourceRef struct {
	Kind       string    `json:"kind"`
	Identifier string    `json:"identifier"`
	ObservedAt time.Time `json:"observedAt"`
}

// Record is one flattened, indexable resource instance.
//
// Flattened holds the attr_<path> scalar fields; Attributes keeps the
// original nested tree. The ID is deterministic for identical input, so
// re-indexing the same record overwrites rather than duplicates.
type Record struct {
	ID            string
	ResourceType  string
	ResourceName  string
	Provider      string
	Mode          string
	InstanceIndex int
	StateVersion  int
	ToolVersion   string
	Attributes    map[string]any
	Flattened     map[string]any
	Source        SourceRef
	IndexedAt     time.Time
}

// MarshalJSON emits the flat wire shape: known fields plus the attr_*
// scalars merged at the top level.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Flattened)+12)
	for k, v := range r.Flattened {
		m[k] = v
	}
	m["id"] = r.ID
	m["resourceType"] = r.ResourceType
	m["resourceName"] = r.ResourceName
	m["provider"] = r.Provider
	m["mode"] = r.Mode
	m["instanceIndex"] = r.InstanceIndex
	m["stateVersion"] = r.StateVersion
	m["toolVersion"] = r.ToolVersion
	m["attributes"] = r.Attributes
	m["source"] = r.Source
	m["indexedAt"] = r.IndexedAt
	return json.Marshal(m)
}

// recordWire mirrors the fixed part of the flat wire shape.
type recordWire struct {
	ID            string         `json:"id"`
	ResourceType  string         `json:"resourceType"`
	ResourceName  string         `json:"resourceName"`
	Provider      string         `json:"provider"`
	Mode          string         `json:"mode"`
	InstanceIndex int            `json:"instanceIndex"`
	StateVersion  int            `json:"stateVersion"`
	ToolVersion   string         `json:"toolVersion"`
	Attributes    map[string]any `json:"attributes"`
	Source        SourceRef      `json:"source"`
	IndexedAt     time.Time      `json:"indexedAt"`
}

// UnmarshalJSON reverses MarshalJSON, gathering the attr_* scalars back
// into Flattened. Needed wherever records round-trip through a queue.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var flat map[string]any
	for key, val := range raw {
		if !strings.HasPrefix(key, "attr_") {
			continue
		}
		if flat == nil {
			flat = make(map[string]any)
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return err
		}
		flat[key] = v
	}

	*r = Record{
		ID:            w.ID,
		ResourceType:  w.ResourceType,
		ResourceName:  w.ResourceName,
		Provider:      w.Provider,
		Mode:          w.Mode,
		InstanceIndex: w.InstanceIndex,
		StateVersion:  w.StateVersion,
		ToolVersion:   w.ToolVersion,
		Attributes:    w.Attributes,
		Flattened:     flat,
		Source:        w.Source,
		IndexedAt:     w.IndexedAt,
	}
	return nil
}
