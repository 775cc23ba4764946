// Package chunk defines the content unit that the sync engine moves between
// the local store and the remote chunk service.
package chunk

import (
	"encoding/json"
	"slices"
	"time"
)

// DocumentScope records where a chunk originated. It is carried for
// provenance only and never influences sync decisions.
type DocumentScope string

const (
	// ScopePhysical marks chunks extracted from a file on disk
	ScopePhysical DocumentScope = "physical"

	// ScopeVirtual marks chunks of synthetic documents
	ScopeVirtual DocumentScope = "virtual"
)

// Field names a top-level chunk field that can differ between two versions.
type Field string

const (
	// FieldContent is the chunk body
	FieldContent Field = "content"
	// FieldParent is the parent reference
	FieldParent Field = "parent"
	// FieldTags is the tag set
	FieldTags Field = "tags"
	// FieldMetadata is the metadata map
	FieldMetadata Field = "metadata"
	// FieldVector is the embedding reference
	FieldVector Field = "vector"
)

// VectorRef points at an embedding stored outside the chunk.
type VectorRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Chunk is an atomic unit of user content.
//
// Optional fields are pointers: a nil ParentID means the chunk is a root and
// a nil Vector means no embedding has been computed yet.
type Chunk struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	ParentID  *string        `json:"parentId,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Vector    *VectorRef     `json:"vector,omitempty"`
	Scope     DocumentScope  `json:"scope,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Parent returns a pointer to id, for building chunks with a parent reference.
func Parent(id string) *string {
	return &id
}

// Clone returns a deep copy so that snapshots held by the engine are never
// aliased with the caller's values.
func (c Chunk) Clone() Chunk {
	out := c
	if c.ParentID != nil {
		p := *c.ParentID
		out.ParentID = &p
	}
	if c.Vector != nil {
		v := *c.Vector
		out.Vector = &v
	}
	if c.Tags != nil {
		out.Tags = slices.Clone(c.Tags)
	}
	if c.Metadata != nil {
		out.Metadata = cloneMap(c.Metadata)
	}
	return out
}

// Diff returns the fields whose values differ between a and b, in a stable
// order. Timestamps, identity and scope are not compared.
func Diff(a, b Chunk) []Field {
	var fields []Field
	if !parentEqual(a.ParentID, b.ParentID) {
		fields = append(fields, FieldParent)
	}
	if a.Content != b.Content {
		fields = append(fields, FieldContent)
	}
	if !tagsEqual(a.Tags, b.Tags) {
		fields = append(fields, FieldTags)
	}
	if !metadataEqual(a.Metadata, b.Metadata) {
		fields = append(fields, FieldMetadata)
	}
	if !vectorEqual(a.Vector, b.Vector) {
		fields = append(fields, FieldVector)
	}
	return fields
}

// Equal reports whether a and b carry the same content and metadata.
func Equal(a, b Chunk) bool {
	return len(Diff(a, b)) == 0
}

func parentEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func vectorEqual(a, b *VectorRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// tagsEqual compares tags as sets.
func tagsEqual(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(slices.Compact(as), slices.Compact(bs))
}

// metadataEqual compares the canonical JSON encoding of both maps, so that a
// value that went through a JSON round trip (int -> float64) still compares
// equal to its original.
func metadataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
