// Package models defines core data structures for vector records, queries, and ingestion reports.
package models

import (
	"fmt"
	"strings"
)

// MetaKeyPath is the metadata key holding the origin path of an item.
const MetaKeyPath = "path"

// VectorRecord is a stored embedding keyed by a stable external identifier.
type VectorRecord struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"-"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewVectorRecord builds a record and validates its id.
func NewVectorRecord(id string, vector []float32, metadata map[string]string) (*VectorRecord, error) {
	rec := &VectorRecord{ID: id, Vector: vector, Metadata: metadata}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the fields that do not depend on the store (id shape).
// Vector checks happen in the store, which knows the established dimension.
func (r *VectorRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: record id cannot be empty", ErrInvalidArgument)
	}
	return nil
}

// Path returns the origin path stored in metadata, if any.
func (r *VectorRecord) Path() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[MetaKeyPath]
}

// Clone returns a deep copy of the record.
func (r *VectorRecord) Clone() *VectorRecord {
	out := &VectorRecord{ID: r.ID}
	if r.Vector != nil {
		out.Vector = make([]float32, len(r.Vector))
		copy(out.Vector, r.Vector)
	}
	out.Metadata = CloneMetadata(r.Metadata)
	return out
}

// CloneMetadata copies a metadata map; nil stays nil.
func CloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
