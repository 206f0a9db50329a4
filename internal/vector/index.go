// Package vector provides similarity indexes over unit-norm vectors.
package vector

import "context"

// VectorIndex answers top-k nearest-neighbour queries by cosine similarity.
// Add has upsert semantics: adding an existing id replaces its vector.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Remove(ctx context.Context, ids []string) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	// Reset drops every entry.
	Reset(ctx context.Context) error
	Size() int
	Type() string
	Close() error
}

// VectorResult is a single hit. Score is the cosine similarity in [-1, 1].
type VectorResult struct {
	ID    string
	Score float64
}
