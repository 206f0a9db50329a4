package vector

import (
	"context"
	"fmt"

	"github.com/hyperjump/miru/internal/models"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory is the exact linear scan. Good up to a few hundred thousand vectors.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeQdrant stores vectors in a Qdrant collection (approximate HNSW search).
	IndexTypeQdrant IndexType = "qdrant"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "memory" (default), "qdrant". Qdrant needs a positive dimension.
func NewVectorIndex(ctx context.Context, indexType string, dimensions int, qcfg QdrantConfig) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	case IndexTypeQdrant:
		return NewQdrantIndex(ctx, qcfg, dimensions)
	default:
		return nil, fmt.Errorf("%w: unknown index type %q (supported: memory, qdrant)",
			models.ErrInvalidArgument, indexType)
	}
}
