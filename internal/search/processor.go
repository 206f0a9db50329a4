package search

import (
	"fmt"

	"github.com/hyperjump/miru/internal/models"
)

// Limits bounds the number of results a caller may ask for.
type Limits struct {
	Default int
	Max     int
}

// ProcessQuery fills in the default k when unset, caps k at the maximum, and validates.
// A negative k is rejected rather than defaulted.
func ProcessQuery(query *models.SearchQuery, limits Limits) error {
	if query.TopK < 0 {
		return fmt.Errorf("%w: top_k must be at least 1, got %d", models.ErrInvalidArgument, query.TopK)
	}
	if query.TopK == 0 && limits.Default > 0 {
		query.TopK = limits.Default
	}
	if limits.Max > 0 && query.TopK > limits.Max {
		query.TopK = limits.Max
	}
	return query.Validate()
}
