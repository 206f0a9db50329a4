package vector

import (
	"fmt"
	"math"
	"sort"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

// TieEpsilon is the score distance under which two hits count as tied and are
// ordered by ascending id.
const TieEpsilon = 1e-9

// ranksBefore reports whether a sorts ahead of b.
func ranksBefore(a, b *VectorResult) bool {
	if math.Abs(a.Score-b.Score) <= TieEpsilon {
		return a.ID < b.ID
	}
	return a.Score > b.Score
}

// SortResults orders hits by score descending, ties by ascending id.
func SortResults(results []*VectorResult) {
	sort.SliceStable(results, func(i, j int) bool { return ranksBefore(results[i], results[j]) })
}

// normalizedQuery returns a unit-norm copy of q.
func normalizedQuery(q []float32) ([]float32, error) {
	if len(q) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", models.ErrInvalidVector)
	}
	if !utils.AllFinite(q) {
		return nil, fmt.Errorf("%w: non-finite query component", models.ErrInvalidVector)
	}
	out := make([]float32, len(q))
	copy(out, q)
	if utils.NormalizeL2(out) == 0 {
		return nil, fmt.Errorf("%w: zero query vector", models.ErrInvalidVector)
	}
	return out, nil
}

// clampSimilarity keeps rounding error from pushing a dot product outside [-1, 1].
func clampSimilarity(s float64) float64 {
	return math.Max(-1, math.Min(1, s))
}

func checkK(k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", models.ErrInvalidArgument, k)
	}
	return nil
}
