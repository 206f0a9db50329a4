// Package embedding maps images and text into a shared vector space.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

// Gateway produces embeddings for images and text in the same space.
//
// Errors wrapping models.ErrContentRejected concern one input only (undecodable image,
// rejected text). Errors wrapping models.ErrEmbeddingUnavailable mean no input can be
// embedded right now.
type Gateway interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Close() error
}

// checkOutput validates a model output and returns it unit-normalized in place.
func checkOutput(vec []float32, dim int) ([]float32, error) {
	if len(vec) != dim {
		return nil, fmt.Errorf("%w: model returned %d dimensions, expected %d",
			models.ErrEmbeddingUnavailable, len(vec), dim)
	}
	if !utils.AllFinite(vec) {
		return nil, fmt.Errorf("%w: model returned non-finite values", models.ErrContentRejected)
	}
	if utils.NormalizeL2(vec) == 0 {
		return nil, fmt.Errorf("%w: model returned a zero vector", models.ErrContentRejected)
	}
	return vec, nil
}
