package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/hyperjump/miru/internal/models"
)

// MockGateway is a deterministic gateway for tests and offline runs. The same input
// always gets the same unit vector; images and text hash into the same space, so
// EmbedText(s) equals EmbedImage([]byte(s)).
type MockGateway struct {
	dimensions int
}

// NewMockGateway returns a gateway that produces deterministic embeddings of the given dimensions.
func NewMockGateway(dimensions int) *MockGateway {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockGateway{dimensions: dimensions}
}

// EmbedImage hashes the raw bytes. Empty input is rejected.
func (g *MockGateway) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", models.ErrContentRejected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.embed(image), nil
}

// EmbedText hashes the trimmed text. Blank text is rejected.
func (g *MockGateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", models.ErrContentRejected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.embed([]byte(text)), nil
}

func (g *MockGateway) embed(data []byte) []float32 {
	h := fnv.New64a()
	h.Write(data)
	seed := float64(h.Sum64()%1_000_003) + 1
	emb := make([]float32, g.dimensions)
	for i := range emb {
		emb[i] = float32(math.Sin(seed*float64(i+1))*0.1 + 0.01)
	}
	out, _ := checkOutput(emb, g.dimensions)
	return out
}

// Dimensions returns the embedding dimension.
func (g *MockGateway) Dimensions() int {
	return g.dimensions
}

// Close is a no-op for MockGateway.
func (g *MockGateway) Close() error {
	return nil
}
