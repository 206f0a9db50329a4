//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/miru/internal/models"
)

// ONNXConfig locates the CLIP text and vision encoders exported to ONNX.
type ONNXConfig struct {
	TextModelPath   string
	VisionModelPath string
	Dimensions      int
	MaxTokens       int
	ImageSize       int
}

// ONNXGateway stub type when built without CGO (see onnx.go for real implementation).
type ONNXGateway struct{}

// NewONNXGateway returns an error when built without CGO (ONNX not available).
func NewONNXGateway(ONNXConfig) (*ONNXGateway, error) {
	return nil, fmt.Errorf("%w: ONNX gateway requires CGO; build with CGO_ENABLED=1 and onnxruntime",
		models.ErrEmbeddingUnavailable)
}

func (g *ONNXGateway) EmbedImage(context.Context, []byte) ([]float32, error) {
	return nil, models.ErrEmbeddingUnavailable
}

func (g *ONNXGateway) EmbedText(context.Context, string) ([]float32, error) {
	return nil, models.ErrEmbeddingUnavailable
}

func (g *ONNXGateway) Dimensions() int { return 0 }

func (g *ONNXGateway) Close() error { return nil }
