//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

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

// ONNXGateway runs CLIP locally through ONNX Runtime. It requires CGO and the
// onnxruntime shared library. Each session is guarded by its own mutex because the
// pre-allocated tensors are shared between calls.
type ONNXGateway struct {
	dimensions int
	maxTokens  int
	imageSize  int
	tokenizer  Tokenizer

	textMu        sync.Mutex
	textSession   *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	textOutput    *ort.Tensor[float32]

	visionMu      sync.Mutex
	visionSession *ort.AdvancedSession
	pixelValues   *ort.Tensor[float32]
	visionOutput  *ort.Tensor[float32]
}

// NewONNXGateway loads both encoders. InitializeEnvironment is called if not already done.
func NewONNXGateway(cfg ONNXConfig) (*ONNXGateway, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", models.ErrInvalidArgument)
	}
	if cfg.MaxTokens <= 2 {
		cfg.MaxTokens = clipMaxTokens
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = 224
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize ONNX runtime: %v", models.ErrEmbeddingUnavailable, err)
		}
	}

	g := &ONNXGateway{
		dimensions: cfg.Dimensions,
		maxTokens:  cfg.MaxTokens,
		imageSize:  cfg.ImageSize,
		tokenizer:  &SimpleTokenizer{},
	}
	if err := g.initText(cfg.TextModelPath); err != nil {
		g.Close()
		return nil, err
	}
	if err := g.initVision(cfg.VisionModelPath); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *ONNXGateway) initText(modelPath string) error {
	ids, mask := g.tokenizer.Tokenize("", g.maxTokens)
	var err error
	if g.inputIDs, err = ort.NewTensor(ort.NewShape(1, int64(g.maxTokens)), ids); err != nil {
		return fmt.Errorf("%w: create input_ids tensor: %v", models.ErrEmbeddingUnavailable, err)
	}
	if g.attentionMask, err = ort.NewTensor(ort.NewShape(1, int64(g.maxTokens)), mask); err != nil {
		return fmt.Errorf("%w: create attention_mask tensor: %v", models.ErrEmbeddingUnavailable, err)
	}
	if g.textOutput, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(g.dimensions))); err != nil {
		return fmt.Errorf("%w: create text_embeds tensor: %v", models.ErrEmbeddingUnavailable, err)
	}
	g.textSession, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"text_embeds"},
		[]ort.ArbitraryTensor{g.inputIDs, g.attentionMask},
		[]ort.ArbitraryTensor{g.textOutput},
		nil,
	)
	if err != nil {
		return fmt.Errorf("%w: create text session: %v", models.ErrEmbeddingUnavailable, err)
	}
	return nil
}

func (g *ONNXGateway) initVision(modelPath string) error {
	s := int64(g.imageSize)
	var err error
	if g.pixelValues, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, s, s)); err != nil {
		return fmt.Errorf("%w: create pixel_values tensor: %v", models.ErrEmbeddingUnavailable, err)
	}
	if g.visionOutput, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(g.dimensions))); err != nil {
		return fmt.Errorf("%w: create image_embeds tensor: %v", models.ErrEmbeddingUnavailable, err)
	}
	g.visionSession, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{g.pixelValues},
		[]ort.ArbitraryTensor{g.visionOutput},
		nil,
	)
	if err != nil {
		return fmt.Errorf("%w: create vision session: %v", models.ErrEmbeddingUnavailable, err)
	}
	return nil
}

// EmbedText runs the text encoder.
func (g *ONNXGateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, mask := g.tokenizer.Tokenize(text, g.maxTokens)

	g.textMu.Lock()
	defer g.textMu.Unlock()
	copy(g.inputIDs.GetData(), ids)
	copy(g.attentionMask.GetData(), mask)
	if err := g.textSession.Run(); err != nil {
		return nil, fmt.Errorf("%w: text inference: %v", models.ErrEmbeddingUnavailable, err)
	}
	return checkOutput(append([]float32(nil), g.textOutput.GetData()...), g.dimensions)
}

// EmbedImage decodes and preprocesses outside the session lock, then runs the vision encoder.
func (g *ONNXGateway) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	pixels, err := PreprocessImage(image, g.imageSize)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.visionMu.Lock()
	defer g.visionMu.Unlock()
	copy(g.pixelValues.GetData(), pixels)
	if err := g.visionSession.Run(); err != nil {
		return nil, fmt.Errorf("%w: vision inference: %v", models.ErrEmbeddingUnavailable, err)
	}
	return checkOutput(append([]float32(nil), g.visionOutput.GetData()...), g.dimensions)
}

// Dimensions returns the embedding dimension.
func (g *ONNXGateway) Dimensions() int {
	return g.dimensions
}

// Close destroys both sessions and their tensors.
func (g *ONNXGateway) Close() error {
	var err error
	for _, s := range []*ort.AdvancedSession{g.textSession, g.visionSession} {
		if s != nil {
			if dErr := s.Destroy(); dErr != nil && err == nil {
				err = dErr
			}
		}
	}
	g.textSession, g.visionSession = nil, nil
	destroyTensor(g.inputIDs)
	destroyTensor(g.attentionMask)
	destroyTensor(g.textOutput)
	destroyTensor(g.pixelValues)
	destroyTensor(g.visionOutput)
	g.inputIDs, g.attentionMask = nil, nil
	g.textOutput, g.pixelValues, g.visionOutput = nil, nil, nil
	return err
}

func destroyTensor[T ort.TensorData](t *ort.Tensor[T]) {
	if t != nil {
		_ = t.Destroy()
	}
}
