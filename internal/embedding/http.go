package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

// HTTPConfig configures a remote embedding service.
type HTTPConfig struct {
	Endpoint          string
	Dimensions        int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        uint64
	// RetryBase is the first Fibonacci backoff step.
	RetryBase time.Duration
}

// HTTPGateway calls a remote embedding service:
//
//	POST {endpoint}/embed/text   {"text": "..."}             -> {"embedding": [...]}
//	POST {endpoint}/embed/image  application/octet-stream     -> {"embedding": [...]}
//
// 400, 413, 415 and 422 reject the input. 429, 5xx and transport errors are retried
// with Fibonacci backoff and become ErrEmbeddingUnavailable once retries run out.
type HTTPGateway struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) { g.client = c }
}

// WithLogger sets the logger for retries.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(g *HTTPGateway) { g.logger = l }
}

// NewHTTPGateway validates cfg and builds a gateway.
func NewHTTPGateway(cfg HTTPConfig, opts ...HTTPOption) (*HTTPGateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: embedding endpoint is empty", models.ErrInvalidArgument)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", models.ErrInvalidArgument)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	g := &HTTPGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = utils.LoggerOrNop(g.logger)
	return g, nil
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedText posts the text as JSON.
func (g *HTTPGateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal text request: %w", err)
	}
	return g.call(ctx, "/embed/text", "application/json", body)
}

// EmbedImage posts the raw image bytes.
func (g *HTTPGateway) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", models.ErrContentRejected)
	}
	return g.call(ctx, "/embed/image", "application/octet-stream", image)
}

func (g *HTTPGateway) call(ctx context.Context, path, contentType string, body []byte) ([]float32, error) {
	var out []float32
	attempt := 0
	backoff := retry.WithMaxRetries(g.cfg.MaxRetries, retry.NewFibonacci(g.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		vec, err := g.post(ctx, g.cfg.Endpoint+path, contentType, body)
		if err != nil {
			var re *retryableError
			if errors.As(err, &re) {
				g.logger.Debug("embedding request failed, retrying",
					zap.String("path", path), zap.Int("attempt", attempt), zap.Error(re.err))
				return retry.RetryableError(err)
			}
			return err
		}
		out = vec
		return nil
	})
	if err != nil {
		var re *retryableError
		switch {
		case errors.As(err, &re):
			return nil, fmt.Errorf("%w: %s after %d attempts: %v", models.ErrEmbeddingUnavailable, path, attempt, re.err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, err
		}
	}
	return checkOutput(out, g.cfg.Dimensions)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (g *HTTPGateway) post(ctx context.Context, url, contentType string, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrEmbeddingUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("status %d: %s", resp.StatusCode, utils.Truncate(string(payload), 200))}
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrContentRejected, resp.StatusCode, utils.Truncate(string(payload), 200))
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", models.ErrEmbeddingUnavailable, resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", models.ErrEmbeddingUnavailable, err)
	}
	return parsed.Embedding, nil
}

// Dimensions returns the configured embedding dimension.
func (g *HTTPGateway) Dimensions() int {
	return g.cfg.Dimensions
}

// Close releases idle connections.
func (g *HTTPGateway) Close() error {
	g.client.CloseIdleConnections()
	return nil
}
