// Package search answers text queries against the image vector index.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/vector"
	"github.com/hyperjump/miru/pkg/utils"
)

// Index is the similarity index the engine queries. vector.Live satisfies it.
type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]*vector.VectorResult, error)
	Size() int
	Type() string
}

// Records resolves index hits to stored records.
type Records interface {
	Get(id string) (*models.VectorRecord, bool)
	Count() int
	Dimension() int
}

// Engine embeds a text query and ranks stored images against it.
type Engine struct {
	records      Records
	gateway      embedding.Gateway
	index        Index
	queryTimeout time.Duration
	logger       *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used for consistency faults.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithQueryTimeout bounds the embedding call of each query. Zero means no deadline.
func WithQueryTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.queryTimeout = d }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(records Records, gateway embedding.Gateway, index Index, opts ...EngineOption) *Engine {
	e := &Engine{records: records, gateway: gateway, index: index}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.LoggerOrNop(e.logger)
	return e
}

// Search returns up to k stored images ranked by cosine similarity to text.
// An empty store yields an empty result.
func (e *Engine) Search(ctx context.Context, text string, k int) (*models.SearchResponse, error) {
	startTime := time.Now()
	query := &models.SearchQuery{Query: text, TopK: k}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	response := &models.SearchResponse{
		Query:   query.Query,
		Results: []*models.QueryResult{},
	}
	if e.records.Count() == 0 {
		response.QueryTime = time.Since(startTime).Milliseconds()
		return response, nil
	}

	vec, err := e.embedQuery(ctx, query.Query)
	if err != nil {
		return nil, err
	}
	hits, err := e.index.Search(ctx, vec, query.TopK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	for _, hit := range hits {
		rec, ok := e.records.Get(hit.ID)
		if !ok {
			// The index returned an id the store does not have.
			e.logger.Error("index hit missing from store", zap.String("id", hit.ID), zap.Float64("similarity", hit.Score))
			continue
		}
		response.Results = append(response.Results, &models.QueryResult{
			ID:         rec.ID,
			Metadata:   rec.Metadata,
			Similarity: hit.Score,
			Rank:       len(response.Results) + 1,
		})
	}
	response.Count = len(response.Results)
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	embedCtx := ctx
	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}
	vec, err := e.gateway.EmbedText(embedCtx, text)
	switch {
	case err == nil:
		return vec, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, models.ErrEmbeddingUnavailable):
		return nil, err
	default:
		// A query that cannot be embedded, or a deadline, leaves nothing to rank.
		return nil, fmt.Errorf("%w: embed query: %v", models.ErrEmbeddingUnavailable, err)
	}
}

// Stats summarizes the store and index.
func (e *Engine) Stats(ctx context.Context) (*models.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &models.Stats{
		TotalRecords: e.records.Count(),
		Dimension:    e.records.Dimension(),
		IndexType:    e.index.Type(),
		IndexSize:    e.index.Size(),
	}, nil
}
