package vector

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

const rebuildBatchSize = 512

// RecordSource yields every stored record. storage.Store satisfies it.
type RecordSource interface {
	All(ctx context.Context) iter.Seq[*models.VectorRecord]
	Count() int
}

// Live wraps a VectorIndex and keeps it consistent with a record store. Register it
// with Store.Subscribe. When an event cannot be applied the index is marked stale and
// rebuilt from the source before the next search.
type Live struct {
	index  VectorIndex
	source RecordSource
	logger *zap.Logger

	mu    sync.RWMutex
	stale bool
}

// LiveOption configures a Live index.
type LiveOption func(*Live)

// WithLiveLogger sets the logger for apply failures and rebuilds.
func WithLiveLogger(l *zap.Logger) LiveOption {
	return func(lv *Live) { lv.logger = l }
}

// NewLive wraps index. It starts stale, so the first search loads the source.
func NewLive(index VectorIndex, source RecordSource, opts ...LiveOption) *Live {
	lv := &Live{index: index, source: source, stale: true}
	for _, opt := range opts {
		opt(lv)
	}
	lv.logger = utils.LoggerOrNop(lv.logger)
	return lv
}

// RecordsUpserted applies committed upserts.
func (lv *Live) RecordsUpserted(ctx context.Context, records []*models.VectorRecord) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if lv.stale {
		return
	}
	ids := make([]string, len(records))
	vectors := make([][]float32, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		vectors[i] = rec.Vector
	}
	if err := lv.index.Add(ctx, ids, vectors); err != nil {
		lv.stale = true
		lv.logger.Warn("index update failed, will rebuild", zap.Int("records", len(ids)), zap.Error(err))
	}
}

// RecordsDeleted applies committed deletions.
func (lv *Live) RecordsDeleted(ctx context.Context, ids []string) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if lv.stale {
		return
	}
	if err := lv.index.Remove(ctx, ids); err != nil {
		lv.stale = true
		lv.logger.Warn("index removal failed, will rebuild", zap.Int("records", len(ids)), zap.Error(err))
	}
}

// Search rebuilds first if the index is stale.
func (lv *Live) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	if err := lv.ensureFresh(ctx); err != nil {
		return nil, err
	}
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.index.Search(ctx, query, k)
}

func (lv *Live) ensureFresh(ctx context.Context) error {
	lv.mu.RLock()
	stale := lv.stale
	lv.mu.RUnlock()
	if !stale {
		return nil
	}
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if !lv.stale {
		return nil
	}
	return lv.rebuildLocked(ctx)
}

// Rebuild reloads the index from the source unconditionally.
func (lv *Live) Rebuild(ctx context.Context) error {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.rebuildLocked(ctx)
}

func (lv *Live) rebuildLocked(ctx context.Context) error {
	lv.stale = true
	if err := lv.index.Reset(ctx); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	ids := make([]string, 0, rebuildBatchSize)
	vectors := make([][]float32, 0, rebuildBatchSize)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := lv.index.Add(ctx, ids, vectors); err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		ids, vectors = ids[:0], vectors[:0]
		return nil
	}
	for rec := range lv.source.All(ctx) {
		ids = append(ids, rec.ID)
		vectors = append(vectors, rec.Vector)
		if len(ids) == rebuildBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}
	lv.stale = false
	lv.logger.Debug("index rebuilt", zap.String("type", lv.index.Type()), zap.Int("size", lv.index.Size()))
	return nil
}

// Stale reports whether the next search will rebuild.
func (lv *Live) Stale() bool {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.stale
}

// Size returns the number of indexed vectors.
func (lv *Live) Size() int {
	return lv.index.Size()
}

// Type returns the wrapped index type.
func (lv *Live) Type() string {
	return lv.index.Type()
}

// Close closes the wrapped index.
func (lv *Live) Close() error {
	return lv.index.Close()
}
