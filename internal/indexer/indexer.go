// Package indexer ingests candidates into the vector record store: dedup, embed, batch upsert.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/pkg/utils"
)

// Progress reports how many candidates have been decided so far in a run.
type Progress struct {
	RunID   string
	Done    int
	Total   int
	Added   int
	Skipped int
	Failed  int
}

// Ingester embeds candidates through the gateway and stores them. Gateway calls run in
// a bounded worker pool and never under a store lock.
type Ingester struct {
	store       storage.Store
	gateway     embedding.Gateway
	batchSize   int
	workers     int
	itemTimeout time.Duration
	logger      *zap.Logger // optional; when set, logs debug events
	progress    func(Progress)
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithLogger sets a logger for debug output (item skipped, item failed, batch stored).
func WithLogger(l *zap.Logger) IngesterOption {
	return func(in *Ingester) { in.logger = l }
}

// WithBatchSize sets how many embedded records are committed per transaction.
func WithBatchSize(n int) IngesterOption {
	return func(in *Ingester) { in.batchSize = n }
}

// WithWorkers sets the number of concurrent gateway calls.
func WithWorkers(n int) IngesterOption {
	return func(in *Ingester) { in.workers = n }
}

// WithItemTimeout bounds each load+embed call. Zero means no per-item deadline.
func WithItemTimeout(d time.Duration) IngesterOption {
	return func(in *Ingester) { in.itemTimeout = d }
}

// WithProgress registers a callback invoked after every committed batch.
func WithProgress(fn func(Progress)) IngesterOption {
	return func(in *Ingester) { in.progress = fn }
}

// NewIngester creates an ingester with the given dependencies.
func NewIngester(store storage.Store, gateway embedding.Gateway, opts ...IngesterOption) *Ingester {
	in := &Ingester{
		store:     store,
		gateway:   gateway,
		batchSize: 32,
		workers:   4,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.batchSize <= 0 {
		in.batchSize = 32
	}
	if in.workers <= 0 {
		in.workers = 1
	}
	in.logger = utils.LoggerOrNop(in.logger)
	return in
}

type embedResult struct {
	vector []float32
	err    error
	done   bool
}

// Ingest adds every candidate whose id is not already stored.
//
// Per-item problems (unreadable content, rejected input, per-item timeout, invalid vector)
// are reported in IngestReport.Failed and do not stop the run. ErrEmbeddingUnavailable and
// ErrStoreUnavailable stop the run and are returned together with the partial report.
// Cancelling ctx stops the run between items; everything embedded so far is still committed
// and the report has Canceled set.
func (in *Ingester) Ingest(ctx context.Context, candidates []models.Candidate) (*models.IngestReport, error) {
	start := time.Now()
	report := &models.IngestReport{
		RunID:  uuid.New().String(),
		Total:  len(candidates),
		Failed: []models.ItemFailure{},
	}
	finish := func() {
		report.Elapsed = time.Since(start)
		in.logger.Info("ingest run finished",
			zap.String("run_id", report.RunID),
			zap.Int("total", report.Total),
			zap.Int("added", report.Added),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.FailedCount()),
			zap.Bool("canceled", report.Canceled),
			zap.Duration("elapsed", report.Elapsed))
	}
	defer finish()

	pending := in.dedup(candidates, report)
	for startIdx := 0; startIdx < len(pending); startIdx += in.batchSize {
		if ctx.Err() != nil {
			report.Canceled = true
			return report, nil
		}
		chunk := pending[startIdx:min(startIdx+in.batchSize, len(pending))]
		results, fatal := in.embedChunk(ctx, chunk)

		records := make([]*models.VectorRecord, 0, len(chunk))
		for i, c := range chunk {
			r := results[i]
			switch {
			case !r.done:
			case r.err != nil:
				report.Failed = append(report.Failed, models.NewItemFailure(c.ID, r.err))
				in.logger.Debug("ingest item failed", zap.String("id", c.ID), zap.Error(r.err))
			default:
				records = append(records, &models.VectorRecord{ID: c.ID, Vector: r.vector, Metadata: c.Metadata})
			}
		}

		if err := in.flush(ctx, records, report); err != nil {
			return report, err
		}
		in.reportProgress(report)
		if fatal != nil {
			return report, fatal
		}
	}
	if ctx.Err() != nil && len(pending) > 0 {
		report.Canceled = true
	}
	return report, nil
}

// dedup drops blank, stored, and repeated ids. Only the first occurrence in a run is kept.
func (in *Ingester) dedup(candidates []models.Candidate, report *models.IngestReport) []models.Candidate {
	seen := make(map[string]struct{}, len(candidates))
	pending := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		rec := models.VectorRecord{ID: c.ID}
		if err := rec.Validate(); err != nil {
			report.Failed = append(report.Failed, models.NewItemFailure(c.ID, err))
			continue
		}
		if _, dup := seen[c.ID]; dup {
			report.Skipped++
			continue
		}
		seen[c.ID] = struct{}{}
		if in.store.Contains(c.ID) {
			report.Skipped++
			in.logger.Debug("ingest skipping stored id", zap.String("id", c.ID))
			continue
		}
		pending = append(pending, c)
	}
	return pending
}

// embedChunk loads and embeds every candidate of one chunk. It returns a non-nil error
// only when the gateway is unavailable; results of items finished before that are kept.
func (in *Ingester) embedChunk(ctx context.Context, chunk []models.Candidate) ([]embedResult, error) {
	results := make([]embedResult, len(chunk))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)
	for i := range chunk {
		c := chunk[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			vec, err := in.embedOne(gctx, c)
			if err != nil {
				if errors.Is(err, models.ErrEmbeddingUnavailable) {
					return fmt.Errorf("embed %s: %w", c.ID, err)
				}
				if gctx.Err() != nil {
					// Aborted with the run, not this item's fault.
					return nil
				}
			}
			results[i] = embedResult{vector: vec, err: err, done: true}
			return nil
		})
	}
	return results, g.Wait()
}

func (in *Ingester) embedOne(ctx context.Context, c models.Candidate) ([]float32, error) {
	if in.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.itemTimeout)
		defer cancel()
	}
	if c.Load == nil {
		return nil, fmt.Errorf("%w: candidate %s has no content", models.ErrInvalidArgument, c.ID)
	}
	data, err := c.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.ID, err)
	}
	return in.gateway.EmbedImage(ctx, data)
}

// flush commits one batch. A cancelled run still commits what it has already embedded.
func (in *Ingester) flush(ctx context.Context, records []*models.VectorRecord, report *models.IngestReport) error {
	if len(records) == 0 {
		return nil
	}
	res, err := in.store.UpsertBatch(context.WithoutCancel(ctx), records)
	if err != nil {
		return fmt.Errorf("store batch: %w", err)
	}
	report.Added += len(res.Stored)
	report.Failed = append(report.Failed, res.Failed...)
	in.logger.Debug("ingest batch stored", zap.Int("stored", len(res.Stored)), zap.Int("rejected", len(res.Failed)))
	return nil
}

func (in *Ingester) reportProgress(report *models.IngestReport) {
	if in.progress == nil {
		return
	}
	in.progress(Progress{
		RunID:   report.RunID,
		Done:    report.Added + report.Skipped + report.FailedCount(),
		Total:   report.Total,
		Added:   report.Added,
		Skipped: report.Skipped,
		Failed:  report.FailedCount(),
	})
}
