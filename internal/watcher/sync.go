package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/fileid"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/pkg/utils"
)

// Syncer applies watcher events to the store: changed images are (re)ingested and removed
// images lose their record. It implements Sink.
type Syncer struct {
	ctx        context.Context
	store      storage.Store
	ingester   *indexer.Ingester
	scheme     fileid.Scheme
	extensions []string
	logger     *zap.Logger
}

// NewSyncer returns a syncer whose event handlers run under ctx.
func NewSyncer(ctx context.Context, store storage.Store, ingester *indexer.Ingester, scheme fileid.Scheme, extensions []string, logger *zap.Logger) *Syncer {
	return &Syncer{
		ctx:        ctx,
		store:      store,
		ingester:   ingester,
		scheme:     scheme,
		extensions: extensions,
		logger:     utils.LoggerOrNop(logger),
	}
}

// ImageChanged ingests path. A stored record for the same id whose size or mtime no
// longer match the file is replaced.
func (s *Syncer) ImageChanged(root, path string) {
	c, err := indexer.CandidateForFile(root, path, s.scheme)
	if err != nil {
		s.logger.Debug("sync skipping file", zap.String("path", path), zap.Error(err))
		return
	}
	if rec, ok := s.store.Get(c.ID); ok {
		if rec.Path() != c.Metadata[models.MetaKeyPath] {
			s.logger.Warn("sync id already used by another file",
				zap.String("id", c.ID), zap.String("path", path), zap.String("stored_path", rec.Path()))
			return
		}
		if unchanged(rec.Metadata, c.Metadata) {
			return
		}
		if _, err := s.store.Delete(s.ctx, []string{c.ID}); err != nil {
			s.logger.Error("sync delete stale record failed", zap.String("id", c.ID), zap.Error(err))
			return
		}
	}
	report, err := s.ingester.Ingest(s.ctx, []models.Candidate{c})
	if err != nil {
		s.logger.Error("sync ingest failed", zap.String("path", path), zap.Error(err))
		return
	}
	for _, f := range report.Failed {
		s.logger.Warn("sync image rejected", zap.String("id", f.ID), zap.String("kind", string(f.Kind)), zap.String("reason", f.Reason))
	}
	if report.Added > 0 {
		s.logger.Info("sync indexed image", zap.String("id", c.ID), zap.String("path", path))
	}
}

// ImageRemoved deletes the record of path, provided it still points at that path.
func (s *Syncer) ImageRemoved(root, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	id := fileid.RecordID(s.scheme, root, abs)
	rec, ok := s.store.Get(id)
	if !ok || rec.Path() != abs {
		return
	}
	if _, err := os.Stat(abs); err == nil {
		// Replaced in place (editors often write via rename).
		return
	}
	if _, err := s.store.Delete(s.ctx, []string{id}); err != nil {
		s.logger.Error("sync delete failed", zap.String("id", id), zap.Error(err))
		return
	}
	s.logger.Info("sync removed image", zap.String("id", id), zap.String("path", abs))
}

// SyncDirectory ingests every image under root and deletes records whose file under
// root has disappeared.
func (s *Syncer) SyncDirectory(ctx context.Context, root string) (*models.IngestReport, int, error) {
	candidates, err := indexer.DiscoverImages(root, s.extensions, s.scheme)
	if err != nil {
		return nil, 0, err
	}
	report, err := s.ingester.Ingest(ctx, candidates)
	if err != nil {
		return report, 0, err
	}
	pruned, err := s.prune(ctx, root)
	return report, pruned, err
}

func (s *Syncer) prune(ctx context.Context, root string) (int, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, err
	}
	var gone []string
	for rec := range s.store.All(ctx) {
		p := rec.Path()
		if p == "" || !inDir(absRoot, p) {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			gone = append(gone, rec.ID)
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(gone) == 0 {
		return 0, nil
	}
	return s.store.Delete(ctx, gone)
}

func unchanged(stored, current map[string]string) bool {
	for _, key := range []string{indexer.MetaKeySize, indexer.MetaKeyMtime} {
		if stored[key] == "" || stored[key] != current[key] {
			return false
		}
	}
	return true
}
