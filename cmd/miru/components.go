package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
)

// defaultConfigPath is where an installed miru looks for its config.
const defaultConfigPath = "/usr/local/etc/miru/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// When the default path does not exist either, built-in defaults are returned.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Components holds initialized services.
type Components struct {
	Store    *storage.SQLiteStore
	Gateway  embedding.Gateway
	Index    *vector.Live
	Engine   *search.Engine
	Ingester *indexer.Ingester
}

// Close releases everything that was opened, index first so it stops receiving events.
func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Gateway != nil {
		_ = c.Gateway.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// newGateway builds the configured embedding gateway, wrapped with the text cache.
func newGateway(cfg *config.Config, logger *zap.Logger) (embedding.Gateway, error) {
	ec := cfg.Embedding
	var g embedding.Gateway
	switch ec.Provider {
	case "mock":
		g = embedding.NewMockGateway(ec.Dimensions)
	case "http":
		hg, err := embedding.NewHTTPGateway(embedding.HTTPConfig{
			Endpoint:          ec.Endpoint,
			Dimensions:        ec.Dimensions,
			Timeout:           ec.Timeout,
			RequestsPerSecond: ec.RequestsPerSecond,
			Burst:             ec.Burst,
			MaxRetries:        ec.MaxRetries,
		}, embedding.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		g = hg
	case "onnx", "":
		og, err := embedding.NewONNXGateway(embedding.ONNXConfig{
			TextModelPath:   ec.TextModelPath,
			VisionModelPath: ec.VisionModelPath,
			Dimensions:      ec.Dimensions,
			MaxTokens:       ec.MaxTokens,
			ImageSize:       ec.ImageSize,
		})
		if err != nil {
			return nil, err
		}
		g = og
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidArgument, ec.Provider)
	}
	return embedding.NewCachedGateway(g, ec.CacheSize), nil
}

// openStore opens the record database named by the config.
func openStore(cfg *config.Config, logger *zap.Logger) (*storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

// openIndex builds the configured similarity index over store and subscribes it.
// dim is used only while the store is empty.
func openIndex(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, dim int, logger *zap.Logger) (*vector.Live, error) {
	if d := store.Dimension(); d > 0 {
		dim = d
	}
	idx, err := vector.NewVectorIndex(ctx, cfg.Vector.IndexType, dim, vector.QdrantConfig{
		Host:       cfg.Vector.Qdrant.Host,
		Port:       cfg.Vector.Qdrant.Port,
		Collection: cfg.Vector.Qdrant.Collection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	live := vector.NewLive(idx, store, vector.WithLiveLogger(logger))
	store.Subscribe(live)
	logger.Info("vector index initialized", zap.String("type", idx.Type()), zap.Int("dimension", dim))
	return live, nil
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding gateway: %w", err)
	}
	c.Gateway = gateway

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Store = store
	if d := store.Dimension(); d > 0 && d != gateway.Dimensions() {
		return nil, fmt.Errorf("%w: database holds %d-dimensional vectors but the %s gateway produces %d",
			models.ErrDimensionMismatch, d, cfg.Embedding.Provider, gateway.Dimensions())
	}

	live, err := openIndex(ctx, cfg, store, gateway.Dimensions(), logger)
	if err != nil {
		return nil, err
	}
	c.Index = live

	ingestOpts := []indexer.IngesterOption{
		indexer.WithBatchSize(cfg.Ingest.BatchSize),
		indexer.WithWorkers(cfg.Ingest.Workers),
		indexer.WithItemTimeout(cfg.Ingest.ItemTimeout),
		indexer.WithLogger(logger),
	}
	if debug {
		ingestOpts = append(ingestOpts, indexer.WithProgress(func(p indexer.Progress) {
			logger.Debug("ingest progress", zap.String("run_id", p.RunID), zap.Int("done", p.Done), zap.Int("total", p.Total))
		}))
	}
	c.Ingester = indexer.NewIngester(store, gateway, ingestOpts...)
	c.Engine = search.NewEngine(store, gateway, live,
		search.WithLogger(logger),
		search.WithQueryTimeout(cfg.Search.QueryTimeout))

	ok = true
	return c, nil
}
