// Package server provides the HTTP API for miru.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/pkg/utils"
)

// Server is the HTTP server for the miru API.
type Server struct {
	engine   *search.Engine
	ingester *indexer.Ingester
	store    storage.Store
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server

	rootsMu    sync.RWMutex
	imageRoots []string
}

// NewServer creates a server with the given dependencies. Indexed images are served
// from ingest.image_dir and watch.directories; API ingestion is limited to those roots.
func NewServer(
	engine *search.Engine,
	ingester *indexer.Ingester,
	store storage.Store,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		engine:   engine,
		ingester: ingester,
		store:    store,
		config:   cfg,
		logger:   utils.LoggerOrNop(logger),
	}
	if cfg.Ingest.ImageDir != "" {
		s.AddImageRoot(cfg.Ingest.ImageDir)
	}
	for _, dir := range cfg.Watch.Directories {
		s.AddImageRoot(dir)
	}
	return s
}

// AddImageRoot registers a directory whose files may be served under /images/.
func (s *Server) AddImageRoot(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	s.rootsMu.Lock()
	defer s.rootsMu.Unlock()
	for _, r := range s.imageRoots {
		if r == abs {
			return
		}
	}
	s.imageRoots = append(s.imageRoots, abs)
}

// ImageRoots returns the registered image directories in registration order.
func (s *Server) ImageRoots() []string {
	s.rootsMu.RLock()
	defer s.rootsMu.RUnlock()
	return append([]string(nil), s.imageRoots...)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(middleware.Compress(5))
		r.Post("/api/v1/search", s.handleSearch)
		r.Get("/api/v1/stats", s.handleStats)
		r.Get("/api/v1/records/{id}", s.handleGetRecord)
		r.Delete("/api/v1/records/{id}", s.handleDeleteRecord)
		r.Get("/health", s.handleHealth)
	})
	// Ingestion runs as long as it needs; the client disconnecting cancels it.
	r.Post("/api/v1/ingest", s.handleIngest)
	r.Get("/images/*", s.handleImage)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
