package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/fileid"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/search"
	"github.com/hyperjump/miru/internal/storage"
)

// SearchHit is one result as returned by the API.
type SearchHit struct {
	ID         string            `json:"id"`
	Path       string            `json:"path"`
	ImageURL   string            `json:"image_url"`
	Similarity float64           `json:"similarity"`
	Rank       int               `json:"rank"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchResponse is the body of a successful search.
type SearchResponse struct {
	Success     bool         `json:"success"`
	Query       string       `json:"query"`
	Results     []*SearchHit `json:"results"`
	Count       int          `json:"count"`
	QueryTimeMS int64        `json:"query_time_ms"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Success bool `json:"success"`
	models.Stats
	DiskUsageBytes int64 `json:"disk_usage_bytes,omitempty"`
}

// RecordResponse describes one stored record.
type RecordResponse struct {
	Success   bool              `json:"success"`
	ID        string            `json:"id"`
	Path      string            `json:"path,omitempty"`
	ImageURL  string            `json:"image_url,omitempty"`
	Dimension int               `json:"dimension"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IngestRequest is the body of POST /api/v1/ingest. An empty directory means ingest.image_dir.
type IngestRequest struct {
	Directory string `json:"directory"`
}

// IngestResponse wraps the run report.
type IngestResponse struct {
	Success bool `json:"success"`
	*models.IngestReport
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limits := search.Limits{Default: s.config.Search.DefaultLimit, Max: s.config.Search.MaxLimit}
	if err := search.ProcessQuery(&query, limits); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("top_k", query.TopK))

	ctx := r.Context()
	if s.config.Search.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Search.QueryTimeout)
		defer cancel()
	}
	response, err := s.engine.Search(ctx, query.Query, query.TopK)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}

	roots := s.ImageRoots()
	hits := make([]*SearchHit, len(response.Results))
	for i, res := range response.Results {
		hits[i] = &SearchHit{
			ID:         res.ID,
			Path:       res.Path(),
			ImageURL:   imageURL(roots, res.Path()),
			Similarity: res.Similarity,
			Rank:       res.Rank,
			Metadata:   res.Metadata,
		}
	}
	s.respondJSON(w, http.StatusOK, &SearchResponse{
		Success:     true,
		Query:       response.Query,
		Results:     hits,
		Count:       response.Count,
		QueryTimeMS: response.QueryTime,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	resp := &StatsResponse{Success: true, Stats: *stats}
	diskBytes, err := storage.DiskUsageBytes(storage.DatabaseFiles(s.config.Storage.DatabasePath)...)
	if err == nil {
		resp.DiskUsageBytes = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	dir := req.Directory
	if dir == "" {
		dir = s.config.Ingest.ImageDir
	}
	if dir == "" {
		s.respondError(w, http.StatusBadRequest, "directory is required")
		return
	}
	if !underRoot(s.ImageRoots(), dir) {
		s.respondError(w, http.StatusBadRequest, "directory is outside the configured image roots")
		return
	}
	scheme, err := fileid.ParseScheme(s.config.Ingest.IDScheme)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	candidates, err := indexer.DiscoverImages(dir, s.config.Ingest.Extensions, scheme)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Debug("ingest request", zap.String("directory", dir), zap.Int("candidates", len(candidates)))

	report, err := s.ingester.Ingest(r.Context(), candidates)
	if err != nil {
		s.logger.Error("ingest failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, &IngestResponse{Success: true, IngestReport: report})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.store.Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "record not found")
		return
	}
	s.respondJSON(w, http.StatusOK, &RecordResponse{
		Success:   true,
		ID:        rec.ID,
		Path:      rec.Path(),
		ImageURL:  imageURL(s.ImageRoots(), rec.Path()),
		Dimension: len(rec.Vector),
		Metadata:  rec.Metadata,
	})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete record request", zap.String("id", id))
	n, err := s.store.Delete(r.Context(), []string{id})
	if err != nil {
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	if n == 0 {
		s.respondError(w, http.StatusNotFound, "record not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true, "id": id, "status": "deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	path, err := resolveImage(s.ImageRoots(), rel, func(root, p string) bool {
		return s.isIndexed(r.Context(), root, p)
	})
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

// isIndexed reports whether p has an image extension and is the path of a stored record.
func (s *Server) isIndexed(ctx context.Context, root, p string) bool {
	if !indexer.HasExtension(p, s.config.Ingest.Extensions) {
		return false
	}
	if scheme, err := fileid.ParseScheme(s.config.Ingest.IDScheme); err == nil {
		if rec, ok := s.store.Get(fileid.RecordID(scheme, root, p)); ok && rec.Path() == p {
			return true
		}
	}
	// Records ingested under another id scheme.
	for rec := range s.store.All(ctx) {
		if rec.Path() == p {
			return true
		}
	}
	return false
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument),
		errors.Is(err, models.ErrDimensionMismatch),
		errors.Is(err, models.ErrInvalidVector),
		errors.Is(err, models.ErrContentRejected):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmbeddingUnavailable),
		storage.IsStoreError(err),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{"success": false, "error": message})
}
