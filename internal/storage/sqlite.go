package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

const metaKeyDimension = "dimension"

// SQLiteStore implements Store on SQLite. The table is mirrored in memory so reads never
// touch disk; writes go to SQLite first and are published to the mirror only after commit.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	writeMu   sync.Mutex // serializes writers, held across commit and observer calls
	closed    bool
	observers []Observer

	mu        sync.RWMutex // guards records and dimension
	records   map[string]*models.VectorRecord
	dimension int
}

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithLogger sets a logger for debug output (load, commit, delete).
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *SQLiteStore) { s.logger = l }
}

// NewSQLiteStore opens or creates a SQLite database at dbPath, initializes the schema,
// and loads all records. Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		path:    dbPath,
		logger:  zap.NewNop(),
		records: make(map[string]*models.VectorRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.LoggerOrNop(s.logger)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create database directory: %v", models.ErrStoreUnavailable, err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", models.ErrStoreUnavailable, err)
	}
	// One connection: writes are serialized anyway and pragmas apply per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", models.ErrStoreUnavailable, err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set synchronous: %v", models.ErrStoreUnavailable, err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initialize schema: %v", models.ErrStoreUnavailable, err)
	}
	s.db = db

	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("store opened",
		zap.String("path", dbPath),
		zap.Int("records", len(s.records)),
		zap.Int("dimension", s.dimension))
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		metadata TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) load(ctx context.Context) error {
	var dimValue string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, metaKeyDimension).Scan(&dimValue)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("%w: read dimension: %v", models.ErrStoreUnavailable, err)
	default:
		dim, convErr := strconv.Atoi(dimValue)
		if convErr != nil || dim <= 0 {
			return fmt.Errorf("%w: corrupt dimension %q", models.ErrStoreUnavailable, dimValue)
		}
		s.dimension = dim
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, vector, metadata FROM records`)
	if err != nil {
		return fmt.Errorf("%w: read records: %v", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id           string
			blob         []byte
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&id, &blob, &metadataJSON); err != nil {
			return fmt.Errorf("%w: scan record: %v", models.ErrStoreUnavailable, err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("%w: record %s: %v", models.ErrStoreUnavailable, id, err)
		}
		if len(vec) != s.dimension {
			return fmt.Errorf("%w: record %s has %d dimensions, store has %d",
				models.ErrStoreUnavailable, id, len(vec), s.dimension)
		}
		rec := &models.VectorRecord{ID: id, Vector: vec}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
				return fmt.Errorf("%w: record %s metadata: %v", models.ErrStoreUnavailable, id, err)
			}
		}
		s.records[id] = rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: read records: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Subscribe registers an observer for committed changes.
func (s *SQLiteStore) Subscribe(o Observer) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.observers = append(s.observers, o)
}

// Contains reports whether a record with id exists.
func (s *SQLiteStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Get returns a copy of the record with id.
func (s *SQLiteStore) Get(id string) (*models.VectorRecord, bool) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Dimension returns the store dimension, or 0 if no record was ever stored.
func (s *SQLiteStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// All returns a snapshot of the records taken when iteration starts, ordered by id.
// Yielded records are shared with the store and must not be modified.
func (s *SQLiteStore) All(ctx context.Context) iter.Seq[*models.VectorRecord] {
	return func(yield func(*models.VectorRecord) bool) {
		s.mu.RLock()
		snapshot := make([]*models.VectorRecord, 0, len(s.records))
		for _, rec := range s.records {
			snapshot = append(snapshot, rec)
		}
		s.mu.RUnlock()
		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
		for _, rec := range snapshot {
			if ctx.Err() != nil {
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Upsert inserts or replaces one record. Validation failures are returned directly
// (ErrInvalidArgument, ErrDimensionMismatch, ErrInvalidVector).
func (s *SQLiteStore) Upsert(ctx context.Context, rec *models.VectorRecord) error {
	_, failures, err := s.upsert(ctx, []*models.VectorRecord{rec})
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return failures[0].err
	}
	return nil
}

// UpsertBatch validates each record independently and commits the valid ones in a single
// transaction. Invalid records are reported in the result and do not abort the batch.
// A returned error means nothing from this batch was stored.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, recs []*models.VectorRecord) (*models.BatchResult, error) {
	stored, failures, err := s.upsert(ctx, recs)
	if err != nil {
		return nil, err
	}
	result := &models.BatchResult{Stored: make([]string, 0, len(stored))}
	for _, rec := range stored {
		result.Stored = append(result.Stored, rec.ID)
	}
	for _, f := range failures {
		result.Failed = append(result.Failed, models.NewItemFailure(f.id, f.err))
	}
	return result, nil
}

type itemError struct {
	id  string
	err error
}

func (s *SQLiteStore) upsert(ctx context.Context, recs []*models.VectorRecord) ([]*models.VectorRecord, []itemError, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("%w: store is closed", models.ErrStoreUnavailable)
	}

	dim := s.Dimension()
	newDim := dim == 0
	var (
		prepared []*models.VectorRecord
		failures []itemError
	)
	for _, rec := range recs {
		if rec == nil {
			failures = append(failures, itemError{err: fmt.Errorf("%w: nil record", models.ErrInvalidArgument)})
			continue
		}
		p, err := prepareRecord(rec, dim)
		if err != nil {
			failures = append(failures, itemError{id: rec.ID, err: err})
			continue
		}
		if dim == 0 {
			dim = len(p.Vector)
		}
		prepared = append(prepared, p)
	}
	if len(prepared) == 0 {
		return nil, failures, nil
	}

	if err := s.commit(ctx, prepared, newDim, dim); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("upsert batch: %w", ctxErr)
		}
		return nil, nil, fmt.Errorf("%w: commit batch: %v", models.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.dimension = dim
	for _, rec := range prepared {
		s.records[rec.ID] = rec
	}
	s.mu.Unlock()

	s.logger.Debug("store committed batch",
		zap.Int("stored", len(prepared)),
		zap.Int("failed", len(failures)))

	notifyCtx := context.WithoutCancel(ctx)
	for _, o := range s.observers {
		o.RecordsUpserted(notifyCtx, prepared)
	}
	return prepared, failures, nil
}

func (s *SQLiteStore) commit(ctx context.Context, recs []*models.VectorRecord, newDim bool, dim int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if newDim {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			metaKeyDimension, strconv.Itoa(dim),
		); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (id, vector, metadata, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			vector = excluded.vector,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, rec := range recs {
		var metadataJSON []byte
		if rec.Metadata != nil {
			metadataJSON, err = json.Marshal(rec.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %s: %w", rec.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, EncodeVector(rec.Vector), string(metadataJSON), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// prepareRecord validates rec against dim (0 = not yet established) and returns a
// normalized private copy.
func prepareRecord(rec *models.VectorRecord, dim int) (*models.VectorRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if len(rec.Vector) == 0 {
		return nil, fmt.Errorf("%w: %s: empty vector", models.ErrInvalidVector, rec.ID)
	}
	if dim > 0 && len(rec.Vector) != dim {
		return nil, fmt.Errorf("%w: %s: got %d, store has %d",
			models.ErrDimensionMismatch, rec.ID, len(rec.Vector), dim)
	}
	if !utils.AllFinite(rec.Vector) {
		return nil, fmt.Errorf("%w: %s: non-finite component", models.ErrInvalidVector, rec.ID)
	}
	out := rec.Clone()
	if norm := utils.NormalizeL2(out.Vector); norm == 0 {
		return nil, fmt.Errorf("%w: %s: zero norm", models.ErrInvalidVector, rec.ID)
	}
	return out, nil
}

// Delete removes records by id and returns how many existed.
func (s *SQLiteStore) Delete(ctx context.Context, ids []string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store is closed", models.ErrStoreUnavailable)
	}

	var present []string
	s.mu.RLock()
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			present = append(present, id)
		}
	}
	s.mu.RUnlock()
	if len(present) == 0 {
		return 0, nil
	}

	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, id := range present {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	}()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("delete: %w", ctxErr)
		}
		return 0, fmt.Errorf("%w: delete: %v", models.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	for _, id := range present {
		delete(s.records, id)
	}
	s.mu.Unlock()

	s.logger.Debug("store deleted records", zap.Strings("ids", present))
	notifyCtx := context.WithoutCancel(ctx)
	for _, o := range s.observers {
		o.RecordsDeleted(notifyCtx, present)
	}
	return len(present), nil
}

// Persist checkpoints the WAL into the main database file. Commits are already durable;
// this only bounds WAL growth and makes the database file self-contained.
func (s *SQLiteStore) Persist(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store is closed", models.ErrStoreUnavailable)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// Close checkpoints and closes the database. Subsequent writes fail with ErrStoreUnavailable;
// reads keep serving the in-memory mirror.
func (s *SQLiteStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Warn("store checkpoint on close failed", zap.Error(err))
	}
	return s.db.Close()
}

// IsStoreError reports whether err is a systemic storage failure.
func IsStoreError(err error) bool {
	return errors.Is(err, models.ErrStoreUnavailable)
}

var _ Store = (*SQLiteStore)(nil)
