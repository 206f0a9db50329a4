package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/vector"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectors.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

type recordingObserver struct {
	mu       sync.Mutex
	upserted []string
	deleted  []string
}

func (o *recordingObserver) RecordsUpserted(_ context.Context, recs []*models.VectorRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range recs {
		o.upserted = append(o.upserted, r.ID)
	}
}

func (o *recordingObserver) RecordsDeleted(_ context.Context, ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, ids...)
}

func TestSQLiteStore_UpsertNormalizes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	in := []float32{3, 4}
	if err := store.Upsert(ctx, &models.VectorRecord{ID: "a.jpg", Vector: in}); err != nil {
		t.Fatal(err)
	}
	if in[0] != 3 || in[1] != 4 {
		t.Errorf("caller vector was modified: %v", in)
	}
	got, ok := store.Get("a.jpg")
	if !ok {
		t.Fatal("record not found")
	}
	if math.Abs(float64(got.Vector[0])-0.6) > 1e-6 || math.Abs(float64(got.Vector[1])-0.8) > 1e-6 {
		t.Errorf("vector not normalized: %v", got.Vector)
	}
	if store.Dimension() != 2 {
		t.Errorf("Dimension() = %d, want 2", store.Dimension())
	}

	// Get returns a copy.
	got.Vector[0] = 100
	again, _ := store.Get("a.jpg")
	if again.Vector[0] == 100 {
		t.Error("Get returned shared state")
	}
}

func TestSQLiteStore_UpsertRejects(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, &models.VectorRecord{ID: "seed", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		rec  *models.VectorRecord
		want error
	}{
		{"blank id", &models.VectorRecord{ID: "  ", Vector: []float32{1, 0, 0}}, models.ErrInvalidArgument},
		{"wrong dimension", &models.VectorRecord{ID: "x", Vector: []float32{1, 0}}, models.ErrDimensionMismatch},
		{"empty vector", &models.VectorRecord{ID: "x"}, models.ErrInvalidVector},
		{"zero vector", &models.VectorRecord{ID: "x", Vector: []float32{0, 0, 0}}, models.ErrInvalidVector},
		{"NaN", &models.VectorRecord{ID: "x", Vector: []float32{float32(math.NaN()), 1, 0}}, models.ErrInvalidVector},
		{"Inf", &models.VectorRecord{ID: "x", Vector: []float32{float32(math.Inf(1)), 1, 0}}, models.ErrInvalidVector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Upsert(ctx, tt.rec)
			if !errors.Is(err, tt.want) {
				t.Errorf("Upsert() error = %v, want %v", err, tt.want)
			}
			if store.Count() != 1 {
				t.Errorf("Count() = %d after rejected upsert, want 1", store.Count())
			}
		})
	}
}

func TestSQLiteStore_UpsertReplaces(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_ = store.Upsert(ctx, &models.VectorRecord{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]string{"path": "/old"}})
	if err := store.Upsert(ctx, &models.VectorRecord{ID: "a", Vector: []float32{0, 2}, Metadata: map[string]string{"path": "/new"}}); err != nil {
		t.Fatal(err)
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
	got, _ := store.Get("a")
	if got.Path() != "/new" || got.Vector[1] != 1 {
		t.Errorf("record not replaced: %+v", got)
	}
}

func TestSQLiteStore_UpsertBatchPartialFailure(t *testing.T) {
	store, _ := newTestStore(t)
	obs := &recordingObserver{}
	store.Subscribe(obs)

	res, err := store.UpsertBatch(context.Background(), []*models.VectorRecord{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "bad", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "zero", Vector: []float32{0, 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stored) != 2 || res.Stored[0] != "a" || res.Stored[1] != "b" {
		t.Errorf("Stored = %v, want [a b]", res.Stored)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("Failed = %+v, want 2 entries", res.Failed)
	}
	if res.Failed[0].ID != "bad" || res.Failed[0].Kind != models.FailureDimensionMismatch {
		t.Errorf("Failed[0] = %+v", res.Failed[0])
	}
	if res.Failed[1].ID != "zero" || res.Failed[1].Kind != models.FailureInvalidVector {
		t.Errorf("Failed[1] = %+v", res.Failed[1])
	}
	if store.Count() != 2 {
		t.Errorf("Count() = %d, want 2", store.Count())
	}
	if len(obs.upserted) != 2 {
		t.Errorf("observer saw %v, want 2 ids", obs.upserted)
	}
}

func TestSQLiteStore_AllOrderedSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if err := store.Upsert(ctx, &models.VectorRecord{ID: id, Vector: []float32{1, 1}}); err != nil {
			t.Fatal(err)
		}
	}
	var ids []string
	for rec := range store.All(ctx) {
		ids = append(ids, rec.ID)
		// Mutations during iteration do not affect this snapshot.
		_ = store.Upsert(ctx, &models.VectorRecord{ID: "z" + rec.ID, Vector: []float32{1, 0}})
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("All() order = %v", ids)
	}
	if store.Count() != 6 {
		t.Errorf("Count() = %d, want 6", store.Count())
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	obs := &recordingObserver{}
	store.Subscribe(obs)
	ctx := context.Background()
	_ = store.Upsert(ctx, &models.VectorRecord{ID: "a", Vector: []float32{1, 0}})
	_ = store.Upsert(ctx, &models.VectorRecord{ID: "b", Vector: []float32{0, 1}})

	n, err := store.Delete(ctx, []string{"a", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Delete() = %d, want 1", n)
	}
	if store.Contains("a") || !store.Contains("b") {
		t.Error("wrong records after delete")
	}
	if fmt.Sprint(obs.deleted) != "[a]" {
		t.Errorf("observer deleted = %v", obs.deleted)
	}

	// Dimension survives an emptied store.
	_, _ = store.Delete(ctx, []string{"b"})
	if store.Dimension() != 2 {
		t.Errorf("Dimension() = %d after emptying, want 2", store.Dimension())
	}
	if err := store.Upsert(ctx, &models.VectorRecord{ID: "c", Vector: []float32{1, 0, 0}}); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSQLiteStore_ReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vectors.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	meta := map[string]string{models.MetaKeyPath: "/photos/dog.png"}
	if err := store.Upsert(ctx, &models.VectorRecord{ID: "dog.png", Vector: []float32{0, 5, 0}, Metadata: meta}); err != nil {
		t.Fatal(err)
	}
	if err := store.Persist(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, &models.VectorRecord{ID: "x", Vector: []float32{1, 0, 0}}); !errors.Is(err, models.ErrStoreUnavailable) {
		t.Errorf("upsert after close: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Count() != 1 || reopened.Dimension() != 3 {
		t.Fatalf("reopened Count=%d Dimension=%d", reopened.Count(), reopened.Dimension())
	}
	got, ok := reopened.Get("dog.png")
	if !ok {
		t.Fatal("record lost on reopen")
	}
	if got.Path() != "/photos/dog.png" || got.Vector[1] != 1 {
		t.Errorf("reopened record = %+v", got)
	}
}

func TestSQLiteStore_ConcurrentUpserts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if err := store.Upsert(ctx, &models.VectorRecord{ID: id, Vector: []float32{float32(w + 1), float32(i + 1)}}); err != nil {
					t.Error(err)
				}
				_ = store.Contains(id)
				_ = store.Count()
			}
		}(w)
	}
	wg.Wait()
	if store.Count() != 80 {
		t.Errorf("Count() = %d, want 80", store.Count())
	}
}

func TestSQLiteStore_SearchDuringWrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	const dim, rounds = 4, 50

	seed := make([]*models.VectorRecord, 10)
	for i := range seed {
		seed[i] = &models.VectorRecord{ID: fmt.Sprintf("seed-%d", i), Vector: []float32{1, float32(i), 0, 1}}
	}
	if _, err := store.UpsertBatch(ctx, seed); err != nil {
		t.Fatal(err)
	}
	idx, err := vector.NewMemoryIndex(dim)
	if err != nil {
		t.Fatal(err)
	}
	lv := vector.NewLive(idx, store)
	defer lv.Close()
	store.Subscribe(lv)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < rounds; i++ {
			batch := make([]*models.VectorRecord, 3)
			for j := range batch {
				batch[j] = &models.VectorRecord{
					ID:     fmt.Sprintf("r%d-%d", i, j),
					Vector: []float32{float32(j + 1), float32(i), 1, 0},
				}
			}
			if _, err := store.UpsertBatch(ctx, batch); err != nil {
				t.Error(err)
				return
			}
			if _, err := store.Delete(ctx, []string{batch[1].ID}); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		query := []float32{1, 1, 1, 1}
		for {
			select {
			case <-done:
				return
			default:
			}
			results, err := lv.Search(ctx, query, 5)
			if err != nil {
				t.Error(err)
				return
			}
			seen := make(map[string]bool)
			for i, r := range results {
				if seen[r.ID] {
					t.Errorf("duplicate result %s", r.ID)
				}
				seen[r.ID] = true
				if i > 0 && r.Score > results[i-1].Score {
					t.Errorf("results out of order at %d", i)
				}
			}
			for rec := range store.All(ctx) {
				if len(rec.Vector) != dim {
					t.Errorf("record %s has %d components", rec.ID, len(rec.Vector))
				}
			}
		}
	}()
	wg.Wait()

	if _, err := lv.Search(ctx, []float32{1, 0, 0, 0}, 1); err != nil {
		t.Fatal(err)
	}
	if want := len(seed) + rounds*2; store.Count() != want {
		t.Errorf("Count() = %d, want %d", store.Count(), want)
	}
	if lv.Size() != store.Count() {
		t.Errorf("index size = %d, store count = %d", lv.Size(), store.Count())
	}
	if lv.Stale() {
		t.Error("index stale after writes settled")
	}
}
