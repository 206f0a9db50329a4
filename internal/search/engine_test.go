package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/storage"
	"github.com/hyperjump/miru/internal/vector"
)

type testEnv struct {
	store   *storage.SQLiteStore
	gateway *embedding.MockGateway
	live    *vector.Live
}

func newTestEnv(t *testing.T, dim int) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	idx, err := vector.NewMemoryIndex(dim)
	if err != nil {
		t.Fatal(err)
	}
	live := vector.NewLive(idx, store)
	store.Subscribe(live)
	return &testEnv{store: store, gateway: embedding.NewMockGateway(dim), live: live}
}

// add stores the image embedding of content under id.
func (e *testEnv) add(t *testing.T, id, content string) {
	t.Helper()
	vec, err := e.gateway.EmbedImage(context.Background(), []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	rec := &models.VectorRecord{ID: id, Vector: vec, Metadata: map[string]string{models.MetaKeyPath: "/img/" + id}}
	if err := e.store.Upsert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_Search(t *testing.T) {
	env := newTestEnv(t, 16)
	for i, content := range []string{"red car", "blue sky", "green tree", "white cat"} {
		env.add(t, fmt.Sprintf("img%d.jpg", i), content)
	}
	engine := NewEngine(env.store, env.gateway, env.live)

	resp, err := engine.Search(context.Background(), "  blue sky ", 3)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Query != "blue sky" {
		t.Errorf("query = %q, want trimmed", resp.Query)
	}
	if resp.Count != 3 || len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}
	top := resp.Results[0]
	if top.ID != "img1.jpg" || top.Rank != 1 {
		t.Errorf("top = %s rank %d, want img1.jpg rank 1", top.ID, top.Rank)
	}
	if top.Similarity < 0.999 {
		t.Errorf("self similarity = %v, want ~1", top.Similarity)
	}
	if top.Metadata[models.MetaKeyPath] != "/img/img1.jpg" {
		t.Errorf("metadata = %v", top.Metadata)
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Rank != i+1 {
			t.Errorf("rank[%d] = %d", i, resp.Results[i].Rank)
		}
		if resp.Results[i].Similarity > resp.Results[i-1].Similarity {
			t.Errorf("results not sorted at %d", i)
		}
	}
}

func TestEngine_SearchKLargerThanStore(t *testing.T) {
	env := newTestEnv(t, 8)
	env.add(t, "a.jpg", "a")
	env.add(t, "b.jpg", "b")
	resp, err := NewEngine(env.store, env.gateway, env.live).Search(context.Background(), "a", 50)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestEngine_SearchEmptyStore(t *testing.T) {
	env := newTestEnv(t, 8)
	resp, err := NewEngine(env.store, env.gateway, env.live).Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Count != 0 || resp.Results == nil {
		t.Errorf("want empty non-nil results, got %+v", resp)
	}
}

func TestEngine_SearchInvalidArguments(t *testing.T) {
	env := newTestEnv(t, 8)
	env.add(t, "a.jpg", "a")
	engine := NewEngine(env.store, env.gateway, env.live)
	tests := []struct {
		name string
		text string
		k    int
	}{
		{"empty", "", 5},
		{"blank", "   ", 5},
		{"zero k", "cat", 0},
		{"negative k", "cat", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Search(context.Background(), tt.text, tt.k)
			if !errors.Is(err, models.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

// hidingRecords drops one id from lookups to simulate an index ahead of the store.
type hidingRecords struct {
	*storage.SQLiteStore
	hidden string
}

func (h hidingRecords) Get(id string) (*models.VectorRecord, bool) {
	if id == h.hidden {
		return nil, false
	}
	return h.SQLiteStore.Get(id)
}

func TestEngine_SearchSkipsMissingRecords(t *testing.T) {
	env := newTestEnv(t, 8)
	env.add(t, "a.jpg", "a")
	env.add(t, "b.jpg", "b")
	env.add(t, "c.jpg", "c")
	engine := NewEngine(hidingRecords{env.store, "a.jpg"}, env.gateway, env.live)

	resp, err := engine.Search(context.Background(), "a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	for i, r := range resp.Results {
		if r.ID == "a.jpg" {
			t.Error("missing record should be dropped")
		}
		if r.Rank != i+1 {
			t.Errorf("ranks should stay contiguous, got %d at %d", r.Rank, i)
		}
	}
}

type failingGateway struct {
	*embedding.MockGateway
	err error
}

func (g failingGateway) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return nil, g.err
}

func TestEngine_SearchGatewayFailure(t *testing.T) {
	env := newTestEnv(t, 8)
	env.add(t, "a.jpg", "a")
	tests := []struct {
		name string
		err  error
	}{
		{"unavailable", fmt.Errorf("%w: connection refused", models.ErrEmbeddingUnavailable)},
		{"rejected", fmt.Errorf("%w: bad input", models.ErrContentRejected)},
		{"plain", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := failingGateway{MockGateway: env.gateway, err: tt.err}
			_, err := NewEngine(env.store, gw, env.live).Search(context.Background(), "a", 1)
			if !errors.Is(err, models.ErrEmbeddingUnavailable) {
				t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
			}
		})
	}
}

func TestEngine_SearchCanceled(t *testing.T) {
	env := newTestEnv(t, 8)
	env.add(t, "a.jpg", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(env.store, env.gateway, env.live).Search(ctx, "a", 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEngine_SearchSeesDeletes(t *testing.T) {
	env := newTestEnv(t, 8)
	env.add(t, "a.jpg", "a")
	env.add(t, "b.jpg", "b")
	engine := NewEngine(env.store, env.gateway, env.live)
	if _, err := engine.Search(context.Background(), "a", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Delete(context.Background(), []string{"a.jpg"}); err != nil {
		t.Fatal(err)
	}
	resp, err := engine.Search(context.Background(), "a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Results[0].ID != "b.jpg" {
		t.Errorf("results after delete = %+v", resp.Results)
	}
}

func TestEngine_Stats(t *testing.T) {
	env := newTestEnv(t, 8)
	env.add(t, "a.jpg", "a")
	engine := NewEngine(env.store, env.gateway, env.live)
	if _, err := engine.Search(context.Background(), "a", 1); err != nil {
		t.Fatal(err)
	}
	stats, err := engine.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := models.Stats{TotalRecords: 1, Dimension: 8, IndexType: string(vector.IndexTypeMemory), IndexSize: 1}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}
}

func TestProcessQuery(t *testing.T) {
	limits := Limits{Default: 5, Max: 20}
	tests := []struct {
		name    string
		topK    int
		want    int
		wantErr bool
	}{
		{"default", 0, 5, false},
		{"kept", 7, 7, false},
		{"capped", 500, 20, false},
		{"negative", -3, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &models.SearchQuery{Query: "cat", TopK: tt.topK}
			err := ProcessQuery(q, limits)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidArgument) {
					t.Errorf("err = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if q.TopK != tt.want {
				t.Errorf("TopK = %d, want %d", q.TopK, tt.want)
			}
		})
	}
}
