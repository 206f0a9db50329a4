package vector

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/miru/internal/models"
)

type sliceSource struct {
	mu   sync.Mutex
	recs map[string]*models.VectorRecord
}

func newSliceSource(recs ...*models.VectorRecord) *sliceSource {
	s := &sliceSource{recs: make(map[string]*models.VectorRecord)}
	for _, r := range recs {
		s.recs[r.ID] = r
	}
	return s
}

func (s *sliceSource) All(context.Context) iter.Seq[*models.VectorRecord] {
	s.mu.Lock()
	out := make([]*models.VectorRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return slices.Values(out)
}

func (s *sliceSource) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// flakyIndex fails Add while failAdds is set.
type flakyIndex struct {
	*MemoryIndex
	failAdds bool
}

func (f *flakyIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if f.failAdds {
		return errors.New("backend down")
	}
	return f.MemoryIndex.Add(ctx, ids, vectors)
}

func TestLive_InitialSearchLoadsSource(t *testing.T) {
	src := newSliceSource(
		&models.VectorRecord{ID: "a", Vector: []float32{1, 0}},
		&models.VectorRecord{ID: "b", Vector: []float32{0, 1}},
	)
	mem, _ := NewMemoryIndex(0)
	lv := NewLive(mem, src)
	require.True(t, lv.Stale())

	res, err := lv.Search(context.Background(), []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "b", res[0].ID)
	assert.False(t, lv.Stale())
	assert.Equal(t, 2, lv.Size())
}

func TestLive_AppliesEvents(t *testing.T) {
	ctx := context.Background()
	mem, _ := NewMemoryIndex(0)
	lv := NewLive(mem, newSliceSource())
	require.NoError(t, lv.Rebuild(ctx))

	lv.RecordsUpserted(ctx, []*models.VectorRecord{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "c", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	})
	res, err := lv.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(res))

	lv.RecordsDeleted(ctx, []string{"a"})
	res, err = lv.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(res))
}

func TestLive_FailedEventTriggersRebuild(t *testing.T) {
	ctx := context.Background()
	src := newSliceSource(&models.VectorRecord{ID: "a", Vector: []float32{1, 0}})
	mem, _ := NewMemoryIndex(0)
	flaky := &flakyIndex{MemoryIndex: mem}
	lv := NewLive(flaky, src)
	require.NoError(t, lv.Rebuild(ctx))

	// The store committed "b" but the index failed to take it.
	flaky.failAdds = true
	src.recs["b"] = &models.VectorRecord{ID: "b", Vector: []float32{0, 1}}
	lv.RecordsUpserted(ctx, []*models.VectorRecord{src.recs["b"]})
	assert.True(t, lv.Stale())

	// Still failing: search reports the error instead of serving stale results.
	_, err := lv.Search(ctx, []float32{0, 1}, 1)
	require.Error(t, err)

	flaky.failAdds = false
	res, err := lv.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(res))
	assert.False(t, lv.Stale())
}

func TestLive_RejectsBadK(t *testing.T) {
	mem, _ := NewMemoryIndex(0)
	lv := NewLive(mem, newSliceSource())
	_, err := lv.Search(context.Background(), []float32{1}, 0)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}
