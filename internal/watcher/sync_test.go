package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/fileid"
	"github.com/hyperjump/miru/internal/indexer"
	"github.com/hyperjump/miru/internal/storage"
)

func newTestSyncer(t *testing.T, scheme fileid.Scheme) (*Syncer, *storage.SQLiteStore, *embedding.MockGateway) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	gw := embedding.NewMockGateway(8)
	ingester := indexer.NewIngester(store, gw)
	return NewSyncer(context.Background(), store, ingester, scheme, []string{".jpg"}, nil), store, gw
}

func TestSyncer_ImageChanged(t *testing.T) {
	s, store, gw := newTestSyncer(t, fileid.SchemeRelPath)
	root := t.TempDir()
	img := filepath.Join(root, "album", "a.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(img), 0755))
	require.NoError(t, os.WriteFile(img, []byte("first"), 0644))

	s.ImageChanged(root, img)
	rec, ok := store.Get("album/a.jpg")
	require.True(t, ok)
	assert.Equal(t, img, rec.Path())
	first, _ := gw.EmbedImage(context.Background(), []byte("first"))
	assert.InDeltaSlice(t, first, rec.Vector, 1e-6)

	// Unchanged file: nothing happens.
	s.ImageChanged(root, img)
	assert.Equal(t, 1, store.Count())

	// Rewritten content with a new mtime replaces the vector.
	require.NoError(t, os.WriteFile(img, []byte("second!"), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(img, later, later))
	s.ImageChanged(root, img)
	rec, ok = store.Get("album/a.jpg")
	require.True(t, ok)
	second, _ := gw.EmbedImage(context.Background(), []byte("second!"))
	assert.InDeltaSlice(t, second, rec.Vector, 1e-6)
	assert.Equal(t, 1, store.Count())
}

func TestSyncer_ImageChangedKeepsOtherOwner(t *testing.T) {
	s, store, _ := newTestSyncer(t, fileid.SchemeBasename)
	root := t.TempDir()
	a := filepath.Join(root, "one", "dup.jpg")
	b := filepath.Join(root, "two", "dup.jpg")
	for _, p := range []string{a, b} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(p), 0644))
	}
	s.ImageChanged(root, a)
	s.ImageChanged(root, b)
	rec, ok := store.Get("dup.jpg")
	require.True(t, ok)
	assert.Equal(t, a, rec.Path())
}

func TestSyncer_ImageRemoved(t *testing.T) {
	s, store, _ := newTestSyncer(t, fileid.SchemeRelPath)
	root := t.TempDir()
	img := filepath.Join(root, "a.jpg")
	require.NoError(t, os.WriteFile(img, []byte("a"), 0644))
	s.ImageChanged(root, img)
	require.True(t, store.Contains("a.jpg"))

	// Still on disk: treated as an in-place replace.
	s.ImageRemoved(root, img)
	assert.True(t, store.Contains("a.jpg"))

	require.NoError(t, os.Remove(img))
	s.ImageRemoved(root, img)
	assert.False(t, store.Contains("a.jpg"))
}

func TestSyncer_SyncDirectory(t *testing.T) {
	s, store, _ := newTestSyncer(t, fileid.SchemeRelPath)
	root := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0644))
	}
	report, pruned, err := s.SyncDirectory(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 0, pruned)

	require.NoError(t, os.Remove(filepath.Join(root, "b.jpg")))
	report, pruned, err = s.SyncDirectory(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Added)
	assert.Equal(t, 1, pruned)
	assert.True(t, store.Contains("a.jpg"))
	assert.False(t, store.Contains("b.jpg"))
}

func TestSyncer_WithWatcher(t *testing.T) {
	s, store, _ := newTestSyncer(t, fileid.SchemeRelPath)
	root := t.TempDir()
	startWatcher(t, []string{root}, s)

	img := filepath.Join(root, "live.jpg")
	require.NoError(t, os.WriteFile(img, []byte("live"), 0644))
	waitFor(t, "live.jpg ingested", func() bool { return store.Contains("live.jpg") })

	require.NoError(t, os.Remove(img))
	waitFor(t, "live.jpg deleted", func() bool { return !store.Contains("live.jpg") })
}
