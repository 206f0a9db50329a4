package watcher

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	changed []string
	removed []string
	roots   []string
}

func (s *recordingSink) ImageChanged(root, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = append(s.changed, path)
	s.roots = append(s.roots, root)
}

func (s *recordingSink) ImageRemoved(root, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
}

func (s *recordingSink) snapshot() (changed, removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.changed...), append([]string(nil), s.removed...)
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasSuffix(paths []string, suffix string) bool {
	return slices.ContainsFunc(paths, func(p string) bool { return strings.HasSuffix(p, suffix) })
}

func startWatcher(t *testing.T, roots []string, sink Sink) *Watcher {
	t.Helper()
	w := NewWatcher(roots, []string{".jpg", ".png"}, true, sink, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWatcher_AddDirectory(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, nil, &recordingSink{})
	if err := w.AddDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDirectory(dir); err != nil {
		t.Fatal(err)
	}
	dirs := w.Directories()
	if len(dirs) != 1 || dirs[0] != filepath.Clean(dir) {
		t.Errorf("Directories() = %v", dirs)
	}
}

func TestWatcher_DebounceAndExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := mkdirAll(sub); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startWatcher(t, []string{dir}, sink)

	img := filepath.Join(sub, "photo.jpg")
	for i := 0; i < 3; i++ {
		if err := writeFile(img, strings.Repeat("x", i+1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := writeFile(filepath.Join(sub, "notes.txt"), "skip"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "photo.jpg change", func() bool {
		changed, _ := sink.snapshot()
		return hasSuffix(changed, "photo.jpg")
	})
	time.Sleep(150 * time.Millisecond)

	changed, _ := sink.snapshot()
	if len(changed) != 1 {
		t.Errorf("writes should be debounced into one event, got %v", changed)
	}
	if hasSuffix(changed, "notes.txt") {
		t.Error("notes.txt should be filtered by extension")
	}
	sink.mu.Lock()
	if sink.roots[0] != filepath.Clean(dir) {
		t.Errorf("root = %s, want %s", sink.roots[0], dir)
	}
	sink.mu.Unlock()
}

func TestWatcher_RemoveReported(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "gone.png")
	if err := writeFile(img, "png"); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	startWatcher(t, []string{dir}, sink)

	if err := os.Remove(img); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "gone.png removal", func() bool {
		_, removed := sink.snapshot()
		return hasSuffix(removed, "gone.png")
	})
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	startWatcher(t, []string{dir}, sink)

	nested := filepath.Join(dir, "level1", "level2")
	if err := mkdirAll(nested); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directories before writing into them.
	time.Sleep(100 * time.Millisecond)
	if err := writeFile(filepath.Join(nested, "deep.jpg"), "deep"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(nested, "ignore.xyz"), "skip"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "deep.jpg change", func() bool {
		changed, _ := sink.snapshot()
		return hasSuffix(changed, "deep.jpg")
	})
	changed, _ := sink.snapshot()
	if hasSuffix(changed, "ignore.xyz") {
		t.Error("ignore.xyz should not be reported")
	}
}

func TestWatcher_HiddenDirectoriesIgnored(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	startWatcher(t, []string{dir}, sink)

	hidden := filepath.Join(dir, ".cache")
	if err := mkdirAll(hidden); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := writeFile(filepath.Join(hidden, "thumb.jpg"), "t"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "visible.jpg"), "v"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "visible.jpg change", func() bool {
		changed, _ := sink.snapshot()
		return hasSuffix(changed, "visible.jpg")
	})
	time.Sleep(100 * time.Millisecond)
	changed, _ := sink.snapshot()
	if hasSuffix(changed, "thumb.jpg") {
		t.Errorf("hidden file reported: %v", changed)
	}
}

func TestWatcher_Start_createsMissingRootDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "watch", "me")
	startWatcher(t, []string{root}, &recordingSink{})
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := NewWatcher([]string{t.TempDir()}, nil, false, &recordingSink{})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.jpg", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/ab/c.jpg", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		got := inDir(tt.dir, tt.path)
		if got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/r", false},
		{"/r/a.jpg", false},
		{"/r/.git", true},
		{"/r/sub/.thumbs/x.jpg", true},
		{"/r/.a.jpg", true},
	}
	for _, tt := range tests {
		if got := isHidden("/r", tt.path); got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
