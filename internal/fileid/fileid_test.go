package fileid

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordID(t *testing.T) {
	root := filepath.FromSlash("/photos")
	path := filepath.FromSlash("/photos/2021/beach.jpg")
	tests := []struct {
		name   string
		scheme Scheme
		want   string
	}{
		{"basename", SchemeBasename, "beach.jpg"},
		{"relpath", SchemeRelPath, "2021/beach.jpg"},
		{"empty scheme is basename", "", "beach.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RecordID(tt.scheme, root, path); got != tt.want {
				t.Errorf("RecordID() = %q, want %q", got, tt.want)
			}
		})
	}

	outside := RecordID(SchemeRelPath, root, filepath.FromSlash("/other/x.png"))
	if strings.Contains(outside, "..") {
		t.Errorf("relpath outside root should not escape: %q", outside)
	}
}

func TestPathHash(t *testing.T) {
	id1 := RecordID(SchemeHash, "/", "/foo/bar.jpg")
	id2 := PathHash("/foo/./bar.jpg")
	if id1 != id2 {
		t.Errorf("same cleaned path should give same id: %q vs %q", id1, id2)
	}
	if !strings.HasPrefix(id1, hashPrefix) || len(id1) != len(hashPrefix)+64 {
		t.Errorf("unexpected id shape: %q", id1)
	}
	if PathHash("/foo/baz.jpg") == id1 {
		t.Error("different paths should give different ids")
	}
}

func TestParseScheme(t *testing.T) {
	for _, s := range []string{"basename", "relpath", "hash", ""} {
		if _, err := ParseScheme(s); err != nil {
			t.Errorf("ParseScheme(%q): %v", s, err)
		}
	}
	if _, err := ParseScheme("uuid"); err == nil {
		t.Error("expected error for unknown scheme")
	}
}
