package indexer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/miru/internal/fileid"
	"github.com/hyperjump/miru/internal/models"
)

// Metadata keys written by discovery besides models.MetaKeyPath.
const (
	MetaKeySize  = "size"
	MetaKeyMtime = "mtime"
)

// DiscoverImages walks dir recursively and returns a candidate for each regular file whose
// extension is in exts (case-insensitive). Candidates are in lexical path order and read
// their content lazily.
func DiscoverImages(dir string, exts []string, scheme fileid.Scheme) ([]models.Candidate, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", models.ErrInvalidArgument, absDir)
	}

	var candidates []models.Candidate
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !HasExtension(path, exts) {
			return nil
		}
		c, ok := fileCandidate(absDir, path, scheme)
		if ok {
			candidates = append(candidates, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", absDir, err)
	}
	return candidates, nil
}

// CandidateForFile builds a candidate for a single file discovered under root.
func CandidateForFile(root, path string, scheme fileid.Scheme) (models.Candidate, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return models.Candidate{}, fmt.Errorf("absolute path: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return models.Candidate{}, fmt.Errorf("absolute path: %w", err)
	}
	c, ok := fileCandidate(absRoot, absPath, scheme)
	if !ok {
		return models.Candidate{}, fmt.Errorf("%w: not a regular file: %s", models.ErrInvalidArgument, absPath)
	}
	return c, nil
}

func fileCandidate(absRoot, absPath string, scheme fileid.Scheme) (models.Candidate, bool) {
	// Resolve symlinks so we only ingest regular files.
	finfo, err := os.Stat(absPath)
	if err != nil || !finfo.Mode().IsRegular() {
		return models.Candidate{}, false
	}
	meta := map[string]string{
		models.MetaKeyPath: absPath,
		MetaKeySize:        strconv.FormatInt(finfo.Size(), 10),
		MetaKeyMtime:       finfo.ModTime().UTC().Format(time.RFC3339Nano),
	}
	return models.FileCandidate(fileid.RecordID(scheme, absRoot, absPath), absPath, meta), true
}

// HasExtension reports whether path's extension is in exts. An empty list allows everything.
func HasExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return false
	}
	for _, a := range exts {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}
