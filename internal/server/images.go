package server

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

const imagePrefix = "/images/"

// imageURL returns the URL under /images/ for a stored path: relative to the first root
// containing it, otherwise just the basename.
func imageURL(roots []string, p string) string {
	if p == "" {
		return ""
	}
	rel := ""
	for _, root := range roots {
		r, err := filepath.Rel(root, p)
		if err == nil && r != "." && !strings.HasPrefix(r, "..") && !filepath.IsAbs(r) {
			rel = r
			break
		}
	}
	if rel == "" {
		rel = path.Base(utils.ToSlash(p))
	}
	segments := strings.Split(utils.ToSlash(rel), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return imagePrefix + strings.Join(segments, "/")
}

// underRoot reports whether dir is one of roots or lies beneath one.
func underRoot(roots []string, dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for _, root := range roots {
		r, err := filepath.Rel(root, abs)
		if err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) && !filepath.IsAbs(r) {
			return true
		}
	}
	return false
}

// resolveImage maps a relative URL path to a regular file under one of roots.
// Files for which indexed returns false are reported as not found.
func resolveImage(roots []string, rel string, indexed func(root, path string) bool) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: image path is required", models.ErrInvalidArgument)
	}
	slashed := utils.ToSlash(rel)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute image path", models.ErrInvalidArgument)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: image path escapes root", models.ErrInvalidArgument)
		}
	}
	for _, root := range roots {
		candidate := filepath.Join(root, filepath.FromSlash(slashed))
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() && indexed(root, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: image %s", models.ErrNotFound, rel)
}
