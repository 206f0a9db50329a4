// Package fileid derives stable record ids from image file paths.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Scheme selects how a record id is derived from a file path.
type Scheme string

const (
	// SchemeBasename uses the file name. Files with the same name in different
	// directories collide and only the first one is stored.
	SchemeBasename Scheme = "basename"
	// SchemeRelPath uses the slash-separated path relative to the scan root.
	SchemeRelPath Scheme = "relpath"
	// SchemeHash uses a digest of the absolute path.
	SchemeHash Scheme = "hash"
)

const hashPrefix = "file:"

// ParseScheme maps a config value to a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeBasename, SchemeRelPath, SchemeHash:
		return Scheme(s), nil
	case "":
		return SchemeBasename, nil
	default:
		return "", fmt.Errorf("unknown id scheme %q (supported: basename, relpath, hash)", s)
	}
}

// RecordID returns the id for absPath discovered under root.
func RecordID(scheme Scheme, root, absPath string) string {
	switch scheme {
	case SchemeRelPath:
		rel, err := filepath.Rel(root, absPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(filepath.Clean(absPath))
		}
		return filepath.ToSlash(rel)
	case SchemeHash:
		return PathHash(absPath)
	default:
		return filepath.Base(absPath)
	}
}

// PathHash returns a stable id for the given absolute path.
// Same path always yields the same id.
func PathHash(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return hashPrefix + hex.EncodeToString(hash[:])
}
