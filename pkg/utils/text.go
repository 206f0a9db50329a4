// Package utils provides shared utilities for text, vector math, and logging.
package utils

import "strings"

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ToSlash converts Windows separators to forward slashes regardless of host OS,
// so paths recorded on one machine render as URLs on another.
func ToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
