package model

import (
	"path"
	"strings"
)

// Wildcard matches text against a case-insensitive pattern where '*' matches
// any run of characters and '?' a single one. An empty pattern matches
// everything; a pattern without wildcards matches as a substring.
func Wildcard(pattern, text string) bool {
	if pattern == "" {
		return true
	}
	pattern = strings.ToLower(pattern)
	text = strings.ToLower(text)
	if !strings.ContainsAny(pattern, "*?") {
		return strings.Contains(text, pattern)
	}
	// path.Match treats '/' as a separator; descriptions are free text.
	ok, err := path.Match(strings.ReplaceAll(pattern, "/", "\x00"), strings.ReplaceAll(text, "/", "\x00"))
	return err == nil && ok
}
