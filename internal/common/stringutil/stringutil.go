// Package stringutil provides small text helpers for terminal output.
package stringutil

import "strings"

// Snippet collapses s to a single line of at most max runes, ending with
// an ellipsis when truncated. Newlines become spaces so multi-line bodies
// render as one row.
func Snippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

// OrDash substitutes a dash for the empty string in aligned table output.
func OrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
