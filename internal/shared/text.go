package shared

import "unicode/utf8"

// Truncate cuts s to at most n bytes without splitting a rune, so the result
// is still valid UTF-8 for Postgres text columns and JSON payloads.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
