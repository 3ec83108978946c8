// Package text holds small string helpers for operator-facing output.
package text

import "unicode/utf8"

// Truncate clips s to at most max bytes, appending "..." when anything was
// cut. The cut never splits a UTF-8 sequence, so the result stays valid for
// transports that reject malformed text.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
