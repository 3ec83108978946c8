// Package jsonutil pulls machine-readable JSON out of free-form
// deliberation text. Memos arrive wrapped in prose, markdown fences or
// both; extraction is by balanced-brace scanning, not regex, so nested
// structures and strings containing braces survive.
package jsonutil

import (
	"strings"
)

const codeFence = "```"

// ExtractJSON returns the first JSON document found in raw: a fenced
// block wins, then the first balanced object, then the first balanced
// array. The boolean reports whether anything was found.
func ExtractJSON(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if doc, ok := extractFromFence(raw); ok {
		return doc, true
	}
	if doc, _, ok := scanBalanced(raw, '{', '}'); ok {
		return doc, true
	}
	doc, _, ok := scanBalanced(raw, '[', ']')
	return doc, ok
}

func extractFromFence(raw string) (string, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", false
	}
	block := strings.TrimLeft(rest[:end], "\r\n")
	// Drop a language tag line like "json".
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "[{") {
			block = block[idx+1:]
		}
	}
	block = strings.TrimSpace(block)
	if block == "" {
		return "", false
	}
	if doc, _, ok := scanBalanced(block, '{', '}'); ok {
		return doc, true
	}
	if doc, _, ok := scanBalanced(block, '[', ']'); ok {
		return doc, true
	}
	return block, true
}

// scanBalanced finds the first balanced opener..closer span, honoring
// JSON string literals and escapes.
func scanBalanced(raw string, opener, closer byte) (string, int, bool) {
	start := strings.IndexByte(raw, opener)
	if start == -1 {
		return "", -1, false
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '"':
			if i = skipString(raw, i); i < 0 {
				return "", -1, false
			}
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1]), start, true
			}
		}
	}
	return "", -1, false
}

// skipString returns the index of the quote closing the string literal
// that opens at raw[i], or -1 when it never closes.
func skipString(raw string, i int) int {
	for i++; i < len(raw); i++ {
		switch raw[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}
