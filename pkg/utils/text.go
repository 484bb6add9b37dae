// Package utils provides shared utilities for text, math, locking, and logging.
package utils

import (
	"strings"
	"unicode/utf8"
)

// TruncatedMarker is appended to text cut by Clip.
const TruncatedMarker = "\n[...truncated...]"

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Clip cuts s to at most maxChars bytes and appends TruncatedMarker when it
// was longer. The cut never splits a multibyte rune.
func Clip(s string, maxChars int) string {
	if s == "" {
		return ""
	}
	if maxChars < 0 || len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncatedMarker
}

// EstimateTokens approximates a token count as ceil(ascii/4 + nonASCII/2).
func EstimateTokens(s string) int {
	var ascii, other int
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	quarters := ascii + other*2
	return (quarters + 3) / 4
}

// NormalizeRelPath strips leading separators and converts backslashes to forward slashes.
func NormalizeRelPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimLeft(p, "/")
}
