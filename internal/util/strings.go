package util

import (
	"strings"
	"unicode/utf8"
)

// SafeTruncate returns at most the first maxLen bytes of s, backing off to a
// rune boundary so log lines stay valid UTF-8. A negative maxLen yields "".
//
//	SafeTruncate("Zr5cX0qv1T9ZbQ-secret", 8) // "Zr5cX0qv"
//	SafeTruncate("abc", 8)                   // "abc"
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes, so "https://auth.example.com/" and
// "https://auth.example.com" yield the same issuer and endpoint URLs.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
