package oauthutil

import (
	"fmt"
	"strings"
)

// ParseScopes splits a space-delimited scope string (RFC 6749 Section 3.3),
// dropping empty entries and preserving order.
func ParseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return []string{}
	}
	return fields
}

// FormatScopes joins scopes with a single space.
func FormatScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ValidateScopes checks that every requested scope is in supported.
// An empty request is valid.
func ValidateScopes(requested, supported []string) error {
	allowed := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			return fmt.Errorf("unsupported scope: %s", s)
		}
	}
	return nil
}

// IsScopeSubset reports whether every scope in requested is also in granted.
func IsScopeSubset(requested, granted []string) bool {
	return ValidateScopes(requested, granted) == nil
}

// UnionScopes returns a followed by the scopes of b not already in a.
func UnionScopes(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// SubtractScopes returns the scopes of a that are not in b, keeping order.
func SubtractScopes(a, b []string) []string {
	remove := make(map[string]struct{}, len(b))
	for _, s := range b {
		remove[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := remove[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
