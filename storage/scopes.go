package storage

import (
	"slices"
	"strings"
)

// Reserved OIDC scopes. The token endpoint always adds them to a request and
// never lists them on the access token, so they are ignored when matching.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeOfflineAccess = "offline_access"
)

// ReservedScopes lists the reserved scopes in request order.
var ReservedScopes = []string{ScopeOpenID, ScopeProfile, ScopeOfflineAccess}

// ParseScopes splits a space-delimited scope string.
func ParseScopes(s string) []string {
	return strings.Fields(s)
}

// JoinScopes joins scopes with single spaces.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// NormalizeScopes trims, lowercases, dedupes and sorts scopes.
// Empty entries are dropped. The result is never nil.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ScopeSetContains reports whether have contains every element of want.
// Membership is exact.
func ScopeSetContains(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// ScopeSetIntersects reports whether a and b share an element.
func ScopeSetIntersects(a, b []string) bool {
	for _, s := range b {
		if slices.Contains(a, s) {
			return true
		}
	}
	return false
}

// IsReservedScope reports whether scope is openid, profile or offline_access.
func IsReservedScope(scope string) bool {
	return slices.Contains(ReservedScopes, strings.ToLower(scope))
}

// WithoutReserved returns scopes minus the reserved OIDC scopes.
func WithoutReserved(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if !IsReservedScope(s) {
			out = append(out, s)
		}
	}
	return out
}

// WithReserved returns scopes plus any reserved scope not already present.
func WithReserved(scopes []string) []string {
	out := slices.Clone(scopes)
	for _, r := range ReservedScopes {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// ScopeResource returns the resource part of a URI-form scope, for example
// "https://graph.microsoft.com" for "https://graph.microsoft.com/User.Read".
// Short-form scopes have no resource and return "".
func ScopeResource(scope string) string {
	rest := scope
	schemeEnd := strings.Index(scope, "://")
	if schemeEnd >= 0 {
		rest = scope[schemeEnd+3:]
	}
	slash := strings.LastIndex(rest, "/")
	if slash <= 0 {
		return ""
	}
	if schemeEnd >= 0 {
		return scope[:schemeEnd+3+slash]
	}
	return rest[:slash]
}
