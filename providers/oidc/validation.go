package oidc

import (
	"fmt"
	"net/url"

	"github.com/giantswarm/oauth-tokencache/internal/util"
)

const (
	// MaxScopes is the largest number of scopes accepted in one request.
	MaxScopes = 50

	// MaxScopeLength is the longest scope accepted.
	MaxScopeLength = 256
)

// ValidateIssuerURL validates an OIDC issuer URL with SSRF protection.
// It enforces HTTPS and blocks loopback, private and link-local hosts.
//
// Example:
//
//	if err := ValidateIssuerURL("https://dex.example.com"); err != nil {
//	    return fmt.Errorf("invalid issuer: %w", err)
//	}
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	// SECURITY: Enforce HTTPS to prevent credential leakage
	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	// SECURITY: Block internal addresses to prevent SSRF
	if class := util.ClassifyHost(host); class != util.HostPublic {
		return fmt.Errorf("issuer URL must not point to %s addresses", class)
	}

	return nil
}

// ValidateEndpointURL checks that a token or authorization endpoint uses
// HTTPS. allowInsecure also permits http, for local identity providers.
func ValidateEndpointURL(endpoint string, allowInsecure bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint URL must have a host")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
	}
	return fmt.Errorf("endpoint URL must use HTTPS, got %s", u.Scheme)
}

// ValidateScopes validates OAuth scopes before they are sent.
//
// Example:
//
//	scopes := []string{"openid", "profile", "User.Read"}
//	if err := ValidateScopes(scopes); err != nil {
//	    return fmt.Errorf("invalid scopes: %w", err)
//	}
func ValidateScopes(scopes []string) error {
	if len(scopes) > MaxScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", MaxScopes, len(scopes))
	}

	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > MaxScopeLength {
			return fmt.Errorf("scope at index %d exceeds maximum length of %d characters", i, MaxScopeLength)
		}
	}

	return nil
}
