// Package authority parses and canonicalizes token authority URLs.
//
// An authority is the issuer base URL a token is requested from, for example
// https://login.microsoftonline.com/contoso.onmicrosoft.com/. Canonical form is
// lowercase with a single trailing slash; cache keys compare canonical strings.
package authority

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth-tokencache/internal/util"
)

// ErrInvalidAuthority is returned when an authority URL cannot be used.
var ErrInvalidAuthority = errors.New("invalid authority")

// Type identifies the authority family.
type Type int

const (
	// TypeAAD is a Microsoft Entra ID style authority: https://host/{tenant}/.
	TypeAAD Type = iota
	// TypeB2C is a B2C authority: https://host/tfp/{tenant}/{policy}/.
	TypeB2C
	// TypeGeneric is any other OIDC issuer. Its token endpoint is discovered.
	TypeGeneric
)

// String returns the authority type name.
func (t Type) String() string {
	switch t {
	case TypeAAD:
		return "aad"
	case TypeB2C:
		return "b2c"
	default:
		return "generic"
	}
}

// Tenantless tenant segments. Tokens are never issued for these; the realm of a
// cached token is always the concrete tenant of the signed-in account.
const (
	TenantCommon        = "common"
	TenantOrganizations = "organizations"
	TenantConsumers     = "consumers"
)

// Authority is a parsed, canonical authority. The zero value is not valid.
type Authority struct {
	canonical string
	scheme    string
	host      string
	tenant    string
	policy    string
	typ       Type
}

type parseOptions struct {
	allowInsecure bool
}

// ParseOption configures Parse.
type ParseOption func(*parseOptions)

// AllowInsecure permits http and loopback/private hosts. Use it for local
// identity providers and tests only.
func AllowInsecure() ParseOption {
	return func(o *parseOptions) { o.allowInsecure = true }
}

// Parse validates and canonicalizes raw.
//
// Query and fragment are dropped. The host and path are lowercased and the
// path gets a trailing slash. Unless AllowInsecure is given, the scheme must be
// https and the host must not be loopback, private or link-local.
func Parse(raw string, opts ...ParseOption) (Authority, error) {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Authority{}, fmt.Errorf("%w: authority is empty", ErrInvalidAuthority)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Authority{}, fmt.Errorf("%w: %v", ErrInvalidAuthority, err)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	hostname := strings.ToLower(u.Hostname())
	if host == "" {
		return Authority{}, fmt.Errorf("%w: authority %q has no host", ErrInvalidAuthority, raw)
	}

	switch scheme {
	case "https":
	case "http":
		if !o.allowInsecure {
			return Authority{}, fmt.Errorf("%w: authority must use https, got %s", ErrInvalidAuthority, scheme)
		}
	default:
		return Authority{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAuthority, u.Scheme)
	}

	if !o.allowInsecure {
		if class := util.ClassifyHost(hostname); class != util.HostPublic {
			return Authority{}, fmt.Errorf("%w: authority host must not be %s", ErrInvalidAuthority, class)
		}
	}

	// Tenants and policies of Microsoft authorities are case-insensitive;
	// generic issuer paths are kept as given.
	original := splitPath(u.Path)
	segments := make([]string, len(original))
	for i, seg := range original {
		segments[i] = strings.ToLower(seg)
	}
	a := Authority{scheme: scheme, host: host}

	switch {
	case len(segments) >= 3 && segments[0] == "tfp":
		a.typ = TypeB2C
		a.tenant = segments[1]
		a.policy = segments[2]
		segments = segments[:3]
	case strings.HasSuffix(hostname, ".b2clogin.com") && len(segments) >= 2:
		a.typ = TypeB2C
		a.tenant = segments[0]
		a.policy = segments[1]
		segments = append([]string{"tfp"}, segments[:2]...)
	case IsKnownHost(hostname):
		if len(segments) == 0 {
			return Authority{}, fmt.Errorf("%w: authority %q has no tenant", ErrInvalidAuthority, raw)
		}
		a.typ = TypeAAD
		a.tenant = segments[0]
		segments = segments[:1]
	default:
		a.typ = TypeGeneric
		segments = original
		if len(segments) > 0 {
			a.tenant = segments[0]
		}
	}

	a.canonical = util.EnsureTrailingSlash(scheme + "://" + host + "/" + strings.Join(segments, "/"))
	return a, nil
}

// MustParse is like Parse but panics on error. It is meant for constants and tests.
func MustParse(raw string, opts ...ParseOption) Authority {
	a, err := Parse(raw, opts...)
	if err != nil {
		panic(err)
	}
	return a
}

// Canonicalize returns the canonical form of raw without the host policy
// checks. Cache keys use it so that lookups never fail on an otherwise
// unusable authority.
func Canonicalize(raw string) (string, error) {
	a, err := Parse(raw, AllowInsecure())
	if err != nil {
		return "", err
	}
	return a.canonical, nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Canonical returns the canonical authority string, always ending in "/".
func (a Authority) Canonical() string { return a.canonical }

// String implements fmt.Stringer.
func (a Authority) String() string { return a.canonical }

// IsZero reports whether a was never parsed.
func (a Authority) IsZero() bool { return a.canonical == "" }

// Host returns the lowercase host, including a port if one was given.
func (a Authority) Host() string { return a.host }

// Tenant returns the tenant segment, or "" for generic issuers without a path.
func (a Authority) Tenant() string { return a.tenant }

// Policy returns the B2C policy, or "".
func (a Authority) Policy() string { return a.policy }

// Type returns the authority family.
func (a Authority) Type() Type { return a.typ }

// Environment returns the cache environment for the authority host. Aliased
// hosts share one environment so that tokens are found across aliases.
func (a Authority) Environment() string { return PreferredCache(a.host) }

// IsTenantless reports whether the authority targets a multi-tenant endpoint
// (common, organizations or consumers) rather than a concrete tenant.
func (a Authority) IsTenantless() bool {
	if a.typ != TypeAAD {
		return false
	}
	switch a.tenant {
	case TenantCommon, TenantOrganizations, TenantConsumers:
		return true
	}
	return false
}

// WithTenant returns a copy of a with the tenant replaced. It is a no-op for
// B2C and generic authorities, where the tenant is part of the issuer identity.
func (a Authority) WithTenant(tenant string) Authority {
	tenant = strings.ToLower(strings.TrimSpace(tenant))
	if a.typ != TypeAAD || tenant == "" {
		return a
	}
	a.tenant = tenant
	a.canonical = a.scheme + "://" + a.host + "/" + tenant + "/"
	return a
}

// TokenEndpoint returns the well-known v2 token endpoint for AAD and B2C
// authorities. Generic issuers return "" and need discovery.
func (a Authority) TokenEndpoint() string {
	switch a.typ {
	case TypeAAD, TypeB2C:
		return a.canonical + "oauth2/v2.0/token"
	default:
		return ""
	}
}

// AuthorizationEndpoint returns the well-known v2 authorization endpoint for
// AAD and B2C authorities, or "".
func (a Authority) AuthorizationEndpoint() string {
	switch a.typ {
	case TypeAAD, TypeB2C:
		return a.canonical + "oauth2/v2.0/authorize"
	default:
		return ""
	}
}
