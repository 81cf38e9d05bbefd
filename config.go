package tokencache

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokencache/authority"
	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/providers"
	"github.com/giantswarm/oauth-tokencache/security"
	"github.com/giantswarm/oauth-tokencache/storage"
	"github.com/giantswarm/oauth-tokencache/storage/memory"
)

const (
	// DefaultAuthority is the multi-tenant Microsoft identity platform authority.
	DefaultAuthority = "https://login.microsoftonline.com/common/"

	// DefaultExpirationBuffer treats access tokens as expired this early.
	DefaultExpirationBuffer = 5 * time.Minute

	// DefaultRefreshBurst is used when RefreshRatePerSecond is set without a burst.
	DefaultRefreshBurst = 5
)

// Config holds the client configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// ClientID is the application (client) ID (required).
	ClientID string

	// Authority is the default authority URL.
	// Default: DefaultAuthority
	Authority string

	// RedirectURI is where the authorization server sends the code in
	// interactive flows. Required for AcquireTokenInteractive.
	RedirectURI string

	// ClientSecret makes this a confidential client. Empty for public clients.
	ClientSecret string

	// AuthStyle selects how ClientSecret is sent to the token endpoint.
	AuthStyle oauth2.AuthStyle

	// Cache lookup behavior
	Cache CacheConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Storage is the persistence backend.
	// Default: an in-memory backend
	Storage storage.Backend

	// TokenEndpoint redeems grants.
	// Default: an oidc.TokenClient for Authority
	TokenEndpoint providers.TokenEndpoint

	// Authorizer runs interactive sign-ins. Only AcquireTokenInteractive needs it.
	Authorizer providers.InteractiveAuthorizer

	// HTTPClient is used by the default token endpoint.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation for metrics and traces (optional, no-op if not provided)
	Instrumentation *instrumentation.Instrumentation

	// Clock is the time source for expiry checks.
	// Default: security.SystemClock
	Clock security.Clock
}

// CacheConfig holds token matching settings
type CacheConfig struct {
	// ExpirationBuffer treats access tokens as expired this much early.
	// Default: DefaultExpirationBuffer. Negative disables the buffer.
	ExpirationBuffer time.Duration

	// ExtendedLifetime returns expired tokens whose extended lifetime still
	// holds when the token service is unavailable.
	ExtendedLifetime bool

	// FOCIEnabled lets family refresh tokens of sibling clients be redeemed.
	FOCIEnabled bool
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for secrets at rest.
	// Nil disables encryption. Generate with security.GenerateKey().
	EncryptionKey []byte

	// AllowInsecureAuthority permits http authorities and private hosts.
	// WARNING: Only for local test issuers.
	AllowInsecureAuthority bool

	// RefreshRatePerSecond limits refresh attempts per client and account.
	// Zero disables throttling.
	RefreshRatePerSecond float64

	// RefreshBurst is the burst allowed by the refresh throttle.
	// Default: DefaultRefreshBurst when RefreshRatePerSecond is set
	RefreshBurst int

	// EnableAuditLogging writes security events (identifiers hashed).
	EnableAuditLogging bool
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client ID is required")
	}
	if c.Authority != "" {
		if _, err := c.parseAuthority(c.Authority); err != nil {
			return fmt.Errorf("invalid authority: %w", err)
		}
	}
	if c.RedirectURI != "" {
		u, err := url.Parse(c.RedirectURI)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("invalid redirect URI %q", c.RedirectURI)
		}
	}
	if n := len(c.Security.EncryptionKey); n != 0 && n != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", n)
	}
	if c.Security.RefreshRatePerSecond < 0 {
		return errors.New("refresh rate must not be negative")
	}
	if c.Security.RefreshBurst < 0 {
		return errors.New("refresh burst must not be negative")
	}
	return nil
}

// applyDefaults fills zero values. Call after Validate.
func (c *Config) applyDefaults() {
	if c.Authority == "" {
		c.Authority = DefaultAuthority
	}
	switch {
	case c.Cache.ExpirationBuffer == 0:
		c.Cache.ExpirationBuffer = DefaultExpirationBuffer
	case c.Cache.ExpirationBuffer < 0:
		c.Cache.ExpirationBuffer = 0
	}
	if c.Security.RefreshRatePerSecond > 0 && c.Security.RefreshBurst == 0 {
		c.Security.RefreshBurst = DefaultRefreshBurst
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Instrumentation == nil {
		c.Instrumentation = instrumentation.NewNoop()
	}
	if c.Clock == nil {
		c.Clock = security.SystemClock{}
	}
	if c.Storage == nil {
		backend := memory.New()
		backend.SetLogger(c.Logger)
		backend.SetInstrumentation(c.Instrumentation)
		c.Storage = backend
	}
}

func (c *Config) parseAuthority(raw string) (authority.Authority, error) {
	if c.Security.AllowInsecureAuthority {
		return authority.Parse(raw, authority.AllowInsecure())
	}
	return authority.Parse(raw)
}
