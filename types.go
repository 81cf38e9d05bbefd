package tokencache

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokencache/flow"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// Account is a signed-in user as cached.
type Account = storage.Account

// Source tells where a result came from.
type Source = flow.Source

// Result sources.
const (
	SourceCache           = flow.SourceCache
	SourceNetworkRefresh  = flow.SourceNetworkRefresh
	SourceNetworkExchange = flow.SourceNetworkExchange
)

// AuthenticationResult is a token returned to the caller.
type AuthenticationResult struct {
	AccessToken       string
	TokenType         string
	ExpiresOn         time.Time
	ExtendedExpiresOn time.Time
	Scopes            []string
	IDToken           string
	Account           *Account
	Source            Source

	// Extended is true when an expired token is returned because the token
	// service was unavailable and its extended lifetime still holds.
	Extended bool

	// CorrelationID of the token request, empty for cache hits.
	CorrelationID string
}

func newAuthenticationResult(r *flow.Result) *AuthenticationResult {
	return &AuthenticationResult{
		AccessToken:       r.AccessToken,
		TokenType:         r.TokenType,
		ExpiresOn:         r.ExpiresOn,
		ExtendedExpiresOn: r.ExtendedExpiresOn,
		Scopes:            slices.Clone(r.Scopes),
		IDToken:           r.IDToken,
		Account:           r.Account,
		Source:            r.Source,
		Extended:          r.Extended,
		CorrelationID:     r.CorrelationID,
	}
}

// FromCache reports whether no token request was made.
func (r *AuthenticationResult) FromCache() bool {
	return r.Source == SourceCache
}

// OAuth2Token converts the result for use with golang.org/x/oauth2 clients.
// The ID token and scopes are available as the "id_token" and "scope" extras.
func (r *AuthenticationResult) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken: r.AccessToken,
		TokenType:   r.TokenType,
		Expiry:      r.ExpiresOn,
	}
	if r.Extended {
		// The token is only usable until its extended expiry.
		tok.Expiry = r.ExtendedExpiresOn
	}

	extra := map[string]any{"scope": strings.Join(r.Scopes, " ")}
	if r.IDToken != "" {
		extra["id_token"] = r.IDToken
	}
	return tok.WithExtra(extra)
}
