package providers

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"golang.org/x/oauth2"
)

// PKCE is a proof key pair for the authorization code flow.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates an S256 verifier and challenge.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{Verifier: verifier, Challenge: oauth2.S256ChallengeFromVerifier(verifier)}
}

// NewState returns a random state value for CSRF protection.
func NewState() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// AuthorizationURL builds the authorization URL for req against
// authorizationEndpoint, using the S256 challenge in req.CodeChallenge.
func AuthorizationURL(authorizationEndpoint string, req AuthorizationRequest) string {
	config := &oauth2.Config{
		ClientID:    req.ClientID,
		RedirectURL: req.RedirectURI,
		Scopes:      req.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: authorizationEndpoint},
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam(ParamClientInfo, "1")}
	if req.CodeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	}
	if req.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.LoginHint))
	}
	if req.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", req.Prompt))
	}
	if strings.TrimSpace(req.Claims) != "" {
		opts = append(opts, oauth2.SetAuthURLParam(ParamClaims, req.Claims))
	}
	return config.AuthCodeURL(req.State, opts...)
}
