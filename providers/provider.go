package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Grant types submitted to the token endpoint.
const (
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeAuthorizationCode = "authorization_code"
)

// Token request parameter names.
const (
	ParamClientID      = "client_id"
	ParamRefreshToken  = "refresh_token"
	ParamCode          = "code"
	ParamRedirectURI   = "redirect_uri"
	ParamCodeVerifier  = "code_verifier"
	ParamScope         = "scope"
	ParamClaims        = "claims"
	ParamTokenType     = "token_type"
	ParamRequestConf   = "req_cnf"
	ParamClientInfo    = "client_info"
	ParamCorrelationID = "client-request-id"

	// ParamAuthority routes a request to the authority it was issued for.
	// Endpoints consume it and never send it.
	ParamAuthority = "authority"
)

// OAuth error codes the cache reacts to.
const (
	ErrorInvalidGrant           = "invalid_grant"
	ErrorInteractionRequired    = "interaction_required"
	ErrorConsentRequired        = "consent_required"
	ErrorLoginRequired          = "login_required"
	ErrorServerError            = "server_error"
	ErrorTemporarilyUnavailable = "temporarily_unavailable"

	// SubErrorClientMismatch means the client is not a member of the
	// refresh token's family.
	SubErrorClientMismatch = "client_mismatch"
)

// ErrInteractionCancelled is returned by an InteractiveAuthorizer when the
// user abandoned the flow.
var ErrInteractionCancelled = errors.New("interaction cancelled by user")

// TokenEndpoint redeems grants. Failures are *TokenErrorResponse when the
// server answered with an OAuth error, *TransportError when it did not
// answer usefully, or the context error.
type TokenEndpoint interface {
	SubmitTokenRequest(ctx context.Context, grantType string, params map[string]string) (*TokenResponse, error)
}

// TokenResponse is a successful token endpoint response. Lifetimes are in
// seconds. An empty RefreshToken means the existing one stays valid.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	ExtExpiresIn int64
	RefreshIn    int64
	RefreshToken string
	IDToken      string
	Scope        string
	FamilyID     string
	ClientInfo   string

	// CorrelationID is echoed by the server, if it does.
	CorrelationID string
}

// TokenErrorResponse is an OAuth error returned by the token endpoint.
type TokenErrorResponse struct {
	Code          string
	Description   string
	SubErrors     []string
	StatusCode    int
	CorrelationID string
	// Claims is a claims challenge to repeat on the next request.
	Claims string
}

// TokenErrorResponse implements error
var _ error = (*TokenErrorResponse)(nil)

func (e *TokenErrorResponse) Error() string {
	msg := "token endpoint error: " + e.Code
	if sub := e.SubError(); sub != "" {
		msg += " (" + sub + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// SubError returns the first sub-error code, or "".
func (e *TokenErrorResponse) SubError() string {
	if len(e.SubErrors) == 0 {
		return ""
	}
	return e.SubErrors[0]
}

// HasSubError reports whether code is among the sub-errors.
func (e *TokenErrorResponse) HasSubError(code string) bool {
	for _, s := range e.SubErrors {
		if strings.EqualFold(s, code) {
			return true
		}
	}
	return false
}

// TransportError is a failure to get an OAuth answer: a network error, or an
// HTTP 5xx or 429 without an error body.
type TransportError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("token endpoint returned HTTP %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("token endpoint returned HTTP %d", e.StatusCode)
	default:
		return fmt.Sprintf("token endpoint unreachable: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InteractiveAuthorizer obtains an authorization code from the user, for
// example by opening a browser and listening on a loopback redirect.
type InteractiveAuthorizer interface {
	AcquireAuthorization(ctx context.Context, req AuthorizationRequest) (*AuthorizationArtifact, error)
}

// AuthorizationRequest describes the authorization the user is asked for.
// URL is the complete authorization URL built from the other fields.
type AuthorizationRequest struct {
	URL           string
	Authority     string
	ClientID      string
	RedirectURI   string
	Scopes        []string
	State         string
	CodeChallenge string
	LoginHint     string
	Prompt        string
	Claims        string
}

// AuthorizationArtifact is the result of a completed authorization.
type AuthorizationArtifact struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	State        string
}
