package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokencache/authority"
	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/internal/util"
	"github.com/giantswarm/oauth-tokencache/providers"
)

const (
	// DefaultTimeout bounds one token request when no HTTP client is given.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize bounds the token endpoint response body.
	maxResponseSize = 1 << 20

	// maxLoggedBody bounds the unparsed body echoed into errors.
	maxLoggedBody = 256
)

// Config configures a TokenClient.
type Config struct {
	// Authority used when a request carries no providers.ParamAuthority.
	Authority string

	// ClientID is sent as client_id on every request. Required.
	ClientID string

	// ClientSecret is empty for public clients.
	ClientSecret string

	// AuthStyle selects how ClientSecret is sent. oauth2.AuthStyleInHeader
	// uses HTTP basic auth, anything else sends client_secret in the form.
	AuthStyle oauth2.AuthStyle

	// TokenURL overrides endpoint resolution for every authority.
	TokenURL string

	// AllowInsecure permits http endpoints and private hosts.
	AllowInsecure bool

	// HTTPClient defaults to a client with DefaultTimeout.
	HTTPClient *http.Client

	// Discovery resolves token endpoints of generic issuers. Defaults to a
	// DiscoveryClient sharing HTTPClient.
	Discovery *DiscoveryClient

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation is optional.
	Instrumentation *instrumentation.Instrumentation
}

// TokenClient redeems grants at an OAuth 2.0 token endpoint.
type TokenClient struct {
	defaultAuthority authority.Authority
	clientID         string
	clientSecret     string
	authStyle        oauth2.AuthStyle
	tokenURL         string
	allowInsecure    bool
	httpClient       *http.Client
	discovery        *DiscoveryClient
	logger           *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// TokenClient implements providers.TokenEndpoint
var _ providers.TokenEndpoint = (*TokenClient)(nil)

// NewTokenClient creates a token endpoint client.
func NewTokenClient(cfg Config) (*TokenClient, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &TokenClient{
		clientID:        cfg.ClientID,
		clientSecret:    cfg.ClientSecret,
		authStyle:       cfg.AuthStyle,
		allowInsecure:   cfg.AllowInsecure,
		httpClient:      cfg.HTTPClient,
		discovery:       cfg.Discovery,
		logger:          cfg.Logger,
		instrumentation: cfg.Instrumentation,
	}

	if cfg.Authority != "" {
		a, err := c.parseAuthority(cfg.Authority)
		if err != nil {
			return nil, err
		}
		c.defaultAuthority = a
	}
	if cfg.TokenURL != "" {
		if err := ValidateEndpointURL(cfg.TokenURL, cfg.AllowInsecure); err != nil {
			return nil, fmt.Errorf("invalid token URL: %w", err)
		}
		c.tokenURL = cfg.TokenURL
	}
	if c.discovery == nil {
		c.discovery = NewDiscoveryClient(cfg.HTTPClient, 0, cfg.Logger)
		c.discovery.skipValidation = cfg.AllowInsecure
	}
	if cfg.Instrumentation != nil {
		c.tracer = cfg.Instrumentation.Tracer("endpoint")
	}

	return c, nil
}

// ClientID returns the configured client ID.
func (c *TokenClient) ClientID() string {
	return c.clientID
}

func (c *TokenClient) parseAuthority(raw string) (authority.Authority, error) {
	var opts []authority.ParseOption
	if c.allowInsecure {
		opts = append(opts, authority.AllowInsecure())
	}
	return authority.Parse(raw, opts...)
}

// SubmitTokenRequest implements providers.TokenEndpoint.
//
// params are sent as the form body, except providers.ParamAuthority which
// selects the endpoint and providers.ParamCorrelationID which is sent as a
// header.
func (c *TokenClient) SubmitTokenRequest(ctx context.Context, grantType string, params map[string]string) (resp *providers.TokenResponse, err error) {
	ctx, span := c.startSpan(ctx, grantType)
	startTime := time.Now()
	statusCode := 0
	defer func() { c.recordCall(ctx, span, grantType, statusCode, err, startTime) }()

	endpoint, err := c.resolveEndpoint(ctx, params[providers.ParamAuthority])
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set(providers.ParamClientID, c.clientID)
	for k, v := range params {
		switch k {
		case providers.ParamAuthority, providers.ParamCorrelationID, providers.ParamClientID:
			continue
		}
		if v != "" {
			form.Set(k, v)
		}
	}
	if c.clientSecret != "" && c.authStyle != oauth2.AuthStyleInHeader {
		form.Set("client_secret", c.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.clientSecret != "" && c.authStyle == oauth2.AuthStyleInHeader {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}
	if corr := params[providers.ParamCorrelationID]; corr != "" {
		req.Header.Set(providers.ParamCorrelationID, corr)
		req.Header.Set("return-client-request-id", "true")
	}

	c.logger.Debug("Submitting token request",
		"grant_type", grantType,
		"endpoint", endpoint,
		"correlation_id", params[providers.ParamCorrelationID])

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("token request aborted: %w", ctxErr)
		}
		return nil, &providers.TransportError{Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()
	statusCode = httpResp.StatusCode

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("token request aborted: %w", ctxErr)
		}
		return nil, &providers.TransportError{StatusCode: statusCode, Err: err}
	}

	echoed := httpResp.Header.Get(providers.ParamCorrelationID)
	if statusCode == http.StatusOK {
		return decodeTokenResponse(body, echoed)
	}
	return nil, decodeErrorResponse(httpResp, body, echoed)
}

// resolveEndpoint picks the token endpoint: the configured TokenURL, the
// endpoint derived from the authority, or the discovered one.
func (c *TokenClient) resolveEndpoint(ctx context.Context, rawAuthority string) (string, error) {
	if c.tokenURL != "" {
		return c.tokenURL, nil
	}

	a := c.defaultAuthority
	if rawAuthority != "" {
		parsed, err := c.parseAuthority(rawAuthority)
		if err != nil {
			return "", err
		}
		a = parsed
	}
	if a.IsZero() {
		return "", errors.New("no authority configured for token request")
	}

	if endpoint := a.TokenEndpoint(); endpoint != "" {
		return endpoint, nil
	}

	doc, err := c.discovery.Discover(ctx, strings.TrimSuffix(a.Canonical(), "/"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve token endpoint: %w", err)
	}
	if err := ValidateEndpointURL(doc.TokenEndpoint, c.allowInsecure); err != nil {
		return "", fmt.Errorf("invalid discovered token endpoint: %w", err)
	}
	return doc.TokenEndpoint, nil
}

// AuthorizationEndpoint returns the authorization endpoint of rawAuthority,
// derived for AAD and B2C and discovered otherwise.
func (c *TokenClient) AuthorizationEndpoint(ctx context.Context, rawAuthority string) (string, error) {
	a, err := c.parseAuthority(rawAuthority)
	if err != nil {
		return "", err
	}
	if endpoint := a.AuthorizationEndpoint(); endpoint != "" {
		return endpoint, nil
	}

	doc, err := c.discovery.Discover(ctx, strings.TrimSuffix(a.Canonical(), "/"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve authorization endpoint: %w", err)
	}
	if doc.AuthorizationEndpoint == "" {
		return "", errors.New("issuer does not advertise an authorization endpoint")
	}
	if err := ValidateEndpointURL(doc.AuthorizationEndpoint, c.allowInsecure); err != nil {
		return "", fmt.Errorf("invalid discovered authorization endpoint: %w", err)
	}
	return doc.AuthorizationEndpoint, nil
}

// flexInt decodes lifetimes sent either as JSON numbers or as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

type tokenResponseJSON struct {
	AccessToken  string  `json:"access_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    flexInt `json:"expires_in"`
	ExtExpiresIn flexInt `json:"ext_expires_in"`
	RefreshIn    flexInt `json:"refresh_in"`
	RefreshToken string  `json:"refresh_token"`
	IDToken      string  `json:"id_token"`
	Scope        string  `json:"scope"`
	FamilyID     string  `json:"foci"`
	ClientInfo   string  `json:"client_info"`
}

type errorResponseJSON struct {
	Error         string   `json:"error"`
	Description   string   `json:"error_description"`
	SubError      string   `json:"suberror"`
	ErrorCodes    []int    `json:"error_codes"`
	CorrelationID string   `json:"correlation_id"`
	Claims        string   `json:"claims"`
	SubErrors     []string `json:"suberrors"`
}

func decodeTokenResponse(body []byte, correlationID string) (*providers.TokenResponse, error) {
	var raw tokenResponseJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &providers.TokenErrorResponse{
			Code:          "invalid_response",
			Description:   "token response is not valid JSON: " + err.Error(),
			StatusCode:    http.StatusOK,
			CorrelationID: correlationID,
		}
	}
	if raw.AccessToken == "" {
		return nil, &providers.TokenErrorResponse{
			Code:          "invalid_response",
			Description:   "token response has no access_token",
			StatusCode:    http.StatusOK,
			CorrelationID: correlationID,
		}
	}

	return &providers.TokenResponse{
		AccessToken:   raw.AccessToken,
		TokenType:     raw.TokenType,
		ExpiresIn:     int64(raw.ExpiresIn),
		ExtExpiresIn:  int64(raw.ExtExpiresIn),
		RefreshIn:     int64(raw.RefreshIn),
		RefreshToken:  raw.RefreshToken,
		IDToken:       raw.IDToken,
		Scope:         raw.Scope,
		FamilyID:      raw.FamilyID,
		ClientInfo:    raw.ClientInfo,
		CorrelationID: correlationID,
	}, nil
}

func decodeErrorResponse(resp *http.Response, body []byte, correlationID string) error {
	var raw errorResponseJSON
	if err := json.Unmarshal(body, &raw); err == nil && raw.Error != "" {
		tokenErr := &providers.TokenErrorResponse{
			Code:          raw.Error,
			Description:   raw.Description,
			StatusCode:    resp.StatusCode,
			CorrelationID: raw.CorrelationID,
			Claims:        raw.Claims,
		}
		if raw.SubError != "" {
			tokenErr.SubErrors = append(tokenErr.SubErrors, raw.SubError)
		}
		tokenErr.SubErrors = append(tokenErr.SubErrors, raw.SubErrors...)
		if tokenErr.CorrelationID == "" {
			tokenErr.CorrelationID = correlationID
		}
		return tokenErr
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		transportErr := &providers.TransportError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		if len(body) > 0 {
			transportErr.Err = errors.New(util.SafeTruncate(string(body), maxLoggedBody))
		}
		return transportErr
	}

	return &providers.TokenErrorResponse{
		Code:          "unexpected_status",
		Description:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, util.SafeTruncate(string(body), maxLoggedBody)),
		StatusCode:    resp.StatusCode,
		CorrelationID: correlationID,
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (c *TokenClient) startSpan(ctx context.Context, grantType string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, "endpoint.token",
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, grantType)))
}

func (c *TokenClient) recordCall(ctx context.Context, span trace.Span, grantType string, statusCode int, err error, startTime time.Time) {
	if c.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	errCode := ""
	var tokenErr *providers.TokenErrorResponse
	if errors.As(err, &tokenErr) {
		errCode = tokenErr.Code
	}
	instrumentation.AddEndpointAttributes(span, grantType, statusCode, errCode)
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()

	c.instrumentation.Metrics().RecordEndpointCall(ctx, grantType, statusCode, durationMs, err)
}
