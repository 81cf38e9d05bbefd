package tokencache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokencache/authority"
	"github.com/giantswarm/oauth-tokencache/flow"
	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/providers"
	"github.com/giantswarm/oauth-tokencache/providers/oidc"
	"github.com/giantswarm/oauth-tokencache/resolver"
	"github.com/giantswarm/oauth-tokencache/security"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// Client acquires tokens for one application and caches them.
// It is safe for concurrent use.
type Client struct {
	config    Config
	authority authority.Authority
	store     *storage.Store
	orch      *flow.Orchestrator
	endpoint  providers.TokenEndpoint
	throttle  *security.RefreshThrottle
	auditor   *security.Auditor
	logger    *slog.Logger
	tracer    trace.Tracer

	unregisterCounts func() error
	closed           atomic.Bool
	closeOnce        sync.Once
	closeErr         error
}

// authorizationEndpointResolver is implemented by endpoints that can find the
// authorization endpoint of generic issuers, such as *oidc.TokenClient.
type authorizationEndpointResolver interface {
	AuthorizationEndpoint(ctx context.Context, rawAuthority string) (string, error)
}

// New creates a Client.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	auth, err := config.parseAuthority(config.Authority)
	if err != nil {
		return nil, fmt.Errorf("invalid authority: %w", err)
	}

	encryptor, err := security.NewEncryptor(config.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	auditor := security.NewAuditor(config.Logger, config.Security.EnableAuditLogging)

	store, err := storage.NewStore(config.Storage, storage.Options{
		Encryptor:       encryptor,
		Logger:          config.Logger,
		Instrumentation: config.Instrumentation,
		Auditor:         auditor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	endpoint := config.TokenEndpoint
	if endpoint == nil {
		endpoint, err = oidc.NewTokenClient(oidc.Config{
			Authority:       auth.Canonical(),
			ClientID:        config.ClientID,
			ClientSecret:    config.ClientSecret,
			AuthStyle:       config.AuthStyle,
			AllowInsecure:   config.Security.AllowInsecureAuthority,
			HTTPClient:      config.HTTPClient,
			Logger:          config.Logger,
			Instrumentation: config.Instrumentation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create token endpoint client: %w", err)
		}
	}

	throttle := security.NewRefreshThrottle(config.Security.RefreshRatePerSecond, config.Security.RefreshBurst, config.Logger)

	orch, err := flow.New(store, endpoint, flow.Options{
		Resolver: resolver.Options{
			FOCIEnabled:      config.Cache.FOCIEnabled,
			ExpirationBuffer: config.Cache.ExpirationBuffer,
			ExtendedLifetime: config.Cache.ExtendedLifetime,
		},
		Logger:          config.Logger,
		Instrumentation: config.Instrumentation,
		Auditor:         auditor,
		Throttle:        throttle,
		Clock:           config.Clock,
	})
	if err != nil {
		throttle.Stop()
		return nil, err
	}

	unregister, err := config.Instrumentation.RegisterRecordCounts(store.RecordCounts)
	if err != nil {
		config.Logger.Warn("Failed to register record count metrics", "error", err)
		unregister = func() error { return nil }
	}

	config.Logger.Debug("Token cache client created",
		"client_id", config.ClientID,
		"authority", auth.Canonical(),
		"encryption", encryptor.IsEnabled(),
		"foci", config.Cache.FOCIEnabled)

	return &Client{
		config:           config,
		authority:        auth,
		store:            store,
		orch:             orch,
		endpoint:         endpoint,
		throttle:         throttle,
		auditor:          auditor,
		logger:           config.Logger,
		tracer:           config.Instrumentation.Tracer("client"),
		unregisterCounts: unregister,
	}, nil
}

// ClientID returns the configured client id.
func (c *Client) ClientID() string {
	return c.config.ClientID
}

// Authority returns the default authority.
func (c *Client) Authority() authority.Authority {
	return c.authority
}

// ============================================================
// Silent acquisition
// ============================================================

type silentOptions struct {
	account      *Account
	authority    string
	forceRefresh bool
	claims       string
	keyID        string
}

// SilentOption customizes AcquireTokenSilent.
type SilentOption func(*silentOptions)

// WithAccount selects the account to acquire a token for. Without it the
// cache must hold exactly one account for the client.
func WithAccount(account *Account) SilentOption {
	return func(o *silentOptions) { o.account = account }
}

// WithAuthority overrides the default authority, for example to target a
// specific tenant.
func WithAuthority(raw string) SilentOption {
	return func(o *silentOptions) { o.authority = raw }
}

// WithForceRefresh skips cached access tokens.
func WithForceRefresh() SilentOption {
	return func(o *silentOptions) { o.forceRefresh = true }
}

// WithClaims passes a claims challenge. Cached access tokens are skipped.
func WithClaims(claims string) SilentOption {
	return func(o *silentOptions) { o.claims = claims }
}

// WithKeyID requests a proof-of-possession token bound to keyID.
func WithKeyID(keyID string) SilentOption {
	return func(o *silentOptions) { o.keyID = keyID }
}

// AcquireTokenSilent returns a token for scopes from the cache, refreshing it
// if needed. A *InteractionRequiredError means the user has to sign in.
func (c *Client) AcquireTokenSilent(ctx context.Context, scopes []string, opts ...SilentOption) (*AuthenticationResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	var o silentOptions
	for _, opt := range opts {
		opt(&o)
	}

	auth, err := c.requestAuthority(o.authority)
	if err != nil {
		return nil, err
	}

	req := resolver.Request{
		Authority:    auth,
		Scopes:       scopes,
		ClientID:     c.config.ClientID,
		Policy:       auth.Policy(),
		ForceRefresh: o.forceRefresh,
		KeyID:        o.keyID,
		Claims:       o.claims,
	}
	if o.account != nil {
		req.Account = &resolver.AccountRef{
			HomeAccountID: o.account.HomeAccountID,
			UniqueID:      o.account.LocalAccountID,
			DisplayableID: o.account.Username,
		}
	}

	result, err := c.orch.AcquireSilent(ctx, req)
	if err != nil {
		return nil, err
	}
	return newAuthenticationResult(result), nil
}

// TokenSource returns an oauth2.TokenSource that calls AcquireTokenSilent
// with ctx for every token. account may be nil.
func (c *Client) TokenSource(ctx context.Context, scopes []string, account *Account) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c, scopes: slices.Clone(scopes), account: account}
}

type tokenSource struct {
	ctx     context.Context
	client  *Client
	scopes  []string
	account *Account
}

// tokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*tokenSource)(nil)

func (s *tokenSource) Token() (*oauth2.Token, error) {
	var opts []SilentOption
	if s.account != nil {
		opts = append(opts, WithAccount(s.account))
	}
	result, err := s.client.AcquireTokenSilent(s.ctx, s.scopes, opts...)
	if err != nil {
		return nil, err
	}
	return result.OAuth2Token(), nil
}

// ============================================================
// Interactive and authorization code acquisition
// ============================================================

type interactiveOptions struct {
	authority string
	loginHint string
	prompt    string
	claims    string
}

// InteractiveOption customizes AcquireTokenInteractive.
type InteractiveOption func(*interactiveOptions)

// WithInteractiveAuthority overrides the default authority.
func WithInteractiveAuthority(raw string) InteractiveOption {
	return func(o *interactiveOptions) { o.authority = raw }
}

// WithLoginHint pre-fills the username.
func WithLoginHint(username string) InteractiveOption {
	return func(o *interactiveOptions) { o.loginHint = username }
}

// WithPrompt sets the prompt parameter, for example "select_account".
func WithPrompt(prompt string) InteractiveOption {
	return func(o *interactiveOptions) { o.prompt = prompt }
}

// WithInteractiveClaims passes a claims challenge to the authorization request.
func WithInteractiveClaims(claims string) InteractiveOption {
	return func(o *interactiveOptions) { o.claims = claims }
}

// AcquireTokenInteractive signs the user in through the configured
// Authorizer using the authorization code flow with PKCE, then caches the
// tokens.
func (c *Client) AcquireTokenInteractive(ctx context.Context, scopes []string, opts ...InteractiveOption) (result *AuthenticationResult, err error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.config.Authorizer == nil {
		return nil, &InvalidArgumentError{Message: "interactive flows need an Authorizer"}
	}
	if c.config.RedirectURI == "" {
		return nil, &InvalidArgumentError{Message: "interactive flows need a RedirectURI"}
	}

	var o interactiveOptions
	for _, opt := range opts {
		opt(&o)
	}
	auth, err := c.requestAuthority(o.authority)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "client.acquire_interactive")
	defer func() { finishSpan(span, err) }()

	authEndpoint, err := c.authorizationEndpoint(ctx, auth)
	if err != nil {
		return nil, err
	}

	pkce := providers.NewPKCE()
	authReq := providers.AuthorizationRequest{
		Authority:     auth.Canonical(),
		ClientID:      c.config.ClientID,
		RedirectURI:   c.config.RedirectURI,
		Scopes:        requestedScopes(scopes),
		State:         providers.NewState(),
		CodeChallenge: pkce.Challenge,
		LoginHint:     o.loginHint,
		Prompt:        o.prompt,
		Claims:        o.claims,
	}
	authReq.URL = providers.AuthorizationURL(authEndpoint, authReq)

	artifact, err := c.config.Authorizer.AcquireAuthorization(ctx, authReq)
	if err != nil {
		if errors.Is(err, providers.ErrInteractionCancelled) {
			return nil, fmt.Errorf("interactive sign-in: %w", err)
		}
		return nil, fmt.Errorf("interactive sign-in failed: %w", err)
	}
	if artifact == nil || artifact.Code == "" {
		return nil, errors.New("interactive sign-in returned no authorization code")
	}
	if artifact.State != authReq.State {
		c.logger.Warn("Discarding authorization response with unexpected state", "client_id", c.config.ClientID)
		return nil, ErrStateMismatch
	}

	verifier := cmp.Or(artifact.CodeVerifier, pkce.Verifier)
	redirectURI := cmp.Or(artifact.RedirectURI, authReq.RedirectURI)
	return c.redeemCode(ctx, auth, artifact.Code, redirectURI, verifier, scopes, o.claims)
}

// AcquireTokenByAuthCode redeems an authorization code obtained elsewhere
// and caches the tokens. codeVerifier is empty when PKCE was not used.
func (c *Client) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI, codeVerifier string, scopes []string) (*AuthenticationResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(code) == "" {
		return nil, &InvalidArgumentError{Message: "authorization code is required"}
	}
	return c.redeemCode(ctx, c.authority, code, redirectURI, codeVerifier, scopes, "")
}

func (c *Client) redeemCode(ctx context.Context, auth authority.Authority, code, redirectURI, codeVerifier string, scopes []string, claims string) (*AuthenticationResult, error) {
	correlationID := uuid.NewString()
	params := map[string]string{
		providers.ParamClientID:      c.config.ClientID,
		providers.ParamCode:          code,
		providers.ParamScope:         storage.JoinScopes(requestedScopes(scopes)),
		providers.ParamClientInfo:    "1",
		providers.ParamAuthority:     auth.Canonical(),
		providers.ParamCorrelationID: correlationID,
	}
	if redirectURI != "" {
		params[providers.ParamRedirectURI] = redirectURI
	}
	if codeVerifier != "" {
		params[providers.ParamCodeVerifier] = codeVerifier
	}
	if claims != "" {
		params[providers.ParamClaims] = claims
	}

	resp, err := c.endpoint.SubmitTokenRequest(ctx, providers.GrantTypeAuthorizationCode, params)
	if err != nil {
		c.logger.Info("Authorization code redemption failed",
			"client_id", c.config.ClientID,
			"correlation_id", correlationID,
			"error", err)
		return nil, flow.ExchangeError(ctx, err, correlationID)
	}

	result, err := c.orch.Save(ctx, flow.SaveRequest{
		Authority:     auth,
		ClientID:      c.config.ClientID,
		Scopes:        scopes,
		Response:      resp,
		CorrelationID: correlationID,
		Source:        flow.SourceNetworkExchange,
	})
	if err != nil {
		return nil, err
	}
	return newAuthenticationResult(result), nil
}

// authorizationEndpoint derives the endpoint for AAD and B2C and asks the
// token endpoint to discover it for generic issuers.
func (c *Client) authorizationEndpoint(ctx context.Context, auth authority.Authority) (string, error) {
	if endpoint := auth.AuthorizationEndpoint(); endpoint != "" {
		return endpoint, nil
	}
	if r, ok := c.endpoint.(authorizationEndpointResolver); ok {
		return r.AuthorizationEndpoint(ctx, auth.Canonical())
	}
	return "", fmt.Errorf("no authorization endpoint known for %s", auth.Canonical())
}

// ============================================================
// Account management
// ============================================================

// Accounts returns the cached accounts, sorted by username.
func (c *Client) Accounts(ctx context.Context) ([]*Account, error) {
	seq, err := c.store.FindAccounts(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := slices.Collect(seq)
	slices.SortFunc(accounts, func(a, b *Account) int {
		return cmp.Or(
			cmp.Compare(strings.ToLower(a.Username), strings.ToLower(b.Username)),
			cmp.Compare(a.HomeAccountID, b.HomeAccountID),
			cmp.Compare(a.Realm, b.Realm),
		)
	})
	return accounts, nil
}

// Account returns the cached account with homeAccountID. An account known in
// several tenants is returned for its home tenant when cached there.
func (c *Client) Account(ctx context.Context, homeAccountID string) (*Account, error) {
	seq, err := c.store.FindAccounts(ctx, func(a *Account) bool {
		return strings.EqualFold(a.HomeAccountID, homeAccountID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	var found *Account
	for a := range seq {
		if found == nil || isHomeRealm(a) {
			found = a
		}
	}
	if found == nil {
		return nil, ErrAccountNotFound
	}
	return found, nil
}

func isHomeRealm(a *Account) bool {
	_, tenant, ok := strings.Cut(a.HomeAccountID, ".")
	return ok && strings.EqualFold(tenant, a.Realm)
}

// RemoveAccount removes account and every token this client holds for it.
// With FOCI enabled, family refresh tokens of the account are removed too,
// since any member could redeem them.
func (c *Client) RemoveAccount(ctx context.Context, account *Account) error {
	if account == nil || account.HomeAccountID == "" {
		return &InvalidArgumentError{Message: "account with a home account id is required"}
	}

	home := account.HomeAccountID
	sameEnv := func(env string) bool {
		return account.Environment == "" || authority.Equivalent(env, account.Environment)
	}
	clientID := c.config.ClientID

	removed := 0
	err := c.store.Update(ctx, func(tx *storage.Tx) error {
		removed += tx.RemoveAccessTokens(func(t *storage.AccessToken) bool {
			return strings.EqualFold(t.HomeAccountID, home) && sameEnv(t.Environment) && strings.EqualFold(t.ClientID, clientID)
		})
		removed += tx.RemoveRefreshTokens(func(t *storage.RefreshToken) bool {
			if !strings.EqualFold(t.HomeAccountID, home) || !sameEnv(t.Environment) {
				return false
			}
			return strings.EqualFold(t.ClientID, clientID) || (c.config.Cache.FOCIEnabled && t.IsFamilyToken())
		})
		removed += tx.RemoveIDTokens(func(t *storage.IDToken) bool {
			return strings.EqualFold(t.HomeAccountID, home) && sameEnv(t.Environment) && strings.EqualFold(t.ClientID, clientID)
		})
		removed += tx.RemoveAccounts(func(a *storage.Account) bool {
			return strings.EqualFold(a.HomeAccountID, home) && sameEnv(a.Environment)
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}

	c.logger.Info("Removed account from token cache",
		"client_id", clientID,
		"home_account_id_hash", security.HashForLogging(home),
		"removed", removed)
	c.auditor.LogAccountRemoved(home, clientID, removed)
	return nil
}

// ClearCache removes every cached record of every client sharing the storage.
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear token cache: %w", err)
	}
	return nil
}

// Close stops background work and closes the storage backend.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.throttle.Stop()
		var errs []error
		if err := c.unregisterCounts(); err != nil {
			errs = append(errs, err)
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// ============================================================
// Helpers
// ============================================================

func (c *Client) requestAuthority(raw string) (authority.Authority, error) {
	if raw == "" {
		return c.authority, nil
	}
	a, err := c.config.parseAuthority(raw)
	if err != nil {
		return authority.Authority{}, &InvalidArgumentError{Message: "invalid authority: " + err.Error(), Err: err}
	}
	return a, nil
}

// requestedScopes adds the reserved OIDC scopes so the response carries an
// ID token, client_info and a refresh token.
func requestedScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" && !storage.IsReservedScope(s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return storage.WithReserved(out)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}
