package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/providers"
	"github.com/giantswarm/oauth-tokencache/resolver"
	"github.com/giantswarm/oauth-tokencache/security"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// Source tells where a Result came from.
type Source int

const (
	// SourceCache is a cached access token.
	SourceCache Source = iota
	// SourceNetworkRefresh is a refresh token redeemed at the token endpoint.
	SourceNetworkRefresh
	// SourceNetworkExchange is an authorization code redeemed at the token endpoint.
	SourceNetworkExchange
)

// String returns the source name used in logs.
func (s Source) String() string {
	switch s {
	case SourceNetworkRefresh:
		return "network_refresh"
	case SourceNetworkExchange:
		return "network_exchange"
	default:
		return "cache"
	}
}

// Result is an acquired access token.
type Result struct {
	AccessToken       string
	TokenType         string
	ExpiresOn         time.Time
	ExtendedExpiresOn time.Time
	Scopes            []string
	IDToken           string
	Account           *storage.Account
	Source            Source

	// Extended is set when an expired token was returned because the token
	// endpoint was unavailable and its extended lifetime still holds.
	Extended bool

	// CorrelationID of the endpoint call, empty for cache hits.
	CorrelationID string
}

func (r *Result) clone() *Result {
	c := *r
	c.Scopes = slices.Clone(r.Scopes)
	if r.Account != nil {
		c.Account = r.Account.Clone()
	}
	return &c
}

// Options configures an Orchestrator.
type Options struct {
	// Resolver tunes cache matching.
	Resolver resolver.Options

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation defaults to no-op.
	Instrumentation *instrumentation.Instrumentation

	// Auditor receives refresh, removal and family events. Optional.
	Auditor *security.Auditor

	// Throttle limits refreshes per client and account. Nil disables it.
	Throttle *security.RefreshThrottle

	// Clock defaults to security.SystemClock.
	Clock security.Clock
}

// Orchestrator answers silent requests from the cache or by refreshing.
// It is safe for concurrent use.
type Orchestrator struct {
	store    *storage.Store
	endpoint providers.TokenEndpoint
	resolver *resolver.Resolver
	group    singleflight.Group

	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
	auditor  *security.Auditor
	throttle *security.RefreshThrottle
	clock    security.Clock

	newCorrelationID func() string
}

// New creates an Orchestrator over store and endpoint.
func New(store *storage.Store, endpoint providers.TokenEndpoint, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, invalidArgument(errors.New("store is required"))
	}
	if endpoint == nil {
		return nil, invalidArgument(errors.New("token endpoint is required"))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = instrumentation.NewNoop()
	}
	if opts.Clock == nil {
		opts.Clock = security.SystemClock{}
	}

	return &Orchestrator{
		store:            store,
		endpoint:         endpoint,
		resolver:         resolver.New(opts.Resolver),
		logger:           opts.Logger,
		metrics:          opts.Instrumentation.Metrics(),
		tracer:           opts.Instrumentation.Tracer("flow"),
		auditor:          opts.Auditor,
		throttle:         opts.Throttle,
		clock:            opts.Clock,
		newCorrelationID: uuid.NewString,
	}, nil
}

// Store returns the credential store.
func (o *Orchestrator) Store() *storage.Store {
	return o.store
}

// Resolver returns the resolver used for matching.
func (o *Orchestrator) Resolver() *resolver.Resolver {
	return o.resolver
}

// ============================================================
// Silent acquisition
// ============================================================

// AcquireSilent answers req from the cache, refreshing if needed.
//
// Failures are *InvalidArgumentError before any I/O, *InteractionRequiredError
// when no silent path exists, *ServiceError for endpoint and token cache
// failures, or a wrapped context error.
func (o *Orchestrator) AcquireSilent(ctx context.Context, req resolver.Request) (result *Result, err error) {
	if err := req.Validate(); err != nil {
		return nil, invalidArgument(err)
	}

	ctx, span := o.tracer.Start(ctx, "flow.acquire_silent")
	defer func() { finishSpan(span, err) }()
	instrumentation.AddLookupAttributes(span, req.ClientID, accountHash(req.Account), storage.JoinScopes(req.Scopes))
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrEnvironment, req.Authority.Environment()),
		attribute.Bool(instrumentation.AttrForceRefresh, req.ForceRefresh),
	)

	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, cacheError(ctx, "failed to read token cache", err)
	}

	d := o.resolver.Resolve(snap, req, o.clock.Now())
	o.metrics.RecordCacheLookup(ctx, d.Outcome.String(), d.Reason)
	instrumentation.AddDecisionAttributes(span, d.Outcome.String(), d.Reason, d.CrossClient)

	o.logger.Debug("Resolved silent token request",
		"client_id", req.ClientID,
		"home_account_id_hash", security.HashForLogging(d.HomeAccountID),
		"outcome", d.Outcome.String(),
		"reason", d.Reason)

	switch d.Outcome {
	case resolver.Hit:
		return o.cachedResult(snap, req, d, d.AccessToken, false), nil
	case resolver.Refresh:
		return o.coalescedRefresh(ctx, req, d)
	default:
		return nil, o.miss(ctx, req, d)
	}
}

func (o *Orchestrator) miss(ctx context.Context, req resolver.Request, d resolver.Decision) error {
	o.metrics.RecordInteractionRequired(ctx, d.Reason)
	o.logger.Info("Silent token request needs interaction",
		"client_id", req.ClientID,
		"reason", d.Reason)
	return &InteractionRequiredError{
		Code:        d.Reason,
		Description: "no usable token is cached for this request",
	}
}

// coalescedRefresh runs the refresh for d once per flight key. A waiter whose
// leader was cancelled retries once under its own context.
func (o *Orchestrator) coalescedRefresh(ctx context.Context, req resolver.Request, d resolver.Decision) (*Result, error) {
	key := flightKey(req, d)

	for attempt := 0; ; attempt++ {
		led := false
		ch := o.group.DoChan(key, func() (any, error) {
			led = true
			return o.refresh(ctx, req)
		})

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("silent token acquisition cancelled: %w", ctx.Err())
		case res := <-ch:
			if !led {
				o.metrics.RecordRefreshCoalesced(ctx, req.ClientID)
				trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(instrumentation.AttrCoalesced, true))
			}
			if res.Err != nil {
				if !led && attempt == 0 && ctx.Err() == nil && classify(res.Err) == failureCancelled {
					o.logger.Debug("Coalesced refresh was cancelled by its leader, retrying",
						"client_id", req.ClientID)
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*Result).clone(), nil
		}
	}
}

// refresh is the body of a flight. It re-resolves on a fresh snapshot first.
func (o *Orchestrator) refresh(ctx context.Context, req resolver.Request) (*Result, error) {
	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, cacheError(ctx, "failed to read token cache", err)
	}

	d := o.resolver.Resolve(snap, req, o.clock.Now())
	switch d.Outcome {
	case resolver.Hit:
		o.logger.Debug("Token landed while waiting to refresh",
			"client_id", req.ClientID)
		return o.cachedResult(snap, req, d, d.AccessToken, false), nil
	case resolver.Miss:
		return nil, o.miss(ctx, req, d)
	}
	return o.redeem(ctx, req, d, snap, true)
}

// redeem exchanges d.RefreshToken. retryOnMismatch allows one retry with an
// exact-client token after a family client_mismatch.
func (o *Orchestrator) redeem(ctx context.Context, req resolver.Request, d resolver.Decision, snap *storage.Snapshot, retryOnMismatch bool) (result *Result, err error) {
	rt := d.RefreshToken

	ctx, span := o.tracer.Start(ctx, "flow.refresh")
	defer func() { finishSpan(span, err) }()
	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrCrossClient, d.CrossClient),
		attribute.String(instrumentation.AttrFamilyID, rt.FamilyID),
	)

	if !o.throttle.Allow(req.ClientID + "|" + strings.ToLower(d.HomeAccountID)) {
		o.metrics.RecordRefreshThrottled(ctx, req.ClientID)
		o.auditor.LogEvent(security.Event{
			Type:          security.EventRefreshThrottled,
			HomeAccountID: d.HomeAccountID,
			ClientID:      req.ClientID,
		})
		o.logger.Warn("Token refresh throttled", "client_id", req.ClientID)
		return nil, &ServiceError{
			Code:        CodeThrottled,
			Description: "refresh rate limit exceeded",
			Retryable:   true,
		}
	}

	correlationID := o.newCorrelationID()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrCorrelationID, correlationID))

	if d.CrossClient {
		o.auditor.LogFamilyTokenUsed(d.HomeAccountID, req.ClientID, rt.ClientID, rt.FamilyID)
	}

	o.logger.Debug("Refreshing access token",
		"client_id", req.ClientID,
		"family_id", rt.FamilyID,
		"cross_client", d.CrossClient,
		"reason", d.Reason,
		"correlation_id", correlationID)

	startTime := time.Now()
	resp, err := o.endpoint.SubmitTokenRequest(ctx, providers.GrantTypeRefreshToken, refreshParams(req, rt, correlationID))
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	if err != nil {
		return o.refreshFailed(ctx, req, d, snap, err, correlationID, durationMs, retryOnMismatch)
	}

	result, err = o.Save(ctx, SaveRequest{
		Authority:     req.Authority,
		ClientID:      req.ClientID,
		Scopes:        req.Scopes,
		KeyID:         req.KeyID,
		Response:      resp,
		Previous:      rt,
		HomeAccountID: d.HomeAccountID,
		CorrelationID: correlationID,
		Source:        SourceNetworkRefresh,
	})
	if err != nil {
		o.metrics.RecordTokenRefresh(ctx, req.ClientID, "write_failed", d.CrossClient, durationMs)
		return nil, err
	}

	rotated := resp.RefreshToken != "" && resp.RefreshToken != rt.Secret
	o.metrics.RecordTokenRefresh(ctx, req.ClientID, "success", d.CrossClient, durationMs)
	o.auditor.LogTokenRefreshed(d.HomeAccountID, req.ClientID, correlationID, rotated, d.CrossClient)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, rotated))

	o.logger.Info("Access token refreshed",
		"client_id", req.ClientID,
		"home_account_id_hash", security.HashForLogging(d.HomeAccountID),
		"cross_client", d.CrossClient,
		"rotated", rotated,
		"correlation_id", correlationID)

	return result, nil
}

func (o *Orchestrator) refreshFailed(ctx context.Context, req resolver.Request, d resolver.Decision, snap *storage.Snapshot, err error, correlationID string, durationMs float64, retryOnMismatch bool) (*Result, error) {
	kind := classify(err)
	if ctx.Err() != nil {
		kind = failureCancelled
	}
	o.metrics.RecordTokenRefresh(ctx, req.ClientID, kind.String(), d.CrossClient, durationMs)

	rt := d.RefreshToken
	logAttrs := []any{
		"client_id", req.ClientID,
		"correlation_id", correlationID,
		"failure", kind.String(),
		"error", err,
	}

	switch kind {
	case failureCancelled:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("token refresh cancelled: %w", ctxErr)
		}
		return nil, fmt.Errorf("token refresh cancelled: %w", err)

	case failureInvalidGrant:
		var tokenErr *providers.TokenErrorResponse
		if errors.As(err, &tokenErr) && d.CrossClient && tokenErr.HasSubError(providers.SubErrorClientMismatch) {
			return o.clientMismatch(ctx, req, d, err, correlationID, retryOnMismatch)
		}
		o.logger.Warn("Refresh token rejected, removing it from the cache", logAttrs...)
		o.removeRefreshToken(ctx, rt, correlationID, err)
		irErr := interactionError(err, correlationID)
		o.metrics.RecordInteractionRequired(ctx, irErr.Code)
		return nil, irErr

	case failureInteraction:
		o.logger.Info("Token endpoint requires interaction", logAttrs...)
		irErr := interactionError(err, correlationID)
		o.metrics.RecordInteractionRequired(ctx, irErr.Code)
		return nil, irErr

	case failureTransient:
		if d.Fallback != nil {
			o.logger.Warn("Token endpoint unavailable, returning token within its extended lifetime", logAttrs...)
			return o.cachedResult(snap, req, d, d.Fallback, true), nil
		}
		o.logger.Warn("Token refresh failed with a transient error", logAttrs...)
		return nil, serviceError(err, true, correlationID)

	default:
		o.logger.Error("Token refresh failed", logAttrs...)
		return nil, serviceError(err, false, correlationID)
	}
}

// removeRefreshToken deletes rt unless it was replaced since it was read.
func (o *Orchestrator) removeRefreshToken(ctx context.Context, rt *storage.RefreshToken, correlationID string, cause error) {
	key := rt.NaturalKey()
	removed := false
	err := o.store.Update(ctx, func(tx *storage.Tx) error {
		rec, ok := tx.Get(key)
		if !ok {
			return nil
		}
		if cur, ok := rec.(*storage.RefreshToken); ok && cur.Secret == rt.Secret {
			removed = tx.Delete(key) > 0
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("Failed to remove rejected refresh token", "error", err)
		return
	}
	if removed {
		subError := ""
		var tokenErr *providers.TokenErrorResponse
		if errors.As(cause, &tokenErr) {
			subError = tokenErr.SubError()
		}
		o.auditor.LogRefreshTokenRemoved(rt.HomeAccountID, rt.ClientID, correlationID, subError)
	}
}

// clientMismatch records that the requesting client is not in the family,
// then retries with an exact-client refresh token if one exists.
func (o *Orchestrator) clientMismatch(ctx context.Context, req resolver.Request, d resolver.Decision, cause error, correlationID string, retry bool) (*Result, error) {
	env := req.Authority.Environment()
	err := o.store.Update(ctx, func(tx *storage.Tx) error {
		tx.Upsert(&storage.AppMetadata{ClientID: req.ClientID, Environment: env})
		return nil
	})
	if err != nil {
		o.logger.Warn("Failed to record family membership", "client_id", req.ClientID, "error", err)
	}
	o.auditor.LogEvent(security.Event{
		Type:          security.EventFamilyMembershipRevoked,
		HomeAccountID: d.HomeAccountID,
		ClientID:      req.ClientID,
		CorrelationID: correlationID,
		Details:       map[string]any{"family_id": d.RefreshToken.FamilyID},
	})
	o.logger.Info("Client is not a member of the token family",
		"client_id", req.ClientID,
		"family_id", d.RefreshToken.FamilyID,
		"correlation_id", correlationID)

	if retry && err == nil {
		snap, serr := o.store.Snapshot(ctx)
		if serr == nil {
			next := o.resolver.Resolve(snap, req, o.clock.Now())
			switch {
			case next.Outcome == resolver.Hit:
				return o.cachedResult(snap, req, next, next.AccessToken, false), nil
			case next.Outcome == resolver.Refresh && !next.CrossClient:
				return o.redeem(ctx, req, next, snap, false)
			}
		}
	}

	irErr := interactionError(cause, correlationID)
	o.metrics.RecordInteractionRequired(ctx, irErr.Code)
	return nil, irErr
}

// cachedResult builds a Result from a cached token.
func (o *Orchestrator) cachedResult(snap *storage.Snapshot, req resolver.Request, d resolver.Decision, at *storage.AccessToken, extended bool) *Result {
	result := &Result{
		AccessToken:       at.Secret,
		TokenType:         at.TokenType,
		ExpiresOn:         at.ExpiresOn,
		ExtendedExpiresOn: at.ExtendedExpiresOn,
		Scopes:            slices.Clone(at.Scopes),
		Source:            SourceCache,
		Extended:          extended,
	}
	if result.TokenType == "" {
		result.TokenType = defaultTokenType
	}

	for idt := range snap.IDTokens() {
		if strings.EqualFold(idt.HomeAccountID, at.HomeAccountID) &&
			strings.EqualFold(idt.ClientID, req.ClientID) &&
			strings.EqualFold(idt.Realm, at.Realm) {
			result.IDToken = idt.Secret
			break
		}
	}

	if d.Account != nil {
		result.Account = d.Account.Clone()
	} else {
		result.Account = &storage.Account{
			HomeAccountID:  at.HomeAccountID,
			Environment:    at.Environment,
			Realm:          at.Realm,
			LocalAccountID: at.UniqueID,
			Username:       at.DisplayableID,
		}
	}
	return result
}

// ============================================================
// Helpers
// ============================================================

// flightKey identifies refreshes that can share one endpoint call.
func flightKey(req resolver.Request, d resolver.Decision) string {
	return strings.Join([]string{
		strings.ToLower(req.ClientID),
		strings.ToLower(d.HomeAccountID),
		req.Authority.Canonical(),
		storage.JoinScopes(d.Scopes),
		strings.ToLower(req.KeyID),
		strings.ToLower(req.Policy),
		strconv.FormatBool(req.ForceRefresh),
		req.Claims,
	}, "|")
}

// refreshParams builds the refresh_token grant parameters.
func refreshParams(req resolver.Request, rt *storage.RefreshToken, correlationID string) map[string]string {
	params := map[string]string{
		providers.ParamClientID:      req.ClientID,
		providers.ParamRefreshToken:  rt.Secret,
		providers.ParamScope:         storage.JoinScopes(storage.WithReserved(requestScopes(req.Scopes))),
		providers.ParamClientInfo:    "1",
		providers.ParamAuthority:     req.Authority.Canonical(),
		providers.ParamCorrelationID: correlationID,
	}
	if req.Claims != "" {
		params[providers.ParamClaims] = req.Claims
	}
	if req.KeyID != "" {
		params[providers.ParamRequestConf] = req.KeyID
		params[providers.ParamTokenType] = "pop"
	}
	return params
}

// requestScopes trims scopes and drops empty, duplicate and reserved ones,
// keeping the caller's order and case.
func requestScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || storage.IsReservedScope(s) {
			continue
		}
		lower := strings.ToLower(s)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, s)
	}
	return out
}

func accountHash(ref *resolver.AccountRef) string {
	if ref.IsZero() || ref.HomeAccountID == "" {
		return ""
	}
	return security.HashForLogging(strings.ToLower(ref.HomeAccountID))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}
