package flow

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-tokencache/authority"
	"github.com/giantswarm/oauth-tokencache/providers"
	"github.com/giantswarm/oauth-tokencache/providers/oidc"
	"github.com/giantswarm/oauth-tokencache/security"
	"github.com/giantswarm/oauth-tokencache/storage"
)

const defaultTokenType = "Bearer"

// SaveRequest is a token response to cache.
type SaveRequest struct {
	// Authority the request was sent to.
	Authority authority.Authority

	// ClientID the tokens are stored under.
	ClientID string

	// Scopes requested. Used when the response does not list scopes.
	Scopes []string

	// KeyID of a proof-of-possession request, empty for bearer tokens.
	KeyID string

	Response *providers.TokenResponse

	// Previous is the refresh token that was redeemed, if any. Its secret
	// and family are kept when the response does not replace them.
	Previous *storage.RefreshToken

	// HomeAccountID is used when the response does not identify the account.
	HomeAccountID string

	CorrelationID string
	Source        Source
}

// Save writes a token response to the cache in one update: access tokens of
// the same account and client whose scopes intersect the new ones are
// removed, then the access token, refresh token, ID token, account and app
// metadata are upserted. Nothing is written if ctx is done.
func (o *Orchestrator) Save(ctx context.Context, req SaveRequest) (*Result, error) {
	switch {
	case req.Response == nil || req.Response.AccessToken == "":
		return nil, invalidArgument(errors.New("token response has no access token"))
	case strings.TrimSpace(req.ClientID) == "":
		return nil, invalidArgument(errors.New("client id is required"))
	case req.Authority.IsZero():
		return nil, invalidArgument(errors.New("authority is required"))
	}

	recs, err := o.buildRecords(req, o.clock.Now())
	if err != nil {
		return nil, err
	}

	superseded := 0
	err = o.store.Update(ctx, func(tx *storage.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		superseded = tx.RemoveAccessTokens(supersededBy(recs.accessToken))
		tx.Upsert(recs.all()...)
		return nil
	})
	if err != nil {
		return nil, cacheError(ctx, "failed to store tokens", err)
	}

	o.logger.Debug("Cached token response",
		"client_id", req.ClientID,
		"source", req.Source.String(),
		"superseded", superseded,
		"correlation_id", req.CorrelationID)

	if req.Source == SourceNetworkExchange {
		o.auditor.LogEvent(security.Event{
			Type:          security.EventTokenAcquired,
			HomeAccountID: recs.accessToken.HomeAccountID,
			ClientID:      req.ClientID,
			CorrelationID: req.CorrelationID,
		})
	}

	return recs.result(req), nil
}

// tokenRecords are the records derived from one token response.
type tokenRecords struct {
	accessToken  *storage.AccessToken
	refreshToken *storage.RefreshToken
	idToken      *storage.IDToken
	account      *storage.Account
	appMetadata  *storage.AppMetadata
}

func (r *tokenRecords) all() []storage.Record {
	out := []storage.Record{r.accessToken, r.appMetadata}
	if r.refreshToken != nil {
		out = append(out, r.refreshToken)
	}
	if r.idToken != nil {
		out = append(out, r.idToken)
	}
	if r.account != nil {
		out = append(out, r.account)
	}
	return out
}

func (r *tokenRecords) result(req SaveRequest) *Result {
	at := r.accessToken
	result := &Result{
		AccessToken:       at.Secret,
		TokenType:         at.TokenType,
		ExpiresOn:         at.ExpiresOn,
		ExtendedExpiresOn: at.ExtendedExpiresOn,
		Scopes:            slices.Clone(at.Scopes),
		Source:            req.Source,
		CorrelationID:     req.CorrelationID,
	}
	if r.idToken != nil {
		result.IDToken = r.idToken.Secret
	}
	if r.account != nil {
		result.Account = r.account.Clone()
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

// buildRecords derives cache records from a token response. A malformed ID
// token or client_info is ignored; the account is then taken from Previous
// or HomeAccountID.
func (o *Orchestrator) buildRecords(req SaveRequest, now time.Time) (*tokenRecords, error) {
	resp := req.Response

	var info *oidc.ClientInfo
	if resp.ClientInfo != "" {
		var err error
		if info, err = oidc.ParseClientInfo(resp.ClientInfo); err != nil {
			o.logger.Warn("Ignoring malformed client_info", "client_id", req.ClientID, "error", err)
		}
	}
	var claims *oidc.IDTokenClaims
	if resp.IDToken != "" {
		var err error
		if claims, err = oidc.ParseIDToken(resp.IDToken); err != nil {
			o.logger.Warn("Ignoring malformed ID token", "client_id", req.ClientID, "error", err)
		}
	}

	prev := req.Previous
	home := oidc.HomeAccountID(info, claims)
	if home == "" && prev != nil {
		home = prev.HomeAccountID
	}
	if home == "" {
		home = req.HomeAccountID
	}
	if home == "" {
		return nil, &ServiceError{
			Code:          CodeInvalidResponse,
			Description:   "token response does not identify the account",
			CorrelationID: req.CorrelationID,
		}
	}

	env := req.Authority.Environment()
	realm := realmFor(req.Authority, info, claims, home)
	tokenAuthority := req.Authority
	if tokenAuthority.Type() == authority.TypeAAD && realm != "" {
		tokenAuthority = tokenAuthority.WithTenant(realm)
	}

	var uniqueID, displayableID, name string
	if claims != nil {
		uniqueID, displayableID, name = claims.LocalAccountID(), claims.Username(), claims.Name
	}
	if uniqueID == "" && info != nil {
		uniqueID = info.UID
	}
	if prev != nil {
		uniqueID = firstNonEmpty(uniqueID, prev.UniqueID)
		displayableID = firstNonEmpty(displayableID, prev.DisplayableID)
	}

	scopes := storage.WithoutReserved(storage.ParseScopes(resp.Scope))
	if len(scopes) == 0 {
		scopes = requestScopes(req.Scopes)
	}

	expiresOn := security.ExpiresAt(now, resp.ExpiresIn)
	extendedExpiresOn := expiresOn
	if resp.ExtExpiresIn > 0 {
		extendedExpiresOn = security.ExpiresAt(now, resp.ExtExpiresIn)
	}
	var refreshOn time.Time
	if resp.RefreshIn > 0 {
		refreshOn = security.ExpiresAt(now, resp.RefreshIn)
	}

	recs := &tokenRecords{
		accessToken: &storage.AccessToken{
			HomeAccountID:     home,
			Environment:       env,
			Realm:             realm,
			ClientID:          req.ClientID,
			Authority:         tokenAuthority.Canonical(),
			Scopes:            scopes,
			Secret:            resp.AccessToken,
			TokenType:         firstNonEmpty(resp.TokenType, defaultTokenType),
			KeyID:             req.KeyID,
			ExpiresOn:         expiresOn,
			ExtendedExpiresOn: extendedExpiresOn,
			RefreshOn:         refreshOn,
			CachedAt:          now,
			UniqueID:          uniqueID,
			DisplayableID:     displayableID,
			Policy:            req.Authority.Policy(),
		},
	}

	familyID := resp.FamilyID
	if familyID == "" && prev != nil {
		familyID = prev.FamilyID
	}

	secret, resource := resp.RefreshToken, ""
	if secret == "" && prev != nil {
		secret, resource = prev.Secret, prev.Resource
	}
	if secret != "" {
		recs.refreshToken = &storage.RefreshToken{
			HomeAccountID: home,
			Environment:   env,
			ClientID:      req.ClientID,
			Secret:        secret,
			FamilyID:      familyID,
			Resource:      resource,
			CachedAt:      now,
			UniqueID:      uniqueID,
			DisplayableID: displayableID,
		}
	}

	if resp.IDToken != "" {
		recs.idToken = &storage.IDToken{
			HomeAccountID: home,
			Environment:   env,
			Realm:         realm,
			ClientID:      req.ClientID,
			Secret:        resp.IDToken,
			CachedAt:      now,
		}
	}

	if info != nil || claims != nil {
		recs.account = &storage.Account{
			HomeAccountID:  home,
			Environment:    env,
			Realm:          realm,
			LocalAccountID: uniqueID,
			Username:       displayableID,
			Name:           name,
			AuthorityType:  req.Authority.Type().String(),
		}
	}

	recs.appMetadata = &storage.AppMetadata{
		ClientID:    req.ClientID,
		Environment: env,
		FamilyID:    familyID,
	}
	return recs, nil
}

// realmFor picks the tenant the tokens were issued in: the ID token tenant,
// the concrete request tenant, the client_info tenant, then the home tenant.
func realmFor(a authority.Authority, info *oidc.ClientInfo, claims *oidc.IDTokenClaims, home string) string {
	if claims != nil && claims.TenantID != "" {
		return strings.ToLower(claims.TenantID)
	}
	if a.Tenant() != "" && !a.IsTenantless() {
		return a.Tenant()
	}
	if info != nil && info.UTID != "" {
		return strings.ToLower(info.UTID)
	}
	if i := strings.LastIndexByte(home, '.'); i >= 0 && i < len(home)-1 {
		return strings.ToLower(home[i+1:])
	}
	return ""
}

// supersededBy matches cached tokens that at replaces: same account, client,
// realm, policy and key, with intersecting scopes.
func supersededBy(at *storage.AccessToken) func(*storage.AccessToken) bool {
	scopes := storage.NormalizeScopes(at.Scopes)
	return func(old *storage.AccessToken) bool {
		return strings.EqualFold(old.HomeAccountID, at.HomeAccountID) &&
			authority.Equivalent(old.Environment, at.Environment) &&
			strings.EqualFold(old.Realm, at.Realm) &&
			strings.EqualFold(old.ClientID, at.ClientID) &&
			strings.EqualFold(old.Policy, at.Policy) &&
			strings.EqualFold(old.KeyID, at.KeyID) &&
			storage.ScopeSetIntersects(storage.NormalizeScopes(old.Scopes), scopes)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
