package resolver

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-tokencache/authority"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// View is the read side of a cache snapshot. *storage.Snapshot implements it.
type View interface {
	AccessTokens() iter.Seq[*storage.AccessToken]
	RefreshTokens() iter.Seq[*storage.RefreshToken]
	Accounts() iter.Seq[*storage.Account]
	AppMetadataFor(clientID, environment string) (*storage.AppMetadata, bool)
}

var _ View = (*storage.Snapshot)(nil)

// AccountRef identifies the user a request is for. HomeAccountID wins when
// set; otherwise UniqueID and DisplayableID are matched.
type AccountRef struct {
	HomeAccountID string
	UniqueID      string
	DisplayableID string
}

// IsZero reports whether no identifier is set.
func (a *AccountRef) IsZero() bool {
	return a == nil || (a.HomeAccountID == "" && a.UniqueID == "" && a.DisplayableID == "")
}

// Request is a silent token request.
type Request struct {
	Authority    authority.Authority
	Scopes       []string
	ClientID     string
	Account      *AccountRef
	Policy       string
	ForceRefresh bool
	// KeyID binds the token to a proof-of-possession key; empty for bearer.
	KeyID string
	// Claims is a claims challenge. A non-empty value forces a refresh.
	Claims string
}

// Validate checks the fields without which nothing can be looked up.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: client id is required", storage.ErrInvalidArgument)
	}
	if r.Authority.IsZero() {
		return fmt.Errorf("%w: authority is required", storage.ErrInvalidArgument)
	}
	return nil
}

// Options tunes resolution.
type Options struct {
	// FOCIEnabled allows family refresh tokens of sibling clients.
	FOCIEnabled bool

	// ExpirationBuffer treats access tokens as expired this much early.
	ExpirationBuffer time.Duration

	// ExtendedLifetime keeps expired tokens whose extended lifetime still
	// holds as a fallback for outages.
	ExtendedLifetime bool
}

// Outcome is the kind of Decision.
type Outcome int

const (
	// Miss means nothing usable is cached.
	Miss Outcome = iota
	// Hit means a cached access token answers the request.
	Hit
	// Refresh means a refresh token must be redeemed.
	Refresh
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Refresh:
		return "refresh"
	default:
		return "miss"
	}
}

// Stable reasons reported with a Decision.
const (
	ReasonCacheHit           = "cache_hit"
	ReasonForceRefresh       = "force_refresh"
	ReasonClaimsChallenge    = "claims_challenge"
	ReasonAccessTokenExpired = "access_token_expired"
	ReasonNoAccessToken      = "no_access_token"
	ReasonNoAccount          = "no_account"
	ReasonAmbiguousAccount   = "ambiguous_account"
	ReasonNoTokensFound      = "no_tokens_found"
)

// Decision is the result of Resolve. Records point into the view and must
// not be modified.
type Decision struct {
	Outcome Outcome
	Reason  string

	// AccessToken is set on Hit.
	AccessToken *storage.AccessToken

	// RefreshToken is set on Refresh. CrossClient is true when it belongs to
	// another client of the same family.
	RefreshToken *storage.RefreshToken
	CrossClient  bool

	// Fallback is an expired token still inside its extended lifetime.
	Fallback *storage.AccessToken

	// HomeAccountID is the resolved user, and Account their record if cached.
	HomeAccountID string
	Account       *storage.Account

	// Scopes are the normalized requested scopes without reserved scopes.
	Scopes []string
}

// Resolver resolves requests with fixed Options.
type Resolver struct {
	opts Options
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	return &Resolver{opts: opts}
}

// Options returns the resolver options.
func (r *Resolver) Options() Options {
	return r.opts
}

// Resolve decides how req is answered from view at now.
func (r *Resolver) Resolve(view View, req Request, now time.Time) Decision {
	d := Decision{Scopes: storage.WithoutReserved(storage.NormalizeScopes(req.Scopes))}
	env := req.Authority.Environment()

	ref, reason := r.resolveAccount(view, req)
	if ref == nil {
		d.Reason = reason
		return d
	}
	d.HomeAccountID = ref.HomeAccountID
	d.Account = findAccount(view, ref, req.Authority.Host())
	if d.HomeAccountID == "" && d.Account != nil {
		d.HomeAccountID = d.Account.HomeAccountID
	}

	m := matcher{req: req, ref: ref, scopes: d.Scopes, homeTenant: homeTenant(d.HomeAccountID)}

	refreshReason := ReasonNoAccessToken
	switch {
	case req.ForceRefresh:
		refreshReason = ReasonForceRefresh
	case req.Claims != "":
		refreshReason = ReasonClaimsChallenge
	default:
		hit, fallback, sawExpired := r.lookupAccessToken(view, m, now)
		if hit != nil {
			d.Outcome, d.Reason, d.AccessToken = Hit, ReasonCacheHit, hit
			return d
		}
		d.Fallback = fallback
		if sawExpired {
			refreshReason = ReasonAccessTokenExpired
		}
	}

	if rt, cross := r.lookupRefreshToken(view, m, env); rt != nil {
		d.Outcome, d.Reason, d.RefreshToken, d.CrossClient = Refresh, refreshReason, rt, cross
		if d.HomeAccountID == "" {
			d.HomeAccountID = rt.HomeAccountID
		}
		return d
	}

	d.Reason = ReasonNoTokensFound
	return d
}

// resolveAccount returns the account to use, or nil and a Miss reason.
// Without an explicit account the cache must hold exactly one user for the
// client in the request's environment.
func (r *Resolver) resolveAccount(view View, req Request) (*AccountRef, string) {
	if !req.Account.IsZero() {
		ref := *req.Account
		return &ref, ""
	}

	host := req.Authority.Host()
	homes := make(map[string]struct{})
	add := func(home, recordEnv string) {
		if home != "" && authority.Equivalent(recordEnv, host) {
			homes[strings.ToLower(home)] = struct{}{}
		}
	}

	for a := range view.Accounts() {
		add(a.HomeAccountID, a.Environment)
	}
	for at := range view.AccessTokens() {
		if strings.EqualFold(at.ClientID, req.ClientID) {
			add(at.HomeAccountID, at.Environment)
		}
	}
	for rt := range view.RefreshTokens() {
		if strings.EqualFold(rt.ClientID, req.ClientID) || (r.opts.FOCIEnabled && rt.IsFamilyToken()) {
			add(rt.HomeAccountID, rt.Environment)
		}
	}

	switch len(homes) {
	case 0:
		return nil, ReasonNoAccount
	case 1:
		for home := range homes {
			return &AccountRef{HomeAccountID: home}, ""
		}
	}
	return nil, ReasonAmbiguousAccount
}

func findAccount(view View, ref *AccountRef, host string) *storage.Account {
	var found *storage.Account
	for a := range view.Accounts() {
		if !authority.Equivalent(a.Environment, host) {
			continue
		}
		var match bool
		if ref.HomeAccountID != "" {
			match = strings.EqualFold(a.HomeAccountID, ref.HomeAccountID)
		} else {
			match = (ref.UniqueID == "" || strings.EqualFold(a.LocalAccountID, ref.UniqueID)) &&
				(ref.DisplayableID == "" || strings.EqualFold(a.Username, ref.DisplayableID))
		}
		if !match {
			continue
		}
		// Prefer the home-tenant record, then the smallest key.
		if found == nil || accountLess(a, found) {
			found = a
		}
	}
	return found
}

func accountLess(a, b *storage.Account) bool {
	aHome := strings.EqualFold(a.Realm, homeTenant(a.HomeAccountID))
	bHome := strings.EqualFold(b.Realm, homeTenant(b.HomeAccountID))
	if aHome != bHome {
		return aHome
	}
	return a.NaturalKey() < b.NaturalKey()
}

// ============================================================
// Access tokens
// ============================================================

// lookupAccessToken returns the best valid token, the best extended-lifetime
// fallback, and whether any scope-matching token had expired.
func (r *Resolver) lookupAccessToken(view View, m matcher, now time.Time) (hit, fallback *storage.AccessToken, sawExpired bool) {
	for at := range view.AccessTokens() {
		if !m.accessToken(at) {
			continue
		}
		// Each candidate must cover the request on its own.
		key := storage.CacheKey{Scopes: storage.NormalizeScopes(at.Scopes)}
		if !key.ScopeContains(m.scopes) {
			continue
		}
		if at.IsExpired(now, r.opts.ExpirationBuffer) {
			sawExpired = true
			if r.opts.ExtendedLifetime && at.IsExtendedValid(now) && betterAccessToken(at, fallback) {
				fallback = at
			}
			continue
		}
		if betterAccessToken(at, hit) {
			hit = at
		}
	}
	return hit, fallback, sawExpired
}

// betterAccessToken orders by latest CachedAt, then latest ExpiresOn, then
// smallest natural key.
func betterAccessToken(a, b *storage.AccessToken) bool {
	if b == nil {
		return true
	}
	if c := a.CachedAt.Compare(b.CachedAt); c != 0 {
		return c > 0
	}
	if c := a.ExpiresOn.Compare(b.ExpiresOn); c != 0 {
		return c > 0
	}
	return a.NaturalKey() < b.NaturalKey()
}

// ============================================================
// Refresh tokens
// ============================================================

func (r *Resolver) lookupRefreshToken(view View, m matcher, env string) (*storage.RefreshToken, bool) {
	var exact []*storage.RefreshToken
	var family []*storage.RefreshToken

	for rt := range view.RefreshTokens() {
		if !m.user(rt.HomeAccountID, rt.UniqueID, rt.DisplayableID) ||
			!authority.Equivalent(rt.Environment, m.req.Authority.Host()) ||
			!m.resource(rt.Resource) {
			continue
		}
		if strings.EqualFold(rt.ClientID, m.req.ClientID) {
			exact = append(exact, rt)
		} else if rt.IsFamilyToken() {
			family = append(family, rt)
		}
	}

	if len(exact) > 0 {
		return slices.MinFunc(exact, compareRefreshTokens), false
	}
	if !r.opts.FOCIEnabled || len(family) == 0 {
		return nil, false
	}

	// Unknown metadata means membership was never tested, so the family token
	// is worth a try. Metadata without a family id means the client is known
	// not to be a member.
	if md, ok := view.AppMetadataFor(m.req.ClientID, env); ok {
		if md.FamilyID == "" {
			return nil, false
		}
		family = slices.DeleteFunc(family, func(rt *storage.RefreshToken) bool {
			return rt.FamilyID != md.FamilyID
		})
		if len(family) == 0 {
			return nil, false
		}
	}
	return slices.MinFunc(family, compareRefreshTokens), true
}

func compareRefreshTokens(a, b *storage.RefreshToken) int {
	if c := b.CachedAt.Compare(a.CachedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.NaturalKey(), b.NaturalKey())
}

// ============================================================
// Matching
// ============================================================

type matcher struct {
	req        Request
	ref        *AccountRef
	scopes     []string
	homeTenant string
}

func (m matcher) user(homeAccountID, uniqueID, displayableID string) bool {
	if m.ref.HomeAccountID != "" {
		return strings.EqualFold(homeAccountID, m.ref.HomeAccountID)
	}
	if m.ref.UniqueID != "" && !strings.EqualFold(uniqueID, m.ref.UniqueID) {
		return false
	}
	if m.ref.DisplayableID != "" && !strings.EqualFold(displayableID, m.ref.DisplayableID) {
		return false
	}
	return true
}

func (m matcher) accessToken(at *storage.AccessToken) bool {
	if !strings.EqualFold(at.ClientID, m.req.ClientID) {
		return false
	}
	if !m.user(at.HomeAccountID, at.UniqueID, at.DisplayableID) {
		return false
	}
	if m.req.Policy != "" && !strings.EqualFold(at.Policy, m.req.Policy) {
		return false
	}
	if !strings.EqualFold(at.KeyID, m.req.KeyID) {
		return false
	}
	return m.authority(at)
}

// authority matches the canonical authority exactly. AAD authorities also
// match an aliased environment with the target realm: the request tenant, or
// the user's home tenant when the request is tenantless.
func (m matcher) authority(at *storage.AccessToken) bool {
	if canonical, err := authority.Canonicalize(at.Authority); err == nil && canonical == m.req.Authority.Canonical() {
		return true
	}
	if m.req.Authority.Type() != authority.TypeAAD {
		return false
	}
	if !authority.Equivalent(at.Environment, m.req.Authority.Host()) {
		return false
	}
	realm := m.req.Authority.Tenant()
	if m.req.Authority.IsTenantless() {
		realm = m.homeTenant
	}
	return realm != "" && strings.EqualFold(at.Realm, realm)
}

// resource reports whether a refresh token restricted to resource can serve
// every requested scope. Unrestricted tokens serve anything.
func (m matcher) resource(resource string) bool {
	if resource == "" {
		return true
	}
	if len(m.scopes) == 0 {
		return false
	}
	for _, s := range m.scopes {
		if !strings.EqualFold(storage.ScopeResource(s), resource) {
			return false
		}
	}
	return true
}

// homeTenant returns the tenant part of a "uid.utid" home account id.
func homeTenant(homeAccountID string) string {
	if i := strings.LastIndexByte(homeAccountID, '.'); i >= 0 && i < len(homeAccountID)-1 {
		return homeAccountID[i+1:]
	}
	return ""
}
