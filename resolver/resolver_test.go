package resolver

import (
	"errors"
	"iter"
	"slices"
	"testing"
	"time"

	"github.com/giantswarm/oauth-tokencache/authority"
	"github.com/giantswarm/oauth-tokencache/internal/testutil"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// fakeView is a View over plain slices, so tests control enumeration order.
type fakeView struct {
	ats      []*storage.AccessToken
	rts      []*storage.RefreshToken
	accounts []*storage.Account
	metadata []*storage.AppMetadata
}

func (v *fakeView) AccessTokens() iter.Seq[*storage.AccessToken] {
	return slices.Values(v.ats)
}

func (v *fakeView) RefreshTokens() iter.Seq[*storage.RefreshToken] {
	return slices.Values(v.rts)
}

func (v *fakeView) Accounts() iter.Seq[*storage.Account] {
	return slices.Values(v.accounts)
}

func (v *fakeView) AppMetadataFor(clientID, environment string) (*storage.AppMetadata, bool) {
	for _, md := range v.metadata {
		if md.ClientID == clientID && md.Environment == environment {
			return md, true
		}
	}
	return nil, false
}

var (
	now        = testutil.TestNow
	commonAuth = authority.MustParse(testutil.TestAuthority)
	fixtureRef = &AccountRef{HomeAccountID: testutil.TestHomeAccountID}
)

func request(scopes ...string) Request {
	return Request{
		Authority: commonAuth,
		Scopes:    scopes,
		ClientID:  testutil.TestClientID,
		Account:   fixtureRef,
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{name: "valid", req: request("User.Read")},
		{name: "missing client", req: Request{Authority: commonAuth}, wantErr: true},
		{name: "blank client", req: Request{Authority: commonAuth, ClientID: "  "}, wantErr: true},
		{name: "missing authority", req: Request{ClientID: "c"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, storage.ErrInvalidArgument) {
				t.Errorf("Validate() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestResolve_ScenarioA_Hit(t *testing.T) {
	at := testutil.NewAccessToken(now, "User.Read")
	view := &fakeView{ats: []*storage.AccessToken{at}}

	d := New(Options{}).Resolve(view, request("User.Read"), now)
	if d.Outcome != Hit {
		t.Fatalf("Outcome = %v (%s), want hit", d.Outcome, d.Reason)
	}
	if d.AccessToken != at {
		t.Error("Resolve() returned a different token")
	}
	if d.Reason != ReasonCacheHit {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestResolve_ScenarioB_NoSuperset(t *testing.T) {
	at := testutil.NewAccessToken(now, "User.Read")

	t.Run("falls through to refresh", func(t *testing.T) {
		rt := testutil.NewRefreshToken(now, testutil.TestClientID)
		view := &fakeView{ats: []*storage.AccessToken{at}, rts: []*storage.RefreshToken{rt}}

		d := New(Options{}).Resolve(view, request("User.Read", "Mail.Read"), now)
		if d.Outcome != Refresh || d.RefreshToken != rt {
			t.Fatalf("Resolve() = %v with %v, want refresh with the cached RT", d.Outcome, d.RefreshToken)
		}
		if d.Reason != ReasonNoAccessToken || d.CrossClient {
			t.Errorf("Reason = %q, CrossClient = %v", d.Reason, d.CrossClient)
		}
	})

	t.Run("miss without refresh token", func(t *testing.T) {
		view := &fakeView{ats: []*storage.AccessToken{at}}
		d := New(Options{}).Resolve(view, request("User.Read", "Mail.Read"), now)
		if d.Outcome != Miss || d.Reason != ReasonNoTokensFound {
			t.Errorf("Resolve() = %v (%s), want miss no_tokens_found", d.Outcome, d.Reason)
		}
	})
}

func TestResolve_ScopeMatching(t *testing.T) {
	tests := []struct {
		name      string
		cached    [][]string
		requested []string
		wantHit   bool
	}{
		{name: "exact", cached: [][]string{{"User.Read"}}, requested: []string{"User.Read"}, wantHit: true},
		{name: "superset", cached: [][]string{{"User.Read", "Mail.Read"}}, requested: []string{"mail.read"}, wantHit: true},
		{name: "case and whitespace", cached: [][]string{{"User.Read"}}, requested: []string{" USER.READ "}, wantHit: true},
		{name: "reserved scopes ignored", cached: [][]string{{"User.Read"}}, requested: []string{"User.Read", "openid", "offline_access"}, wantHit: true},
		{name: "subset", cached: [][]string{{"User.Read"}}, requested: []string{"User.Read", "Mail.Read"}},
		{name: "disjoint union is not a hit", cached: [][]string{{"User.Read"}, {"Mail.Read"}}, requested: []string{"User.Read", "Mail.Read"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := &fakeView{}
			for _, scopes := range tt.cached {
				view.ats = append(view.ats, testutil.NewAccessToken(now, scopes...))
			}
			d := New(Options{}).Resolve(view, request(tt.requested...), now)
			if got := d.Outcome == Hit; got != tt.wantHit {
				t.Errorf("hit = %v, want %v (reason %s)", got, tt.wantHit, d.Reason)
			}
		})
	}
}

func TestResolve_ExpiryIsExclusive(t *testing.T) {
	tests := []struct {
		name      string
		expiresOn time.Time
		buffer    time.Duration
		wantHit   bool
	}{
		{name: "expires exactly now", expiresOn: now},
		{name: "expired", expiresOn: now.Add(-time.Second)},
		{name: "one second left", expiresOn: now.Add(time.Second), wantHit: true},
		{name: "inside buffer", expiresOn: now.Add(time.Minute), buffer: 5 * time.Minute},
		{name: "outside buffer", expiresOn: now.Add(10 * time.Minute), buffer: 5 * time.Minute, wantHit: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := testutil.NewAccessToken(now.Add(-time.Hour), "User.Read")
			at.ExpiresOn = tt.expiresOn
			view := &fakeView{ats: []*storage.AccessToken{at}}

			d := New(Options{ExpirationBuffer: tt.buffer}).Resolve(view, request("User.Read"), now)
			if got := d.Outcome == Hit; got != tt.wantHit {
				t.Errorf("hit = %v, want %v", got, tt.wantHit)
			}
			if !tt.wantHit && d.Reason != ReasonNoTokensFound {
				t.Errorf("Reason = %q", d.Reason)
			}
		})
	}
}

func TestResolve_ExpiredReasonWithRefreshToken(t *testing.T) {
	at := testutil.NewAccessToken(now.Add(-2*time.Hour), "User.Read")
	rt := testutil.NewRefreshToken(now, testutil.TestClientID)
	view := &fakeView{ats: []*storage.AccessToken{at}, rts: []*storage.RefreshToken{rt}}

	d := New(Options{}).Resolve(view, request("User.Read"), now)
	if d.Outcome != Refresh || d.Reason != ReasonAccessTokenExpired {
		t.Errorf("Resolve() = %v (%s), want refresh access_token_expired", d.Outcome, d.Reason)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	older := testutil.NewAccessToken(now.Add(-10*time.Minute), "User.Read")
	newer := testutil.NewAccessToken(now.Add(-5*time.Minute), "User.Read", "Mail.Read")

	sameCachedShort := testutil.NewAccessToken(now.Add(-time.Minute), "User.Read", "Files.Read")
	sameCachedLong := testutil.NewAccessToken(now.Add(-time.Minute), "User.Read", "Sites.Read")
	sameCachedLong.ExpiresOn = sameCachedShort.ExpiresOn.Add(time.Hour)

	tieA := testutil.NewAccessToken(now.Add(-time.Minute), "User.Read", "a.read")
	tieB := testutil.NewAccessToken(now.Add(-time.Minute), "User.Read", "b.read")
	tieB.ExpiresOn = tieA.ExpiresOn

	tests := []struct {
		name string
		ats  []*storage.AccessToken
		want *storage.AccessToken
	}{
		{name: "latest cached wins", ats: []*storage.AccessToken{older, newer}, want: newer},
		{name: "then latest expiry", ats: []*storage.AccessToken{sameCachedShort, sameCachedLong}, want: sameCachedLong},
		{name: "then smallest natural key", ats: []*storage.AccessToken{tieB, tieA}, want: tieA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Options{})
			forward := r.Resolve(&fakeView{ats: tt.ats}, request("User.Read"), now)
			backward := slices.Clone(tt.ats)
			slices.Reverse(backward)
			reversed := r.Resolve(&fakeView{ats: backward}, request("User.Read"), now)

			if forward.AccessToken != tt.want {
				t.Errorf("forward order selected %v", forward.AccessToken.Scopes)
			}
			if reversed.AccessToken != tt.want {
				t.Errorf("reversed order selected %v", reversed.AccessToken.Scopes)
			}
		})
	}
}

func TestResolve_ForceRefreshAndClaims(t *testing.T) {
	at := testutil.NewAccessToken(now, "User.Read")
	rt := testutil.NewRefreshToken(now, testutil.TestClientID)
	view := &fakeView{ats: []*storage.AccessToken{at}, rts: []*storage.RefreshToken{rt}}

	force := request("User.Read")
	force.ForceRefresh = true
	claims := request("User.Read")
	claims.Claims = `{"access_token":{"nbf":{"essential":true}}}`

	tests := []struct {
		name   string
		req    Request
		reason string
	}{
		{name: "force refresh", req: force, reason: ReasonForceRefresh},
		{name: "claims challenge", req: claims, reason: ReasonClaimsChallenge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Options{}).Resolve(view, tt.req, now)
			if d.Outcome != Refresh || d.Reason != tt.reason {
				t.Errorf("Resolve() = %v (%s), want refresh %s", d.Outcome, d.Reason, tt.reason)
			}
		})
	}
}

func TestResolve_AccountResolution(t *testing.T) {
	other := testutil.NewAccount()
	other.HomeAccountID = "other.utid"

	tests := []struct {
		name        string
		view        *fakeView
		wantOutcome Outcome
		wantReason  string
	}{
		{
			name:        "empty cache",
			view:        &fakeView{},
			wantOutcome: Miss,
			wantReason:  ReasonNoAccount,
		},
		{
			name:        "single account",
			view:        &fakeView{accounts: []*storage.Account{testutil.NewAccount()}, ats: []*storage.AccessToken{testutil.NewAccessToken(now, "User.Read")}},
			wantOutcome: Hit,
			wantReason:  ReasonCacheHit,
		},
		{
			name:        "user known only from a refresh token",
			view:        &fakeView{rts: []*storage.RefreshToken{testutil.NewRefreshToken(now, testutil.TestClientID)}},
			wantOutcome: Refresh,
			wantReason:  ReasonNoAccessToken,
		},
		{
			name:        "two accounts",
			view:        &fakeView{accounts: []*storage.Account{testutil.NewAccount(), other}},
			wantOutcome: Miss,
			wantReason:  ReasonAmbiguousAccount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("User.Read")
			req.Account = nil

			d := New(Options{}).Resolve(tt.view, req, now)
			if d.Outcome != tt.wantOutcome || d.Reason != tt.wantReason {
				t.Errorf("Resolve() = %v (%s), want %v (%s)", d.Outcome, d.Reason, tt.wantOutcome, tt.wantReason)
			}
			if tt.wantOutcome != Miss && d.HomeAccountID != testutil.TestHomeAccountID {
				t.Errorf("HomeAccountID = %q", d.HomeAccountID)
			}
		})
	}
}

func TestResolve_UserMatchingWithoutHomeAccountID(t *testing.T) {
	at := testutil.NewAccessToken(now, "User.Read")
	view := &fakeView{ats: []*storage.AccessToken{at}}

	req := request("User.Read")
	req.Account = &AccountRef{DisplayableID: "USER@contoso.com"}
	if d := New(Options{}).Resolve(view, req, now); d.Outcome != Hit {
		t.Errorf("displayable id match: outcome = %v", d.Outcome)
	}

	req.Account = &AccountRef{UniqueID: "someone-else"}
	if d := New(Options{}).Resolve(view, req, now); d.Outcome == Hit {
		t.Error("unique id mismatch must not hit")
	}
}

func TestResolve_ClientPolicyAndKeyID(t *testing.T) {
	at := testutil.NewAccessToken(now, "User.Read")
	at.Policy = "b2c_1_signin"
	view := &fakeView{ats: []*storage.AccessToken{at}}
	r := New(Options{})

	upper := request("User.Read")
	upper.ClientID = "CLIENT-A"
	if d := r.Resolve(view, upper, now); d.Outcome != Hit {
		t.Errorf("client id must match case-insensitively, got %v", d.Outcome)
	}

	policy := request("User.Read")
	policy.Policy = "B2C_1_other"
	if d := r.Resolve(view, policy, now); d.Outcome == Hit {
		t.Error("policy mismatch must not hit")
	}

	pop := request("User.Read")
	pop.KeyID = "kid-1"
	if d := r.Resolve(view, pop, now); d.Outcome == Hit {
		t.Error("bearer token must not satisfy a key-bound request")
	}

	sibling := request("User.Read")
	sibling.ClientID = testutil.TestSiblingClientID
	if d := r.Resolve(view, sibling, now); d.Outcome == Hit {
		t.Error("access tokens are never shared across clients")
	}
}

func TestResolve_TenantlessAuthority(t *testing.T) {
	at := testutil.NewAccessToken(now, "User.Read")
	at.Authority = testutil.TestTenantAuthority
	view := &fakeView{ats: []*storage.AccessToken{at}}
	r := New(Options{})

	if d := r.Resolve(view, request("User.Read"), now); d.Outcome != Hit {
		t.Errorf("tenantless request should match the home tenant token, got %v", d.Outcome)
	}

	aliased := request("User.Read")
	aliased.Authority = authority.MustParse("https://login.windows.net/utid/")
	if d := r.Resolve(view, aliased, now); d.Outcome != Hit {
		t.Errorf("aliased host with same tenant should hit, got %v", d.Outcome)
	}

	otherTenant := request("User.Read")
	otherTenant.Authority = authority.MustParse("https://login.microsoftonline.com/other-tenant/")
	if d := r.Resolve(view, otherTenant, now); d.Outcome == Hit {
		t.Error("token of the home tenant must not serve another tenant")
	}
}

func TestResolve_FamilyRefreshTokens(t *testing.T) {
	familyRT := testutil.NewFamilyRefreshToken(now, testutil.TestClientID)

	siblingReq := request("User.Read")
	siblingReq.ClientID = testutil.TestSiblingClientID

	tests := []struct {
		name      string
		foci      bool
		rts       []*storage.RefreshToken
		metadata  []*storage.AppMetadata
		want      Outcome
		wantRT    *storage.RefreshToken
		wantCross bool
	}{
		{name: "foci disabled", rts: []*storage.RefreshToken{familyRT}, want: Miss},
		{name: "unknown membership", foci: true, rts: []*storage.RefreshToken{familyRT}, want: Refresh, wantRT: familyRT, wantCross: true},
		{
			name:      "member of the family",
			foci:      true,
			rts:       []*storage.RefreshToken{familyRT},
			metadata:  []*storage.AppMetadata{{ClientID: testutil.TestSiblingClientID, Environment: testutil.TestEnvironment, FamilyID: testutil.TestFamilyID}},
			want:      Refresh,
			wantRT:    familyRT,
			wantCross: true,
		},
		{
			name:     "known non-member",
			foci:     true,
			rts:      []*storage.RefreshToken{familyRT},
			metadata: []*storage.AppMetadata{{ClientID: testutil.TestSiblingClientID, Environment: testutil.TestEnvironment}},
			want:     Miss,
		},
		{
			name:     "member of another family",
			foci:     true,
			rts:      []*storage.RefreshToken{familyRT},
			metadata: []*storage.AppMetadata{{ClientID: testutil.TestSiblingClientID, Environment: testutil.TestEnvironment, FamilyID: "2"}},
			want:     Miss,
		},
		{name: "non-family token of another client", foci: true, rts: []*storage.RefreshToken{testutil.NewRefreshToken(now, testutil.TestClientID)}, want: Miss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := &fakeView{rts: tt.rts, metadata: tt.metadata}
			d := New(Options{FOCIEnabled: tt.foci}).Resolve(view, siblingReq, now)
			if d.Outcome != tt.want {
				t.Fatalf("Outcome = %v (%s), want %v", d.Outcome, d.Reason, tt.want)
			}
			if d.RefreshToken != tt.wantRT || d.CrossClient != tt.wantCross {
				t.Errorf("RefreshToken = %v, CrossClient = %v", d.RefreshToken, d.CrossClient)
			}
		})
	}
}

func TestResolve_ExactClientBeatsFamily(t *testing.T) {
	own := testutil.NewRefreshToken(now.Add(-time.Hour), testutil.TestSiblingClientID)
	family := testutil.NewFamilyRefreshToken(now, testutil.TestClientID)
	view := &fakeView{rts: []*storage.RefreshToken{family, own}}

	req := request("User.Read")
	req.ClientID = testutil.TestSiblingClientID
	d := New(Options{FOCIEnabled: true}).Resolve(view, req, now)
	if d.RefreshToken != own || d.CrossClient {
		t.Errorf("Resolve() picked %v (cross %v), want the client's own refresh token", d.RefreshToken, d.CrossClient)
	}
}

func TestResolve_FamilyTieBreak(t *testing.T) {
	older := testutil.NewFamilyRefreshToken(now.Add(-time.Hour), "client-x")
	newer := testutil.NewFamilyRefreshToken(now, "client-y")
	req := request("User.Read")
	req.ClientID = testutil.TestSiblingClientID

	for _, order := range [][]*storage.RefreshToken{{older, newer}, {newer, older}} {
		d := New(Options{FOCIEnabled: true}).Resolve(&fakeView{rts: order}, req, now)
		if d.RefreshToken != newer {
			t.Errorf("Resolve() picked %s, want the most recently cached family token", d.RefreshToken.ClientID)
		}
	}
}

func TestResolve_SingleResourceRefreshToken(t *testing.T) {
	rt := testutil.NewRefreshToken(now, testutil.TestClientID)
	rt.Resource = "https://graph.microsoft.com"
	view := &fakeView{rts: []*storage.RefreshToken{rt}}
	r := New(Options{})

	if d := r.Resolve(view, request("https://graph.microsoft.com/User.Read", "openid"), now); d.Outcome != Refresh {
		t.Errorf("same resource: outcome = %v", d.Outcome)
	}
	if d := r.Resolve(view, request("https://graph.microsoft.com/User.Read", "https://vault.azure.net/user_impersonation"), now); d.Outcome != Miss {
		t.Errorf("mixed resources: outcome = %v, want miss", d.Outcome)
	}
	if d := r.Resolve(view, request("User.Read"), now); d.Outcome != Miss {
		t.Errorf("short-form scope: outcome = %v, want miss", d.Outcome)
	}
}

func TestResolve_EnvironmentAliases(t *testing.T) {
	rt := testutil.NewRefreshToken(now, testutil.TestClientID)
	view := &fakeView{rts: []*storage.RefreshToken{rt}}
	r := New(Options{})

	aliased := request("User.Read")
	aliased.Authority = authority.MustParse("https://login.microsoft.com/common/")
	if d := r.Resolve(view, aliased, now); d.Outcome != Refresh {
		t.Errorf("aliased host: outcome = %v, want refresh", d.Outcome)
	}

	sovereign := request("User.Read")
	sovereign.Authority = authority.MustParse("https://login.microsoftonline.us/common/")
	if d := r.Resolve(view, sovereign, now); d.Outcome != Miss {
		t.Errorf("other cloud: outcome = %v, want miss", d.Outcome)
	}
}

func TestResolve_ExtendedLifetimeFallback(t *testing.T) {
	at := testutil.NewAccessToken(now.Add(-90*time.Minute), "User.Read")
	rt := testutil.NewRefreshToken(now, testutil.TestClientID)
	view := &fakeView{ats: []*storage.AccessToken{at}, rts: []*storage.RefreshToken{rt}}

	d := New(Options{ExtendedLifetime: true}).Resolve(view, request("User.Read"), now)
	if d.Outcome != Refresh || d.Fallback != at {
		t.Errorf("Resolve() = %v with fallback %v, want refresh with fallback", d.Outcome, d.Fallback)
	}

	d = New(Options{}).Resolve(view, request("User.Read"), now)
	if d.Fallback != nil {
		t.Error("fallback must only be offered with ExtendedLifetime")
	}

	pastExtended := testutil.NewAccessToken(now.Add(-3*time.Hour), "User.Read")
	d = New(Options{ExtendedLifetime: true}).Resolve(&fakeView{ats: []*storage.AccessToken{pastExtended}}, request("User.Read"), now)
	if d.Fallback != nil {
		t.Error("token past its extended lifetime must not be a fallback")
	}
}

func TestResolve_ResolvedAccount(t *testing.T) {
	acct := testutil.NewAccount()
	view := &fakeView{
		accounts: []*storage.Account{acct},
		ats:      []*storage.AccessToken{testutil.NewAccessToken(now, "User.Read")},
	}
	d := New(Options{}).Resolve(view, request("User.Read"), now)
	if d.Account != acct {
		t.Errorf("Account = %v, want the cached account", d.Account)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{Hit: "hit", Refresh: "refresh", Miss: "miss"} {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", o, got, want)
		}
	}
}
