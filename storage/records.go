package storage

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-tokencache/security"
)

// Kind identifies a record type.
type Kind string

// Record kinds. The string values appear in metrics and logs.
const (
	KindAccessToken  Kind = "access_token"
	KindRefreshToken Kind = "refresh_token"
	KindIDToken      Kind = "id_token"
	KindAccount      Kind = "account"
	KindAppMetadata  Kind = "app_metadata"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindAccessToken, KindRefreshToken, KindIDToken, KindAccount, KindAppMetadata}

// keyPrefix is the natural key prefix of each kind.
func (k Kind) keyPrefix() string {
	switch k {
	case KindAccessToken:
		return "accesstoken|"
	case KindRefreshToken:
		return "refreshtoken|"
	case KindIDToken:
		return "idtoken|"
	case KindAccount:
		return "account|"
	case KindAppMetadata:
		return "appmetadata|"
	default:
		return ""
	}
}

// KindOfKey returns the kind whose natural key prefix key carries.
func KindOfKey(key string) (Kind, bool) {
	for _, k := range Kinds {
		if strings.HasPrefix(key, k.keyPrefix()) {
			return k, true
		}
	}
	return "", false
}

// Record is a cached credential or metadata entry.
type Record interface {
	Kind() Kind
	// NaturalKey identifies the record; Upsert replaces by it.
	NaturalKey() string

	validate() error
	clone() Record
}

// secretRecord is a record with a sealed-at-rest field.
type secretRecord interface {
	Record
	secret() string
	withSecret(string) Record
}

func naturalKey(kind Kind, parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return kind.keyPrefix() + strings.Join(parts, "|")
}

func require(kind Kind, fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidArgument, kind, fields[i])
		}
	}
	return nil
}

// ============================================================
// AccessToken
// ============================================================

// AccessToken is a cached access token.
type AccessToken struct {
	HomeAccountID     string    `json:"home_account_id"`
	Environment       string    `json:"environment"`
	Realm             string    `json:"realm"`
	ClientID          string    `json:"client_id"`
	Authority         string    `json:"authority"`
	Scopes            []string  `json:"scopes"`
	Secret            string    `json:"secret"`
	TokenType         string    `json:"token_type,omitempty"`
	KeyID             string    `json:"key_id,omitempty"`
	ExpiresOn         time.Time `json:"expires_on"`
	ExtendedExpiresOn time.Time `json:"extended_expires_on"`
	RefreshOn         time.Time `json:"refresh_on"`
	CachedAt          time.Time `json:"cached_at"`
	UniqueID          string    `json:"unique_id,omitempty"`
	DisplayableID     string    `json:"displayable_id,omitempty"`
	Policy            string    `json:"policy,omitempty"`
}

// Kind implements Record.
func (t *AccessToken) Kind() Kind { return KindAccessToken }

// NaturalKey implements Record.
func (t *AccessToken) NaturalKey() string {
	return naturalKey(KindAccessToken,
		t.HomeAccountID, t.Authority, t.ClientID, t.Realm,
		JoinScopes(NormalizeScopes(t.Scopes)), t.Policy, t.KeyID)
}

// Key projects the token onto its CacheKey.
func (t *AccessToken) Key() CacheKey {
	return CacheKey{
		Authority:     t.Authority,
		Scopes:        slices.Clone(t.Scopes),
		ClientID:      t.ClientID,
		UniqueID:      t.UniqueID,
		DisplayableID: t.DisplayableID,
		HomeAccountID: t.HomeAccountID,
		Policy:        t.Policy,
	}
}

// IsExpired reports whether the token is unusable at now with buffer.
// Expiry is exclusive: a token expiring exactly at now+buffer is expired.
func (t *AccessToken) IsExpired(now time.Time, buffer time.Duration) bool {
	return security.IsExpired(t.ExpiresOn, now, buffer)
}

// IsExtendedValid reports whether the extended lifetime still covers now.
func (t *AccessToken) IsExtendedValid(now time.Time) bool {
	return !t.ExtendedExpiresOn.IsZero() && t.ExtendedExpiresOn.After(now)
}

// Clone returns a deep copy.
func (t *AccessToken) Clone() *AccessToken {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	return &c
}

func (t *AccessToken) validate() error {
	if err := require(KindAccessToken,
		"client_id", t.ClientID,
		"authority", t.Authority,
		"secret", t.Secret,
	); err != nil {
		return err
	}
	if t.ExpiresOn.IsZero() {
		return fmt.Errorf("%w: access_token requires expires_on", ErrInvalidArgument)
	}
	return nil
}

func (t *AccessToken) clone() Record { return t.Clone() }
func (t *AccessToken) secret() string { return t.Secret }
func (t *AccessToken) withSecret(s string) Record {
	c := t.Clone()
	c.Secret = s
	return c
}

// ============================================================
// RefreshToken
// ============================================================

// RefreshToken is a cached refresh token. It is not scoped; a token with an
// empty Resource may be redeemed for any scope under its environment.
type RefreshToken struct {
	HomeAccountID string    `json:"home_account_id"`
	Environment   string    `json:"environment"`
	ClientID      string    `json:"client_id"`
	Secret        string    `json:"secret"`
	FamilyID      string    `json:"family_id,omitempty"`
	Resource      string    `json:"resource,omitempty"`
	CachedAt      time.Time `json:"cached_at"`
	UniqueID      string    `json:"unique_id,omitempty"`
	DisplayableID string    `json:"displayable_id,omitempty"`
}

// Kind implements Record.
func (t *RefreshToken) Kind() Kind { return KindRefreshToken }

// NaturalKey implements Record.
func (t *RefreshToken) NaturalKey() string {
	if t.Resource != "" {
		return naturalKey(KindRefreshToken, t.HomeAccountID, t.Environment, t.ClientID, t.Resource)
	}
	return naturalKey(KindRefreshToken, t.HomeAccountID, t.Environment, t.ClientID)
}

// IsFamilyToken reports whether the token is shared across a client family.
func (t *RefreshToken) IsFamilyToken() bool { return t.FamilyID != "" }

// Clone returns a copy.
func (t *RefreshToken) Clone() *RefreshToken {
	c := *t
	return &c
}

func (t *RefreshToken) validate() error {
	return require(KindRefreshToken,
		"client_id", t.ClientID,
		"home_account_id", t.HomeAccountID,
		"environment", t.Environment,
		"secret", t.Secret,
	)
}

func (t *RefreshToken) clone() Record { return t.Clone() }
func (t *RefreshToken) secret() string { return t.Secret }
func (t *RefreshToken) withSecret(s string) Record {
	c := t.Clone()
	c.Secret = s
	return c
}

// ============================================================
// IDToken
// ============================================================

// IDToken is the raw ID token last issued for an account and client.
type IDToken struct {
	HomeAccountID string    `json:"home_account_id"`
	Environment   string    `json:"environment"`
	Realm         string    `json:"realm"`
	ClientID      string    `json:"client_id"`
	Secret        string    `json:"secret"`
	CachedAt      time.Time `json:"cached_at"`
}

// Kind implements Record.
func (t *IDToken) Kind() Kind { return KindIDToken }

// NaturalKey implements Record.
func (t *IDToken) NaturalKey() string {
	return naturalKey(KindIDToken, t.HomeAccountID, t.Environment, t.Realm, t.ClientID)
}

// Clone returns a copy.
func (t *IDToken) Clone() *IDToken {
	c := *t
	return &c
}

func (t *IDToken) validate() error {
	return require(KindIDToken,
		"client_id", t.ClientID,
		"home_account_id", t.HomeAccountID,
		"secret", t.Secret,
	)
}

func (t *IDToken) clone() Record { return t.Clone() }
func (t *IDToken) secret() string { return t.Secret }
func (t *IDToken) withSecret(s string) Record {
	c := t.Clone()
	c.Secret = s
	return c
}

// ============================================================
// Account
// ============================================================

// Account is a signed-in account in one tenant.
type Account struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	Realm          string `json:"realm"`
	LocalAccountID string `json:"local_account_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	AuthorityType  string `json:"authority_type,omitempty"`
}

// Kind implements Record.
func (a *Account) Kind() Kind { return KindAccount }

// NaturalKey implements Record.
func (a *Account) NaturalKey() string {
	return naturalKey(KindAccount, a.HomeAccountID, a.Environment, a.Realm)
}

// Clone returns a copy.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

func (a *Account) validate() error {
	return require(KindAccount,
		"home_account_id", a.HomeAccountID,
		"environment", a.Environment,
	)
}

func (a *Account) clone() Record { return a.Clone() }

// ============================================================
// AppMetadata
// ============================================================

// AppMetadata records what the authority told us about a client.
// An empty FamilyID means the client is known not to be a family member.
type AppMetadata struct {
	ClientID    string `json:"client_id"`
	Environment string `json:"environment"`
	FamilyID    string `json:"family_id"`
}

// Kind implements Record.
func (m *AppMetadata) Kind() Kind { return KindAppMetadata }

// NaturalKey implements Record.
func (m *AppMetadata) NaturalKey() string {
	return naturalKey(KindAppMetadata, m.Environment, m.ClientID)
}

// Clone returns a copy.
func (m *AppMetadata) Clone() *AppMetadata {
	c := *m
	return &c
}

func (m *AppMetadata) validate() error {
	return require(KindAppMetadata,
		"client_id", m.ClientID,
		"environment", m.Environment,
	)
}

func (m *AppMetadata) clone() Record { return m.Clone() }

// Compile-time interface checks
var (
	_ secretRecord = (*AccessToken)(nil)
	_ secretRecord = (*RefreshToken)(nil)
	_ secretRecord = (*IDToken)(nil)
	_ Record       = (*Account)(nil)
	_ Record       = (*AppMetadata)(nil)
)
