package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-tokencache/storage"
)

// Fixture identities shared by the package tests.
const (
	TestAuthority       = "https://login.microsoftonline.com/common/"
	TestTenantAuthority = "https://login.microsoftonline.com/utid/"
	TestEnvironment     = "login.windows.net"
	TestClientID        = "client-a"
	TestSiblingClientID = "client-b"
	TestFamilyID        = "1"
	TestUID             = "uid"
	TestUTID            = "utid"
	TestHomeAccountID   = "uid.utid"
	TestUsername        = "user@contoso.com"
)

// TestNow is a fixed reference time.
var TestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// MockClock provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new mock clock
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// ============================================================
// Record builders
// ============================================================

// NewAccessToken returns a valid access token for the fixture account,
// cached at now and expiring one hour later.
func NewAccessToken(now time.Time, scopes ...string) *storage.AccessToken {
	return &storage.AccessToken{
		HomeAccountID:     TestHomeAccountID,
		Environment:       TestEnvironment,
		Realm:             TestUTID,
		ClientID:          TestClientID,
		Authority:         TestAuthority,
		Scopes:            scopes,
		Secret:            "at-" + GenerateRandomString(16),
		TokenType:         "Bearer",
		ExpiresOn:         now.Add(time.Hour),
		ExtendedExpiresOn: now.Add(2 * time.Hour),
		CachedAt:          now,
		UniqueID:          TestUID,
		DisplayableID:     TestUsername,
	}
}

// NewRefreshToken returns a multi-resource refresh token for the fixture
// account under clientID.
func NewRefreshToken(now time.Time, clientID string) *storage.RefreshToken {
	return &storage.RefreshToken{
		HomeAccountID: TestHomeAccountID,
		Environment:   TestEnvironment,
		ClientID:      clientID,
		Secret:        "rt-" + GenerateRandomString(16),
		CachedAt:      now,
		UniqueID:      TestUID,
		DisplayableID: TestUsername,
	}
}

// NewFamilyRefreshToken is NewRefreshToken with the fixture family id.
func NewFamilyRefreshToken(now time.Time, clientID string) *storage.RefreshToken {
	rt := NewRefreshToken(now, clientID)
	rt.FamilyID = TestFamilyID
	return rt
}

// NewAccount returns the fixture account.
func NewAccount() *storage.Account {
	return &storage.Account{
		HomeAccountID:  TestHomeAccountID,
		Environment:    TestEnvironment,
		Realm:          TestUTID,
		LocalAccountID: TestUID,
		Username:       TestUsername,
		Name:           "Test User",
		AuthorityType:  "MSSTS",
	}
}

// ============================================================
// Token endpoint payloads
// ============================================================

var (
	signingKeyOnce sync.Once
	signingKey     []byte
)

// BuildIDToken signs claims as a JWT with a throwaway HS256 key. Defaults for
// the fixture account are filled in for any claim not given.
func BuildIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()

	signingKeyOnce.Do(func() {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			panic(fmt.Sprintf("failed to generate signing key: %v", err))
		}
	})

	all := map[string]any{
		"iss":                "https://login.microsoftonline.com/" + TestUTID + "/v2.0",
		"sub":                "subject",
		"aud":                TestClientID,
		"oid":                TestUID,
		"tid":                TestUTID,
		"preferred_username": TestUsername,
		"name":               "Test User",
		"iat":                TestNow.Unix(),
		"exp":                TestNow.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		all[k] = v
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(all).Serialize()
	if err != nil {
		t.Fatalf("failed to sign ID token: %v", err)
	}
	return raw
}

// BuildClientInfo returns the base64url client_info blob for uid and utid.
func BuildClientInfo(uid, utid string) string {
	b, err := json.Marshal(map[string]string{"uid": uid, "utid": utid})
	if err != nil {
		panic(fmt.Sprintf("failed to marshal client_info: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}
