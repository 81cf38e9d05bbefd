package storage

import (
	"strings"
	"testing"
	"time"
)

func TestAccessToken_NaturalKey(t *testing.T) {
	a := &AccessToken{
		HomeAccountID: "UID.UTID",
		Authority:     testAuthority,
		ClientID:      "Client",
		Realm:         "UTID",
		Scopes:        []string{"User.Read", "mail.read"},
	}
	b := &AccessToken{
		HomeAccountID: "uid.utid",
		Authority:     testAuthority,
		ClientID:      "client",
		Realm:         "utid",
		Scopes:        []string{"Mail.Read", "user.read", "USER.READ"},
	}
	if a.NaturalKey() != b.NaturalKey() {
		t.Errorf("natural keys differ:\n%s\n%s", a.NaturalKey(), b.NaturalKey())
	}
	if !strings.HasPrefix(a.NaturalKey(), "accesstoken|") {
		t.Errorf("NaturalKey() = %q", a.NaturalKey())
	}

	b.KeyID = "pop-key"
	if a.NaturalKey() == b.NaturalKey() {
		t.Error("key id must be part of the natural key")
	}
}

func TestRefreshToken_NaturalKey(t *testing.T) {
	rt := &RefreshToken{HomeAccountID: "h", Environment: "login.windows.net", ClientID: "c"}
	if got := rt.NaturalKey(); got != "refreshtoken|h|login.windows.net|c" {
		t.Errorf("NaturalKey() = %q", got)
	}

	rt.Resource = "https://graph.microsoft.com"
	if got := rt.NaturalKey(); !strings.HasSuffix(got, "|https://graph.microsoft.com") {
		t.Errorf("single-resource NaturalKey() = %q", got)
	}

	rt.FamilyID = "1"
	if !rt.IsFamilyToken() {
		t.Error("IsFamilyToken() = false")
	}
}

func TestKindOfKey(t *testing.T) {
	for _, kind := range Kinds {
		if got, ok := KindOfKey(kind.keyPrefix() + "x"); !ok || got != kind {
			t.Errorf("KindOfKey(%s) = %v, %v", kind, got, ok)
		}
	}
	if _, ok := KindOfKey("unknown|x"); ok {
		t.Error("KindOfKey() accepted an unknown prefix")
	}
}

func TestAccessToken_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := &AccessToken{ExpiresOn: now, ExtendedExpiresOn: now.Add(time.Hour)}

	if !at.IsExpired(now, 0) {
		t.Error("a token expiring exactly now must be expired")
	}
	if at.IsExpired(now.Add(-time.Second), 0) {
		t.Error("a token expiring in one second must not be expired")
	}
	if !at.IsExpired(now.Add(-time.Minute), 5*time.Minute) {
		t.Error("buffer must be applied")
	}
	if !at.IsExtendedValid(now) {
		t.Error("IsExtendedValid() = false inside the extended lifetime")
	}
	if at.IsExtendedValid(now.Add(time.Hour)) {
		t.Error("extended expiry must be exclusive")
	}
}

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		wantErr bool
	}{
		{"access token ok", &AccessToken{ClientID: "c", Authority: testAuthority, Secret: "s", ExpiresOn: time.Now()}, false},
		{"access token without expiry", &AccessToken{ClientID: "c", Authority: testAuthority, Secret: "s"}, true},
		{"access token without secret", &AccessToken{ClientID: "c", Authority: testAuthority, ExpiresOn: time.Now()}, true},
		{"refresh token ok", &RefreshToken{ClientID: "c", HomeAccountID: "h", Environment: "e", Secret: "s"}, false},
		{"refresh token without home", &RefreshToken{ClientID: "c", Environment: "e", Secret: "s"}, true},
		{"account ok", &Account{HomeAccountID: "h", Environment: "e"}, false},
		{"account without environment", &Account{HomeAccountID: "h"}, true},
		{"app metadata ok", &AppMetadata{ClientID: "c", Environment: "e"}, false},
		{"id token without secret", &IDToken{ClientID: "c", HomeAccountID: "h"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAccessToken_CloneIsDeep(t *testing.T) {
	at := &AccessToken{Scopes: []string{"a"}}
	c := at.Clone()
	c.Scopes[0] = "b"
	if at.Scopes[0] != "a" {
		t.Error("Clone() shares the scope slice")
	}
}
