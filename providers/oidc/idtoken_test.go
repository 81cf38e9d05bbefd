package oidc

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/oauth-tokencache/internal/testutil"
)

func TestParseIDToken(t *testing.T) {
	raw := testutil.BuildIDToken(t, map[string]any{"aud": []string{"client-a", "client-b"}})

	claims, err := ParseIDToken(raw)
	if err != nil {
		t.Fatalf("ParseIDToken() error = %v", err)
	}
	if claims.ObjectID != testutil.TestUID || claims.TenantID != testutil.TestUTID {
		t.Errorf("oid/tid = %q/%q", claims.ObjectID, claims.TenantID)
	}
	if claims.Username() != testutil.TestUsername {
		t.Errorf("Username() = %q", claims.Username())
	}
	if claims.LocalAccountID() != testutil.TestUID {
		t.Errorf("LocalAccountID() = %q", claims.LocalAccountID())
	}
	if !claims.Audience.Contains("client-b") {
		t.Errorf("Audience = %v", claims.Audience)
	}
	if claims.Expiry == nil || !claims.Expiry.Time().Equal(testutil.TestNow.Add(time.Hour)) {
		t.Errorf("Expiry = %v", claims.Expiry)
	}
}

func TestParseIDToken_Malformed(t *testing.T) {
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := ParseIDToken(raw); !errors.Is(err, ErrMalformedToken) {
			t.Errorf("ParseIDToken(%q) error = %v, want ErrMalformedToken", raw, err)
		}
	}
}

func TestIDTokenClaims_Fallbacks(t *testing.T) {
	c := &IDTokenClaims{Subject: "sub", UPN: "upn@contoso.com", Email: "mail@contoso.com"}
	if got := c.Username(); got != "upn@contoso.com" {
		t.Errorf("Username() = %q", got)
	}
	if got := c.LocalAccountID(); got != "sub" {
		t.Errorf("LocalAccountID() = %q", got)
	}
}

func TestParseClientInfo(t *testing.T) {
	raw := testutil.BuildClientInfo("uid", "utid")

	info, err := ParseClientInfo(raw)
	if err != nil {
		t.Fatalf("ParseClientInfo() error = %v", err)
	}
	if info.UID != "uid" || info.UTID != "utid" {
		t.Errorf("info = %+v", info)
	}

	padded := base64.URLEncoding.EncodeToString([]byte(`{"uid":"u","utid":"t"}`))
	if info, err := ParseClientInfo(padded); err != nil || info.UID != "u" {
		t.Errorf("ParseClientInfo(padded) = %+v, %v", info, err)
	}

	for _, bad := range []string{"!!!", base64.RawURLEncoding.EncodeToString([]byte(`{"uid":"u"}`)), base64.RawURLEncoding.EncodeToString([]byte(`nope`))} {
		if _, err := ParseClientInfo(bad); !errors.Is(err, ErrMalformedToken) {
			t.Errorf("ParseClientInfo(%q) error = %v, want ErrMalformedToken", bad, err)
		}
	}
}

func TestHomeAccountID(t *testing.T) {
	tests := []struct {
		name   string
		info   *ClientInfo
		claims *IDTokenClaims
		want   string
	}{
		{name: "client info", info: &ClientInfo{UID: "u", UTID: "t"}, claims: &IDTokenClaims{ObjectID: "o", TenantID: "x"}, want: "u.t"},
		{name: "oid and tid", claims: &IDTokenClaims{ObjectID: "o", TenantID: "x", Subject: "s"}, want: "o.x"},
		{name: "subject", claims: &IDTokenClaims{Subject: "s"}, want: "s"},
		{name: "nothing", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HomeAccountID(tt.info, tt.claims); got != tt.want {
				t.Errorf("HomeAccountID() = %q, want %q", got, tt.want)
			}
		})
	}
}
