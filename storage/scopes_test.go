package storage

import (
	"slices"
	"testing"
)

func TestNormalizeScopes(t *testing.T) {
	got := NormalizeScopes([]string{" User.Read ", "mail.read", "user.read", "", "Mail.Read"})
	want := []string{"mail.read", "user.read"}
	if !slices.Equal(got, want) {
		t.Errorf("NormalizeScopes() = %v, want %v", got, want)
	}

	if got := NormalizeScopes(nil); got == nil || len(got) != 0 {
		t.Errorf("NormalizeScopes(nil) = %#v, want empty non-nil", got)
	}
}

func TestParseAndJoinScopes(t *testing.T) {
	got := ParseScopes("  openid   User.Read\tMail.Read ")
	want := []string{"openid", "User.Read", "Mail.Read"}
	if !slices.Equal(got, want) {
		t.Errorf("ParseScopes() = %v, want %v", got, want)
	}
	if s := JoinScopes(want); s != "openid User.Read Mail.Read" {
		t.Errorf("JoinScopes() = %q", s)
	}
}

func TestReservedScopes(t *testing.T) {
	in := []string{"openid", "User.Read", "Profile", "offline_access"}
	if got := WithoutReserved(in); !slices.Equal(got, []string{"User.Read"}) {
		t.Errorf("WithoutReserved() = %v", got)
	}

	got := WithReserved([]string{"User.Read", "openid"})
	want := []string{"User.Read", "openid", "profile", "offline_access"}
	if !slices.Equal(got, want) {
		t.Errorf("WithReserved() = %v, want %v", got, want)
	}
}

func TestScopeResource(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{"https://graph.microsoft.com/User.Read", "https://graph.microsoft.com"},
		{"https://graph.microsoft.com/.default", "https://graph.microsoft.com"},
		{"api://my-api/access_as_user", "api://my-api"},
		{"https://vault.azure.net/a/b", "https://vault.azure.net/a"},
		{"00000003-0000-0000-c000-000000000000/User.Read", "00000003-0000-0000-c000-000000000000"},
		{"User.Read", ""},
		{"https://graph.microsoft.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			if got := ScopeResource(tt.scope); got != tt.want {
				t.Errorf("ScopeResource(%q) = %q, want %q", tt.scope, got, tt.want)
			}
		})
	}
}
