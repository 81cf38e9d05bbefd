package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than maxLen", "short", 10, "short"},
		{"equal to maxLen", "exactly10c", 10, "exactly10c"},
		{"longer than maxLen", "uid-0123456789.utid-abcdef", 8, "uid-0123"},
		{"empty", "", 5, ""},
		{"zero maxLen", "test", 0, ""},
		{"negative maxLen", "test", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestEnsureTrailingSlash(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://login.microsoftonline.com/common", "https://login.microsoftonline.com/common/"},
		{"https://login.microsoftonline.com/common/", "https://login.microsoftonline.com/common/"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := EnsureTrailingSlash(tt.input); got != tt.want {
				t.Errorf("EnsureTrailingSlash(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

