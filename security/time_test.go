package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresOn time.Time
		buffer    time.Duration
		want      bool
	}{
		{"expires in one hour", now.Add(time.Hour), 0, false},
		{"expires exactly now", now, 0, true},
		{"expired one second ago", now.Add(-time.Second), 0, true},
		{"one nanosecond left", now.Add(time.Nanosecond), 0, false},
		{"inside buffer", now.Add(2 * time.Minute), 5 * time.Minute, true},
		{"outside buffer", now.Add(10 * time.Minute), 5 * time.Minute, false},
		{"zero time never expires", time.Time{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresOn, now, tt.buffer); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpiresAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	got := ExpiresAt(now, 3600)
	if !got.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt() = %v, want %v", got, now.Add(time.Hour))
	}
	if got.Location() != time.UTC {
		t.Errorf("ExpiresAt() location = %v, want UTC", got.Location())
	}
	if got := ExpiresAt(now, -5); !got.Equal(now) {
		t.Errorf("ExpiresAt(negative) = %v, want now", got)
	}
}

func TestSystemClock(t *testing.T) {
	if loc := (SystemClock{}).Now().Location(); loc != time.UTC {
		t.Errorf("SystemClock location = %v, want UTC", loc)
	}
}
