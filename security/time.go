package security

import "time"

// Clock supplies the current time. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IsExpired reports whether a token expiring at expiresOn is unusable at now.
// Expiry is exclusive: expiresOn == now is expired. A positive buffer treats
// the token as expired that much earlier. A zero expiresOn never expires.
func IsExpired(expiresOn, now time.Time, buffer time.Duration) bool {
	if expiresOn.IsZero() {
		return false
	}
	return !expiresOn.After(now.Add(buffer))
}

// ExpiresAt converts a relative lifetime in seconds to an absolute UTC instant.
// Negative lifetimes are clamped to zero, which makes the token expire at now.
func ExpiresAt(now time.Time, seconds int64) time.Time {
	if seconds < 0 {
		seconds = 0
	}
	return now.Add(time.Duration(seconds) * time.Second).UTC()
}
