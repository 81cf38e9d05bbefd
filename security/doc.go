// Package security provides the protective pieces of the token cache:
// encryption of cached secrets at rest, expiry arithmetic, a per-account
// refresh throttle and a security audit log.
//
// # Encryption at rest
//
// Encryptor seals strings with AES-256-GCM and returns base64 text. Derive
// produces independent sub-keys with HKDF-SHA256 so that each record kind is
// sealed with its own key:
//
//	key, _ := security.GenerateKey()
//	enc, _ := security.NewEncryptor(key)
//	atKey, _ := enc.Derive("accesstoken")
//	sealed, _ := atKey.Encrypt(secret)
//
// A nil or empty key yields a disabled Encryptor that passes values through.
//
// # Expiry
//
// Expiry is exclusive: a token whose expiry equals now is expired. IsExpired
// takes an optional buffer that treats tokens as expired slightly early.
//
// # Refresh throttling
//
// RefreshThrottle is a token bucket per client and account. It caps how often
// one caller can hit the token endpoint through the silent flow, with LRU
// eviction so memory stays bounded:
//
//	throttle := security.NewRefreshThrottle(1, 5, logger)
//	defer throttle.Stop()
//	if !throttle.Allow(clientID + "|" + homeAccountID) {
//	    // surface a retryable "throttled" error
//	}
//
// # Audit logging
//
// Auditor writes security-relevant cache events to slog with user
// identifiers hashed.
package security
