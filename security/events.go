package security

// Audit event types written by the token cache.
const (
	// EventTokenRefreshed is logged when a refresh token was redeemed successfully.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenAcquired is logged when tokens from an interactive or auth code flow are cached.
	EventTokenAcquired = "token_acquired"

	// EventRefreshTokenRemoved is logged when the token endpoint rejected a refresh
	// token with invalid_grant and it was removed from the cache.
	EventRefreshTokenRemoved = "refresh_token_removed" //nolint:gosec // G101: event type name, not a credential

	// EventFamilyTokenUsed is logged when a refresh token owned by another client
	// of the same family was used.
	EventFamilyTokenUsed = "family_token_used"

	// EventFamilyMembershipRevoked is logged when the token endpoint reported that
	// the client is not a member of the family (client_mismatch).
	EventFamilyMembershipRevoked = "family_membership_revoked"

	// EventAccountRemoved is logged when an account and its tokens were removed.
	EventAccountRemoved = "account_removed"

	// EventCacheCleared is logged when the whole cache was cleared.
	EventCacheCleared = "cache_cleared"

	// EventCorruptRecordDropped is logged when a stored record could not be decoded and was dropped.
	EventCorruptRecordDropped = "corrupt_record_dropped"

	// EventRefreshThrottled is logged when a refresh was refused by the throttle.
	EventRefreshThrottled = "refresh_throttled"
)
