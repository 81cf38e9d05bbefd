package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events with user identifiers hashed.
// A nil *Auditor is valid and drops every event.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates an auditor writing to logger.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event is a single audit record.
type Event struct {
	Type          string
	HomeAccountID string
	ClientID      string
	CorrelationID string
	Details       map[string]any
	Timestamp     time.Time
}

// LogEvent writes event. The home account id is hashed before logging.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"home_account_id_hash", HashForLogging(event.HomeAccountID),
		"client_id", event.ClientID,
		"correlation_id", event.CorrelationID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenRefreshed records a successful refresh. crossClient is true when a
// family refresh token of another client was redeemed.
func (a *Auditor) LogTokenRefreshed(homeAccountID, clientID, correlationID string, rotated, crossClient bool) {
	a.LogEvent(Event{
		Type:          EventTokenRefreshed,
		HomeAccountID: homeAccountID,
		ClientID:      clientID,
		CorrelationID: correlationID,
		Details: map[string]any{
			"rotated":      rotated,
			"cross_client": crossClient,
		},
	})
}

// LogRefreshTokenRemoved records removal of a dead refresh token.
func (a *Auditor) LogRefreshTokenRemoved(homeAccountID, clientID, correlationID, subError string) {
	a.LogEvent(Event{
		Type:          EventRefreshTokenRemoved,
		HomeAccountID: homeAccountID,
		ClientID:      clientID,
		CorrelationID: correlationID,
		Details: map[string]any{
			"sub_error": subError,
		},
	})
}

// LogFamilyTokenUsed records use of a family refresh token owned by ownerClientID.
func (a *Auditor) LogFamilyTokenUsed(homeAccountID, clientID, ownerClientID, familyID string) {
	a.LogEvent(Event{
		Type:          EventFamilyTokenUsed,
		HomeAccountID: homeAccountID,
		ClientID:      clientID,
		Details: map[string]any{
			"owner_client_id": ownerClientID,
			"family_id":       familyID,
		},
	})
}

// LogAccountRemoved records an account removal and the number of records deleted.
func (a *Auditor) LogAccountRemoved(homeAccountID, clientID string, removed int) {
	a.LogEvent(Event{
		Type:          EventAccountRemoved,
		HomeAccountID: homeAccountID,
		ClientID:      clientID,
		Details: map[string]any{
			"records_removed": removed,
		},
	})
}

// HashForLogging returns the first 16 hex characters of SHA-256(sensitive).
// Logs and spans carry it instead of account identifiers.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
