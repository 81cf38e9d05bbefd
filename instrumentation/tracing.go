package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY WARNING: never put token secrets (access tokens, refresh tokens,
// ID tokens, authorization codes, client secrets) into span attributes.
// Home account identifiers are hashed before they are attached.
const (
	// Cache lookup attributes
	AttrClientID        = "tokencache.client_id"
	AttrHomeAccountHash = "tokencache.home_account_id_hash"
	AttrEnvironment     = "tokencache.environment"
	AttrRealm           = "tokencache.realm"
	AttrScopes          = "tokencache.scopes"
	AttrOutcome         = "tokencache.outcome"
	AttrReason          = "tokencache.reason"
	AttrCrossClient     = "tokencache.cross_client"
	AttrFamilyID        = "tokencache.family_id"
	AttrForceRefresh    = "tokencache.force_refresh"
	AttrCoalesced       = "tokencache.coalesced"
	AttrTokenRotated    = "tokencache.token_rotated" //nolint:gosec // flag only, never the token

	// Token endpoint attributes
	AttrGrantType     = "oauth.grant_type"
	AttrError         = "oauth.error"
	AttrSubError      = "oauth.suberror"
	AttrStatusCode    = "http.status_code"
	AttrCorrelationID = "oauth.correlation_id"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
	AttrStorageRecords   = "storage.records"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddLookupAttributes adds the identifying attributes of a silent lookup.
// homeHash must already be hashed.
func AddLookupAttributes(span trace.Span, clientID, homeHash, scopes string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if homeHash != "" {
		SetSpanAttributes(span, attribute.String(AttrHomeAccountHash, homeHash))
	}
	if scopes != "" {
		SetSpanAttributes(span, attribute.String(AttrScopes, scopes))
	}
}

// AddDecisionAttributes adds the resolver outcome to a span (nil-safe)
func AddDecisionAttributes(span trace.Span, outcome, reason string, crossClient bool) {
	SetSpanAttributes(span,
		attribute.String(AttrOutcome, outcome),
		attribute.String(AttrReason, reason),
		attribute.Bool(AttrCrossClient, crossClient),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddEndpointAttributes adds token endpoint call attributes to a span (nil-safe)
func AddEndpointAttributes(span trace.Span, grantType string, statusCode int, errCode string) {
	SetSpanAttributes(span,
		attribute.String(AttrGrantType, grantType),
		attribute.Int(AttrStatusCode, statusCode),
	)
	if errCode != "" {
		SetSpanAttributes(span, attribute.String(AttrError, errCode))
	}
}
