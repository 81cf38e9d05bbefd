package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the token cache.
type Metrics struct {
	// Cache
	CacheLookups        metric.Int64Counter
	TokenRefreshes      metric.Int64Counter
	RefreshDuration     metric.Float64Histogram
	RefreshCoalesced    metric.Int64Counter
	InteractionRequired metric.Int64Counter
	RefreshThrottled    metric.Int64Counter
	CorruptRecords      metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageRecords           metric.Int64ObservableGauge

	// Token endpoint
	EndpointCallsTotal metric.Int64Counter
	EndpointDuration   metric.Float64Histogram
	EndpointErrors     metric.Int64Counter

	// Security
	AuditEventsTotal          metric.Int64Counter
	EncryptionOperationsTotal metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	dst         *metric.Float64Histogram
	meter       metric.Meter
	name        string
	description string
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	flowMeter := inst.Meter("flow")
	storageMeter := inst.Meter("storage")
	endpointMeter := inst.Meter("endpoint")
	securityMeter := inst.Meter("security")

	counters := []counterSpec{
		{&m.CacheLookups, flowMeter, "tokencache.lookup.total", "Silent lookups by outcome", "{lookup}"},
		{&m.TokenRefreshes, flowMeter, "tokencache.refresh.total", "Refresh token redemptions by result", "{refresh}"},
		{&m.RefreshCoalesced, flowMeter, "tokencache.refresh.coalesced.total", "Callers that shared an in-flight refresh", "{call}"},
		{&m.InteractionRequired, flowMeter, "tokencache.interaction_required.total", "Silent requests that require user interaction", "{failure}"},
		{&m.RefreshThrottled, flowMeter, "tokencache.refresh.throttled.total", "Refreshes refused by the throttle", "{refresh}"},
		{&m.CorruptRecords, storageMeter, "tokencache.corrupt_records.total", "Cache records dropped because they could not be decoded", "{record}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.EndpointCallsTotal, endpointMeter, "endpoint.calls.total", "Token endpoint calls", "{call}"},
		{&m.EndpointErrors, endpointMeter, "endpoint.errors.total", "Token endpoint errors", "{error}"},
		{&m.AuditEventsTotal, securityMeter, "tokencache.audit.events.total", "Security audit events", "{event}"},
		{&m.EncryptionOperationsTotal, securityMeter, "tokencache.encryption.operations.total", "Encrypt and decrypt operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	histograms := []histogramSpec{
		{&m.RefreshDuration, flowMeter, "tokencache.refresh.duration", "Refresh latency in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.EndpointDuration, endpointMeter, "endpoint.duration", "Token endpoint call duration in milliseconds"},
	}
	for _, h := range histograms {
		hist, err := h.meter.Float64Histogram(h.name,
			metric.WithDescription(h.description),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = hist
	}

	var err error
	m.StorageRecords, err = storageMeter.Int64ObservableGauge("storage.records",
		metric.WithDescription("Records currently stored, per kind"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.records gauge: %w", err)
	}

	return m, nil
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String("kind", kind)
}

// RecordCacheLookup records a silent lookup outcome ("hit", "refresh", "miss").
func (m *Metrics) RecordCacheLookup(ctx context.Context, outcome, reason string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	))
}

// RecordTokenRefresh records a refresh attempt. result is one of "success",
// "invalid_grant", "interaction_required", "transient", "error" or "cancelled".
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID, result string, crossClient bool, durationMs float64) {
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
		attribute.Bool("cross_client", crossClient),
	))
	m.RefreshDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRefreshCoalesced records a caller that waited on another caller's refresh.
func (m *Metrics) RecordRefreshCoalesced(ctx context.Context, clientID string) {
	m.RefreshCoalesced.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordInteractionRequired records an InteractionRequired failure by code.
func (m *Metrics) RecordInteractionRequired(ctx context.Context, code string) {
	m.InteractionRequired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
	))
}

// RecordRefreshThrottled records a refresh refused by the throttle.
func (m *Metrics) RecordRefreshThrottled(ctx context.Context, clientID string) {
	m.RefreshThrottled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCorruptRecord records a dropped record of the given kind.
func (m *Metrics) RecordCorruptRecord(ctx context.Context, kind string) {
	m.CorruptRecords.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordEndpointCall records a token endpoint call. statusCode is 0 when no
// HTTP response was received.
func (m *Metrics) RecordEndpointCall(ctx context.Context, grantType string, statusCode int, durationMs float64, err error) {
	m.EndpointCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.Int("status", statusCode),
	))
	m.EndpointDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))

	if err != nil {
		errorType := "transport"
		switch {
		case statusCode >= 500:
			errorType = "server_error"
		case statusCode >= 400:
			errorType = "client_error"
		}
		m.EndpointErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("grant_type", grantType),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordAuditEvent records an audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an "encrypt" or "decrypt" operation.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
