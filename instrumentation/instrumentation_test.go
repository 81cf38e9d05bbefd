package instrumentation

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{
		Enabled:       true,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt64(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()

	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("aggregation is %T, want Sum[int64]", data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.Metrics() == nil {
		t.Fatal("Metrics() = nil")
	}
	if inst.Resource() == nil {
		t.Fatal("Resource() = nil")
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNew_DisabledIgnoresProviders(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	inst, err := New(Config{Enabled: false, MeterProvider: mp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	inst.Metrics().RecordCacheLookup(context.Background(), "hit", "")

	if data := collect(t, reader); len(data) != 0 {
		t.Errorf("disabled instrumentation exported %d metrics", len(data))
	}
}

func TestNewNoop(t *testing.T) {
	inst := NewNoop()
	ctx := context.Background()

	// Should not panic
	inst.Metrics().RecordCacheLookup(ctx, "miss", "no_refresh_token")
	inst.Metrics().RecordTokenRefresh(ctx, "client", "success", false, 12)
	_, span := inst.Tracer("flow").Start(ctx, "flow.refresh")
	span.End()

	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestMetrics_Counters(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordCacheLookup(ctx, "hit", "")
	m.RecordCacheLookup(ctx, "refresh", "expired")
	m.RecordCacheLookup(ctx, "miss", "no_refresh_token")
	m.RecordTokenRefresh(ctx, "client-a", "success", true, 40)
	m.RecordRefreshCoalesced(ctx, "client-a")
	m.RecordRefreshCoalesced(ctx, "client-a")
	m.RecordInteractionRequired(ctx, "invalid_grant")
	m.RecordRefreshThrottled(ctx, "client-a")
	m.RecordCorruptRecord(ctx, "access_token")
	m.RecordStorageOperation(ctx, "apply", "success", 1.5)
	m.RecordEndpointCall(ctx, "refresh_token", 200, 20, nil)
	m.RecordAuditEvent(ctx, "token_refreshed")
	m.RecordEncryptionOperation(ctx, "encrypt")

	data := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"tokencache.lookup.total", 3},
		{"tokencache.refresh.total", 1},
		{"tokencache.refresh.coalesced.total", 2},
		{"tokencache.interaction_required.total", 1},
		{"tokencache.refresh.throttled.total", 1},
		{"tokencache.corrupt_records.total", 1},
		{"storage.operation.total", 1},
		{"endpoint.calls.total", 1},
		{"tokencache.audit.events.total", 1},
		{"tokencache.encryption.operations.total", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, ok := data[tt.name]
			if !ok {
				t.Fatalf("metric %s not exported", tt.name)
			}
			if got := sumInt64(t, agg); got != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
			}
		})
	}

	if _, ok := data["endpoint.errors.total"]; ok {
		t.Error("endpoint.errors.total exported for a successful call")
	}
	if _, ok := data["tokencache.refresh.duration"].(metricdata.Histogram[float64]); !ok {
		t.Error("tokencache.refresh.duration is not a float64 histogram")
	}
}

func TestMetrics_RecordEndpointCall_ErrorTypes(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordEndpointCall(ctx, "refresh_token", 0, 5, context.DeadlineExceeded)
	m.RecordEndpointCall(ctx, "refresh_token", 400, 5, context.Canceled)
	m.RecordEndpointCall(ctx, "refresh_token", 503, 5, context.Canceled)

	data := collect(t, reader)
	sum, ok := data["endpoint.errors.total"].(metricdata.Sum[int64])
	if !ok {
		t.Fatal("endpoint.errors.total missing")
	}

	got := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value("error_type")
		got[v.AsString()] += dp.Value
	}
	for _, want := range []string{"transport", "client_error", "server_error"} {
		if got[want] != 1 {
			t.Errorf("error_type %q = %d, want 1", want, got[want])
		}
	}
}

func TestRegisterRecordCounts(t *testing.T) {
	inst, reader := newTestInstrumentation(t)

	unregister, err := inst.RegisterRecordCounts(func() map[string]int64 {
		return map[string]int64{"access_token": 3, "refresh_token": 1}
	})
	if err != nil {
		t.Fatalf("RegisterRecordCounts() error = %v", err)
	}

	data := collect(t, reader)
	gauge, ok := data["storage.records"].(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("storage.records is %T, want Gauge[int64]", data["storage.records"])
	}
	var total int64
	for _, dp := range gauge.DataPoints {
		total += dp.Value
	}
	if total != 4 {
		t.Errorf("storage.records total = %d, want 4", total)
	}

	if err := unregister(); err != nil {
		t.Errorf("unregister() error = %v", err)
	}
}

func TestRegisterRecordCounts_Nil(t *testing.T) {
	inst := NewNoop()
	unregister, err := inst.RegisterRecordCounts(nil)
	if err != nil {
		t.Fatalf("RegisterRecordCounts(nil) error = %v", err)
	}
	if err := unregister(); err != nil {
		t.Errorf("unregister() error = %v", err)
	}
}

func TestTracingHelpers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	inst, err := New(Config{Enabled: true, TracerProvider: tp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("flow").Start(context.Background(), "flow.acquire_silent")
	AddLookupAttributes(span, "client", "hash", "read write")
	AddDecisionAttributes(span, "refresh", "expired", false)
	RecordError(span, context.Canceled)
	span.End()

	// nil spans are tolerated
	RecordError(nil, context.Canceled)
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	AddStorageAttributes(nil, "get", "memory")
	AddEndpointAttributes(nil, "refresh_token", 400, "invalid_grant")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "flow.acquire_silent" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if len(spans[0].Attributes) != 6 {
		t.Errorf("span has %d attributes, want 6", len(spans[0].Attributes))
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
