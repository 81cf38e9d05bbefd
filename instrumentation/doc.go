// Package instrumentation provides OpenTelemetry metrics and tracing for the
// token cache.
//
// Instrumentation is off by default and uses no-op providers, so it costs
// nothing unless enabled. Applications pass their own providers to export data:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-app",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  otel.GetMeterProvider(),
//		TracerProvider: otel.GetTracerProvider(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Cache:
//   - tokencache.lookup.total{outcome, reason} - silent lookups by HIT/REFRESH/MISS
//   - tokencache.refresh.total{client_id, result, cross_client} - refresh attempts
//   - tokencache.refresh.duration{result} - refresh latency in milliseconds
//   - tokencache.refresh.coalesced.total{client_id} - callers that joined an in-flight refresh
//   - tokencache.interaction_required.total{code} - InteractionRequired failures
//   - tokencache.refresh.throttled.total{client_id} - refreshes refused by the throttle
//   - tokencache.corrupt_records.total{kind} - records dropped because they could not be decoded
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.records{kind} - records currently stored, per kind
//
// Token endpoint:
//   - endpoint.calls.total{grant_type, status}
//   - endpoint.duration{grant_type}
//   - endpoint.errors.total{grant_type, error_type}
//
// Security:
//   - tokencache.audit.events.total{event_type}
//   - tokencache.encryption.operations.total{operation}
//
// # Tracing
//
// Spans are created for silent acquisition ("flow.acquire_silent"), refresh
// ("flow.refresh"), storage operations ("storage.<operation>") and token
// endpoint calls ("endpoint.token"). Span attributes never carry secrets; see
// the Attr* constants.
package instrumentation
