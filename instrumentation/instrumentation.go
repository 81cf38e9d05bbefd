package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty.
	DefaultServiceName = "oauth-tokencache"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty.
	DefaultServiceVersion = "unknown"

	instrumentationPrefix = "github.com/giantswarm/oauth-tokencache/"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName is the name reported in the resource (default "oauth-tokencache").
	ServiceName string

	// ServiceVersion is the version reported in the resource.
	ServiceVersion string

	// Enabled turns instrumentation on. When false, no-op providers are used
	// regardless of MeterProvider and TracerProvider.
	Enabled bool

	// MeterProvider receives all metrics. Nil means no-op.
	MeterProvider metric.MeterProvider

	// TracerProvider receives all spans. Nil means no-op.
	TracerProvider trace.TracerProvider

	// Resource overrides the default resource built from service name and version.
	Resource *resource.Resource
}

// Instrumentation bundles the providers and pre-built metric instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// shutdownFuncs are registered during New only.
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation from config.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if config.Enabled {
		if config.MeterProvider != nil {
			inst.meterProvider = config.MeterProvider
			inst.addShutdown(config.MeterProvider)
		}
		if config.TracerProvider != nil {
			inst.tracerProvider = config.TracerProvider
			inst.addShutdown(config.TracerProvider)
		}
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// NewNoop returns a disabled Instrumentation without a resource.
func NewNoop() *Instrumentation {
	inst := &Instrumentation{
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	// No-op instruments cannot fail to build.
	inst.metrics, _ = newMetrics(inst)
	return inst
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// addShutdown registers p for Shutdown if it supports it (the sdk providers do).
func (i *Instrumentation) addShutdown(p any) {
	if s, ok := p.(shutdowner); ok {
		i.shutdownFuncs = append(i.shutdownFuncs, s.Shutdown)
	}
}

// Shutdown runs registered shutdown functions once and returns the first error.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a meter for scope, e.g. "flow", "storage", "endpoint", "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a tracer for scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the OpenTelemetry resource describing this service.
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// MeterProvider returns the active meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// TracerProvider returns the active tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// RecordCountsFunc reports the number of stored records per kind.
type RecordCountsFunc func() map[string]int64

// RegisterRecordCounts registers an observable callback for storage.records.
// The returned function unregisters it.
func (i *Instrumentation) RegisterRecordCounts(counts RecordCountsFunc) (func() error, error) {
	if counts == nil {
		return func() error { return nil }, nil
	}

	reg, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			for kind, n := range counts() {
				observer.ObserveInt64(i.metrics.StorageRecords, n, metric.WithAttributes(kindAttr(kind)))
			}
			return nil
		},
		i.metrics.StorageRecords,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register record count callback: %w", err)
	}
	return reg.Unregister, nil
}
