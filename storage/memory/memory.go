package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// Backend is an in-memory storage.Backend.
type Backend struct {
	mu   sync.RWMutex
	data map[string][]byte

	// generation increments on every change and is the backend version.
	generation atomic.Uint64

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Backend   = (*Backend)(nil)
	_ storage.Versioner = (*Backend)(nil)
)

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		data:   make(map[string][]byte),
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger
func (b *Backend) SetLogger(logger *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the backend
func (b *Backend) SetInstrumentation(inst *instrumentation.Instrumentation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instrumentation = inst
	if inst != nil {
		b.tracer = inst.Tracer("storage")
	}
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := b.startStorageSpan(ctx, "get")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "get", err, startTime) }()

	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

// List implements storage.Backend. Entries are sorted by key.
func (b *Backend) List(ctx context.Context, prefix string) (entries []storage.Entry, err error) {
	ctx, span := b.startStorageSpan(ctx, "list")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "list", err, startTime) }()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range slices.Sorted(maps.Keys(b.data)) {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, storage.Entry{Key: key, Value: slices.Clone(b.data[key])})
		}
	}
	return entries, nil
}

// Apply implements storage.Backend. The whole batch is applied under one lock.
func (b *Backend) Apply(ctx context.Context, batch storage.Batch) (err error) {
	ctx, span := b.startStorageSpan(ctx, "apply")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "apply", err, startTime) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range batch.Puts {
		if e.Key == "" {
			return fmt.Errorf("%w: empty key", storage.ErrInvalidArgument)
		}
	}
	if batch.IsEmpty() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range batch.Deletes {
		delete(b.data, key)
	}
	for _, e := range batch.Puts {
		b.data[e.Key] = slices.Clone(e.Value)
	}
	b.generation.Add(1)

	b.logger.Debug("Applied batch",
		"puts", len(batch.Puts),
		"deletes", len(batch.Deletes))
	return nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, keys ...string) (err error) {
	ctx, span := b.startStorageSpan(ctx, "delete")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "delete", err, startTime) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false
	for _, key := range keys {
		if _, ok := b.data[key]; ok {
			delete(b.data, key)
			changed = true
		}
	}
	if changed {
		b.generation.Add(1)
	}
	return nil
}

// Put stores a raw value under key, bypassing the record codec. It exists to
// seed and tamper with backends in tests.
func (b *Backend) Put(key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = slices.Clone(value)
	b.generation.Add(1)
}

// Version implements storage.Versioner.
func (b *Backend) Version(_ context.Context) (string, error) {
	return strconv.FormatUint(b.generation.Load(), 10), nil
}

// Len returns the number of stored entries.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (b *Backend) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	tracer, _ := b.observers()
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tracer.Start(ctx, fmt.Sprintf("storage.memory.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (b *Backend) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	_, inst := b.observers()
	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil && err != storage.ErrNotFound {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()

	inst.Metrics().RecordStorageOperation(ctx, "memory."+operation, result, durationMs)
}

// observers reads the instrumentation set by SetInstrumentation. Callers
// must not hold mu.
func (b *Backend) observers() (trace.Tracer, *instrumentation.Instrumentation) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tracer, b.instrumentation
}
