package valkey

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaApplyBatch applies deletes then puts and bumps the generation counter.
//
// KEYS[1] = version key
// KEYS[2..n+1] = keys to delete, where n = ARGV[1]
// KEYS[n+2..] = keys to set, with values in ARGV[2..]
//
// Returns the new generation.
const luaApplyBatch = `
local nd = tonumber(ARGV[1])
for i = 2, nd + 1 do
    redis.call('DEL', KEYS[i])
end
for i = nd + 2, #KEYS do
    redis.call('SET', KEYS[i], ARGV[i - nd])
end
return redis.call('INCR', KEYS[1])
`

// luaReleaseLock deletes the lock key only if it still holds our token.
//
// KEYS[1] = lock key
// ARGV[1] = owner token
const luaReleaseLock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// ============================================================
// storage.Backend
// ============================================================

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := b.startStorageSpan(ctx, "get")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "get", err, startTime) }()

	data, err := b.client.Do(ctx, b.client.B().Get().Key(b.entryKey(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return data, nil
}

// List implements storage.Backend. Keys are collected with SCAN and values
// fetched with MGET; keys deleted in between are skipped.
func (b *Backend) List(ctx context.Context, prefix string) (entries []storage.Entry, err error) {
	ctx, span := b.startStorageSpan(ctx, "list")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "list", err, startTime) }()

	seen := make(map[string]struct{})
	var keys []string

	var cursor uint64
	for {
		result, err := b.client.Do(ctx,
			b.client.B().Scan().Cursor(cursor).Match(b.matchPattern(prefix)).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan records: %w", err)
		}

		// SCAN can return duplicates across iterations
		for _, key := range result.Elements {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
	slices.Sort(keys)

	entryPrefix := b.entryKey("")
	for chunk := range slices.Chunk(keys, scanBatchSize) {
		values, err := b.client.Do(ctx, b.client.B().Mget().Key(chunk...).Build()).ToArray()
		if err != nil {
			return nil, fmt.Errorf("failed to get records: %w", err)
		}
		for i, msg := range values {
			data, err := msg.AsBytes()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to read record %s: %w", chunk[i], err)
			}
			entries = append(entries, storage.Entry{
				Key:   strings.TrimPrefix(chunk[i], entryPrefix),
				Value: data,
			})
		}
	}
	return entries, nil
}

// Apply implements storage.Backend.
func (b *Backend) Apply(ctx context.Context, batch storage.Batch) (err error) {
	ctx, span := b.startStorageSpan(ctx, "apply")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "apply", err, startTime) }()

	if batch.IsEmpty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	keys := make([]string, 0, 1+len(batch.Deletes)+len(batch.Puts))
	args := make([]string, 0, 1+len(batch.Puts))

	keys = append(keys, b.versionKey())
	args = append(args, strconv.Itoa(len(batch.Deletes)))
	for _, key := range batch.Deletes {
		keys = append(keys, b.entryKey(key))
	}
	for _, e := range batch.Puts {
		if e.Key == "" {
			return fmt.Errorf("%w: empty key", storage.ErrInvalidArgument)
		}
		if len(e.Value) > MaxValueSize {
			return fmt.Errorf("%w: record %s exceeds %d bytes", storage.ErrInvalidArgument, e.Key, MaxValueSize)
		}
		keys = append(keys, b.entryKey(e.Key))
		args = append(args, string(e.Value))
	}

	generation, err := b.client.Do(ctx,
		b.client.B().Eval().Script(luaApplyBatch).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}

	b.logger.Debug("Applied batch",
		"puts", len(batch.Puts),
		"deletes", len(batch.Deletes),
		"generation", generation)
	return nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	return b.Apply(ctx, storage.Batch{Deletes: keys})
}

// Version implements storage.Versioner.
func (b *Backend) Version(ctx context.Context) (string, error) {
	v, err := b.client.Do(ctx, b.client.B().Get().Key(b.versionKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "0", nil
		}
		return "", fmt.Errorf("failed to read version: %w", err)
	}
	return v, nil
}

// ============================================================
// storage.Locker
// ============================================================

// Lock implements storage.Locker with a lease on the lock key. Operations on
// the returned view are the backend's own; only Store.Update takes the lock.
func (b *Backend) Lock(ctx context.Context) (storage.Backend, storage.Unlock, error) {
	token := uuid.NewString()

	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	for {
		err := b.client.Do(lockCtx,
			b.client.B().Set().Key(b.lockKey()).Value(token).Nx().PxMilliseconds(b.lockTTL.Milliseconds()).Build(),
		).Error()
		if err == nil {
			break
		}
		if !isNilError(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		select {
		case <-lockCtx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, fmt.Errorf("could not acquire lock: timeout after %v", b.lockTimeout)
		case <-time.After(b.retryInterval):
		}
	}

	unlock := func() error {
		// Release on a fresh context so a cancelled caller still frees the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
		defer cancel()

		err := b.client.Do(releaseCtx,
			b.client.B().Eval().Script(luaReleaseLock).Numkeys(1).Key(b.lockKey()).Arg(token).Build(),
		).Error()
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}
	return b, unlock, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (b *Backend) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, "storage.valkey."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

func (b *Backend) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if b.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()

	b.instrumentation.Metrics().RecordStorageOperation(ctx, "valkey."+operation, result, durationMs)
}
