package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/internal/util"
	"github.com/giantswarm/oauth-tokencache/security"
)

// keyLogLength is how much of a natural key is logged.
const keyLogLength = 48

// Options configures a Store.
type Options struct {
	// Encryptor seals secrets at rest. Nil or disabled stores them in plain text.
	Encryptor *security.Encryptor

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation defaults to no-op.
	Instrumentation *instrumentation.Instrumentation

	// Auditor receives corrupt_record_dropped and cache_cleared events.
	Auditor *security.Auditor
}

// Store is the credential store. It decodes backend entries into snapshots,
// drops corrupt entries, and serializes writers through Update.
type Store struct {
	backend Backend
	sealer  *sealer
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	auditor *security.Auditor

	// writeMu serializes Update within the process. Cross-process
	// exclusion comes from the backend Locker.
	writeMu sync.Mutex

	cacheMu       sync.Mutex
	cached        *Snapshot
	cachedVersion string

	corruptDropped atomic.Int64
	lastCounts     atomic.Pointer[map[string]int64]
}

// NewStore creates a store over backend.
func NewStore(backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidArgument)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = instrumentation.NewNoop()
	}

	sl, err := newSealer(opts.Encryptor, opts.Instrumentation.Metrics())
	if err != nil {
		return nil, err
	}
	if sl.enabled() {
		opts.Logger.Info("Token encryption at rest enabled for cache")
	}

	return &Store{
		backend: backend,
		sealer:  sl,
		logger:  opts.Logger,
		metrics: opts.Instrumentation.Metrics(),
		tracer:  opts.Instrumentation.Tracer("storage"),
		auditor: opts.Auditor,
	}, nil
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// CorruptDropped returns how many corrupt records this store has dropped.
func (s *Store) CorruptDropped() int64 {
	return s.corruptDropped.Load()
}

// RecordCounts returns the per-kind counts of the most recent snapshot. It
// matches instrumentation.RecordCountsFunc.
func (s *Store) RecordCounts() map[string]int64 {
	if c := s.lastCounts.Load(); c != nil {
		return *c
	}
	return EmptySnapshot().Counts()
}

// ============================================================
// Reads
// ============================================================

// Snapshot returns a decoded view of the store. Corrupt records are skipped
// and removed from the backend; Snapshot only fails when the backend does.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, span := s.startSpan(ctx, "snapshot")
	startTime := time.Now()
	snap, corrupt, err := s.load(ctx, s.backend, false)
	if err == nil && len(corrupt) > 0 {
		s.removeCorrupt(ctx, corrupt)
	}
	s.recordOperation(ctx, span, "snapshot", err, startTime)
	return snap, err
}

// load decodes every entry of b. When fresh is false it may return the
// cached snapshot if the backend version is unchanged. Entries that fail to
// decode are returned as read so the caller can remove them.
func (s *Store) load(ctx context.Context, b Backend, fresh bool) (*Snapshot, []Entry, error) {
	var version string
	if v, ok := s.backend.(Versioner); ok {
		var err error
		version, err = v.Version(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read backend version: %w", err)
		}
		if !fresh {
			s.cacheMu.Lock()
			cached, cachedVersion := s.cached, s.cachedVersion
			s.cacheMu.Unlock()
			if cached != nil && cachedVersion == version {
				return cached, nil, nil
			}
		}
	}

	entries, err := b.List(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := make(map[Kind]map[string]Record, len(Kinds))
	for _, kind := range Kinds {
		records[kind] = make(map[string]Record)
	}

	var corrupt []Entry
	for _, e := range entries {
		r, err := s.sealer.decodeRecord(ctx, e.Key, e.Value)
		if err != nil {
			s.dropCorrupt(ctx, e.Key, err)
			corrupt = append(corrupt, e)
			continue
		}
		records[r.Kind()][e.Key] = r
	}

	snap := newSnapshot(records)
	counts := snap.Counts()
	s.lastCounts.Store(&counts)

	// A snapshot with corrupt entries is not reused; their removal changes
	// the version anyway.
	if _, ok := s.backend.(Versioner); ok && len(corrupt) == 0 {
		s.cacheMu.Lock()
		s.cached, s.cachedVersion = snap, version
		s.cacheMu.Unlock()
	}
	return snap, corrupt, nil
}

// removeCorrupt deletes corrupt entries inside the write critical section.
// An entry is only deleted while it still holds the bytes that failed to
// decode, so a record rewritten since the read survives. Failures are
// logged; the next load retries.
func (s *Store) removeCorrupt(ctx context.Context, corrupt []Entry) {
	b, release, err := s.lock(ctx)
	if err != nil {
		s.logger.Warn("Failed to lock cache for corrupt record removal", "error", err)
		return
	}
	defer release()

	keys := make([]string, 0, len(corrupt))
	for _, e := range corrupt {
		current, err := b.Get(ctx, e.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to re-read corrupt cache record",
				"key", util.SafeTruncate(e.Key, keyLogLength),
				"error", err)
			continue
		}
		if bytes.Equal(current, e.Value) {
			keys = append(keys, e.Key)
		}
	}
	s.deleteCorrupt(ctx, b, keys)
}

// deleteCorrupt deletes keys through b, which the caller holds locked.
func (s *Store) deleteCorrupt(ctx context.Context, b Backend, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := b.Delete(ctx, keys...); err != nil {
		s.logger.Warn("Failed to delete corrupt cache records",
			"count", len(keys),
			"error", err)
		return
	}
	s.invalidate()
}

// lock enters the write critical section: the in-process mutex, then the
// backend Locker when there is one. The returned backend must be used until
// release is called.
func (s *Store) lock(ctx context.Context) (Backend, func(), error) {
	s.writeMu.Lock()
	l, ok := s.backend.(Locker)
	if !ok {
		return s.backend, s.writeMu.Unlock, nil
	}
	locked, unlock, err := l.Lock(ctx)
	if err != nil {
		s.writeMu.Unlock()
		return nil, nil, fmt.Errorf("failed to lock cache: %w", err)
	}
	return locked, func() {
		if uerr := unlock(); uerr != nil {
			s.logger.Warn("Failed to release cache lock", "error", uerr)
		}
		s.writeMu.Unlock()
	}, nil
}

func (s *Store) dropCorrupt(ctx context.Context, key string, cause error) {
	kind, ok := KindOfKey(key)
	if !ok {
		kind = "unknown"
	}
	s.corruptDropped.Add(1)
	s.metrics.RecordCorruptRecord(ctx, string(kind))
	s.logger.Warn("Dropped corrupt cache record",
		"kind", kind,
		"key", util.SafeTruncate(key, keyLogLength),
		"error", cause)
	s.auditor.LogEvent(security.Event{
		Type:    security.EventCorruptRecordDropped,
		Details: map[string]any{"kind": string(kind)},
	})
}

func find[T Record](ctx context.Context, s *Store, kind Kind, pred func(T) bool) (iter.Seq[T], error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return func(yield func(T) bool) {
		for r := range each[T](snap, kind) {
			if pred != nil && !pred(r) {
				continue
			}
			if !yield(r.clone().(T)) {
				return
			}
		}
	}, nil
}

// FindAccessTokens returns the access tokens matching pred, as copies.
// A nil predicate matches everything. The sequence can be ranged over more
// than once and always reflects the state at call time.
func (s *Store) FindAccessTokens(ctx context.Context, pred func(*AccessToken) bool) (iter.Seq[*AccessToken], error) {
	return find(ctx, s, KindAccessToken, pred)
}

// FindRefreshTokens returns the refresh tokens matching pred, as copies.
func (s *Store) FindRefreshTokens(ctx context.Context, pred func(*RefreshToken) bool) (iter.Seq[*RefreshToken], error) {
	return find(ctx, s, KindRefreshToken, pred)
}

// FindIDTokens returns the ID tokens matching pred, as copies.
func (s *Store) FindIDTokens(ctx context.Context, pred func(*IDToken) bool) (iter.Seq[*IDToken], error) {
	return find(ctx, s, KindIDToken, pred)
}

// FindAccounts returns the accounts matching pred, as copies.
func (s *Store) FindAccounts(ctx context.Context, pred func(*Account) bool) (iter.Seq[*Account], error) {
	return find(ctx, s, KindAccount, pred)
}

// ============================================================
// Writes
// ============================================================

// Update runs fn as one critical section. fn sees a fresh snapshot through tx
// and stages writes on it. Nothing is written if fn returns an error or ctx is
// done before commit; otherwise every staged write lands in one Backend.Apply.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	ctx, span := s.startSpan(ctx, "update")
	startTime := time.Now()
	defer func() { s.recordOperation(ctx, span, "update", err, startTime) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	b, release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	base, corrupt, err := s.load(ctx, b, true)
	if err != nil {
		return err
	}
	if len(corrupt) > 0 {
		// Read under the lock, so these are still the bytes on the backend.
		keys := make([]string, 0, len(corrupt))
		for _, e := range corrupt {
			keys = append(keys, e.Key)
		}
		s.deleteCorrupt(ctx, b, keys)
	}

	tx := newTx(base)
	if err := fn(tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := Batch{Deletes: make([]string, 0, len(tx.deletes))}
	for key := range tx.deletes {
		batch.Deletes = append(batch.Deletes, key)
	}
	for key, r := range tx.puts {
		value, err := s.sealer.encodeRecord(ctx, r)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", r.Kind(), err)
		}
		batch.Puts = append(batch.Puts, Entry{Key: key, Value: value})
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("storage.puts", len(batch.Puts)),
		attribute.Int("storage.deletes", len(batch.Deletes)),
	)

	if err := b.Apply(ctx, batch); err != nil {
		return fmt.Errorf("failed to apply cache update: %w", err)
	}
	s.invalidate()
	return nil
}

func (s *Store) invalidate() {
	s.cacheMu.Lock()
	s.cached, s.cachedVersion = nil, ""
	s.cacheMu.Unlock()
}

// Upsert stores records, replacing any with the same natural key.
func (s *Store) Upsert(ctx context.Context, records ...Record) error {
	for _, r := range records {
		if r == nil {
			return fmt.Errorf("%w: nil record", ErrInvalidArgument)
		}
		if err := r.validate(); err != nil {
			return err
		}
	}
	return s.Update(ctx, func(tx *Tx) error {
		tx.Upsert(records...)
		return nil
	})
}

func (s *Store) remove(ctx context.Context, fn func(tx *Tx) int) (int, error) {
	var n int
	err := s.Update(ctx, func(tx *Tx) error {
		n = fn(tx)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveAccessTokens removes matching access tokens and returns the count.
func (s *Store) RemoveAccessTokens(ctx context.Context, pred func(*AccessToken) bool) (int, error) {
	return s.remove(ctx, func(tx *Tx) int { return tx.RemoveAccessTokens(pred) })
}

// RemoveRefreshTokens removes matching refresh tokens and returns the count.
func (s *Store) RemoveRefreshTokens(ctx context.Context, pred func(*RefreshToken) bool) (int, error) {
	return s.remove(ctx, func(tx *Tx) int { return tx.RemoveRefreshTokens(pred) })
}

// RemoveIDTokens removes matching ID tokens and returns the count.
func (s *Store) RemoveIDTokens(ctx context.Context, pred func(*IDToken) bool) (int, error) {
	return s.remove(ctx, func(tx *Tx) int { return tx.RemoveIDTokens(pred) })
}

// RemoveAccounts removes matching accounts and returns the count.
func (s *Store) RemoveAccounts(ctx context.Context, pred func(*Account) bool) (int, error) {
	return s.remove(ctx, func(tx *Tx) int { return tx.RemoveAccounts(pred) })
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	n, err := s.remove(ctx, func(tx *Tx) int { return tx.Clear() })
	if err != nil {
		return err
	}
	s.logger.Info("Cleared token cache", "removed", n)
	s.auditor.LogEvent(security.Event{
		Type:    security.EventCacheCleared,
		Details: map[string]any{"removed": n},
	})
	return nil
}

// Close closes the backend if it has a Close method.
func (s *Store) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	if c, ok := s.backend.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String(instrumentation.AttrStorageOperation, operation)))
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result = "cancelled"
		}
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
	s.metrics.RecordStorageOperation(ctx, operation, result, durationMs)
}
