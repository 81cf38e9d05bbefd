package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/storage"
)

const (
	// DefaultLockTimeout bounds how long an operation waits for the lock.
	DefaultLockTimeout = 10 * time.Second

	// DefaultLockRetryInterval is the polling interval while waiting.
	DefaultLockRetryInterval = 100 * time.Millisecond

	fileMode = 0o600
	dirMode  = 0o700

	documentVersion = 1
)

// Config configures a file backend.
type Config struct {
	// Path of the cache file. Required.
	Path string

	// LockTimeout defaults to DefaultLockTimeout.
	LockTimeout time.Duration

	// LockRetryInterval defaults to DefaultLockRetryInterval.
	LockRetryInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation is optional.
	Instrumentation *instrumentation.Instrumentation
}

// document is the on-disk layout. Generation comes first so Version can
// read it without decoding the entries.
type document struct {
	Generation uint64                     `json:"generation"`
	Version    int                        `json:"version"`
	Entries    map[string]json.RawMessage `json:"entries"`
}

// Backend is a file-backed storage.Backend.
type Backend struct {
	path          string
	lockPath      string
	lockTimeout   time.Duration
	retryInterval time.Duration
	logger        *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.Backend   = (*Backend)(nil)
	_ storage.Locker    = (*Backend)(nil)
	_ storage.Versioner = (*Backend)(nil)
)

// New creates a file backend, creating the parent directory if needed.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: cache file path is required", storage.ErrInvalidArgument)
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.LockRetryInterval <= 0 {
		cfg.LockRetryInterval = DefaultLockRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	path := filepath.Clean(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	b := &Backend{
		path:            path,
		lockPath:        path + ".lock",
		lockTimeout:     cfg.LockTimeout,
		retryInterval:   cfg.LockRetryInterval,
		logger:          cfg.Logger,
		instrumentation: cfg.Instrumentation,
	}
	if cfg.Instrumentation != nil {
		b.tracer = cfg.Instrumentation.Tracer("storage")
	}
	return b, nil
}

// Path returns the cache file path.
func (b *Backend) Path() string {
	return b.path
}

// ============================================================
// Locking
// ============================================================

func (b *Backend) acquire(ctx context.Context, exclusive bool) (func(), error) {
	fileLock := flock.New(b.lockPath)

	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fileLock.TryLockContext(lockCtx, b.retryInterval)
	} else {
		locked, err = fileLock.TryRLockContext(lockCtx, b.retryInterval)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", b.lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("could not acquire lock on %s: timeout after %v", b.lockPath, b.lockTimeout)
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			b.logger.Warn("Failed to unlock cache file", "path", b.lockPath, "error", err)
		}
	}, nil
}

// Lock implements storage.Locker. The returned view shares this backend's
// file and skips locking.
func (b *Backend) Lock(ctx context.Context) (storage.Backend, storage.Unlock, error) {
	release, err := b.acquire(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	return &lockedView{b: b}, func() error { release(); return nil }, nil
}

// lockedView runs operations while the caller holds the exclusive lock.
type lockedView struct {
	b *Backend
}

func (v *lockedView) Get(_ context.Context, key string) ([]byte, error) {
	doc, err := v.b.read()
	if err != nil {
		return nil, err
	}
	return getEntry(doc, key)
}

func (v *lockedView) List(_ context.Context, prefix string) ([]storage.Entry, error) {
	doc, err := v.b.read()
	if err != nil {
		return nil, err
	}
	return listEntries(doc, prefix), nil
}

func (v *lockedView) Apply(ctx context.Context, batch storage.Batch) error {
	return v.b.applyLocked(ctx, batch)
}

func (v *lockedView) Delete(ctx context.Context, keys ...string) error {
	return v.b.applyLocked(ctx, storage.Batch{Deletes: keys})
}

// ============================================================
// storage.Backend
// ============================================================

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := b.startStorageSpan(ctx, "get")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "get", err, startTime) }()

	release, err := b.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	return getEntry(doc, key)
}

// List implements storage.Backend.
func (b *Backend) List(ctx context.Context, prefix string) (entries []storage.Entry, err error) {
	ctx, span := b.startStorageSpan(ctx, "list")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "list", err, startTime) }()

	release, err := b.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, err := b.read()
	if err != nil {
		return nil, err
	}
	return listEntries(doc, prefix), nil
}

// Apply implements storage.Backend.
func (b *Backend) Apply(ctx context.Context, batch storage.Batch) (err error) {
	ctx, span := b.startStorageSpan(ctx, "apply")
	startTime := time.Now()
	defer func() { b.recordStorageOperation(ctx, span, "apply", err, startTime) }()

	if batch.IsEmpty() {
		return nil
	}
	release, err := b.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	return b.applyLocked(ctx, batch)
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	return b.Apply(ctx, storage.Batch{Deletes: keys})
}

// Version implements storage.Versioner. It reads only the generation
// counter at the head of the file.
func (b *Backend) Version(_ context.Context) (string, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "0", nil
		}
		return "", fmt.Errorf("failed to open cache file: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(io.LimitReader(f, 4096))
	tokens := make([]json.Token, 0, 3)
	for len(tokens) < 3 {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) == 3 && tokens[1] == "generation" {
		if n, ok := tokens[2].(float64); ok {
			return strconv.FormatUint(uint64(n), 10), nil
		}
	}
	// Unknown layout: report a version that never matches a cached one.
	return "unknown-" + strconv.FormatInt(time.Now().UnixNano(), 10), nil
}

// ============================================================
// File I/O
// ============================================================

func newDocument() *document {
	return &document{Version: documentVersion, Entries: make(map[string]json.RawMessage)}
}

// read loads the document. A missing file is empty. An undecodable file is
// logged and treated as empty so the next write replaces it.
func (b *Backend) read() (*document, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newDocument(), nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return newDocument(), nil
	}

	doc := newDocument()
	if err := json.Unmarshal(data, doc); err != nil || doc.Version != documentVersion {
		b.logger.Warn("Cache file unreadable, treating as empty",
			"path", b.path,
			"error", err)
		return newDocument(), nil
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]json.RawMessage)
	}
	return doc, nil
}

func (b *Backend) applyLocked(ctx context.Context, batch storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range batch.Puts {
		if e.Key == "" {
			return fmt.Errorf("%w: empty key", storage.ErrInvalidArgument)
		}
	}

	doc, err := b.read()
	if err != nil {
		return err
	}

	changed := false
	for _, key := range batch.Deletes {
		if _, ok := doc.Entries[key]; ok {
			delete(doc.Entries, key)
			changed = true
		}
	}
	for _, e := range batch.Puts {
		doc.Entries[e.Key] = toRaw(e.Value)
		changed = true
	}
	if !changed {
		return nil
	}
	doc.Generation++

	return b.write(doc)
}

// write replaces the cache file atomically.
func (b *Backend) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache file: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set cache file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// toRaw keeps JSON values as they are and stores anything else as a JSON
// string, so the document itself always stays valid.
func toRaw(v []byte) json.RawMessage {
	if json.Valid(v) {
		return json.RawMessage(slices.Clone(v))
	}
	quoted, _ := json.Marshal(string(v))
	return quoted
}

func getEntry(doc *document, key string) ([]byte, error) {
	v, ok := doc.Entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone([]byte(v)), nil
}

func listEntries(doc *document, prefix string) []storage.Entry {
	var out []storage.Entry
	for _, key := range slices.Sorted(maps.Keys(doc.Entries)) {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.Entry{Key: key, Value: slices.Clone([]byte(doc.Entries[key]))})
		}
	}
	return out
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (b *Backend) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, "storage.file."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "file"),
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

	b.instrumentation.Metrics().RecordStorageOperation(ctx, "file."+operation, result, durationMs)
}
