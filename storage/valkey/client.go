package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-tokencache/instrumentation"
	"github.com/giantswarm/oauth-tokencache/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "tokencache:"

	// DefaultLockTTL bounds how long a crashed holder keeps the lock.
	DefaultLockTTL = 30 * time.Second

	// DefaultLockTimeout bounds how long Lock waits.
	DefaultLockTimeout = 10 * time.Second

	// DefaultLockRetryInterval is the polling interval while waiting.
	DefaultLockRetryInterval = 50 * time.Millisecond

	// MaxValueSize is the largest encoded record accepted by Apply (64KB)
	MaxValueSize = 64 * 1024

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	hashTag = "{entries}:"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "tokencache:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// LockTTL, LockTimeout and LockRetryInterval tune Lock.
	LockTTL           time.Duration
	LockTimeout       time.Duration
	LockRetryInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Instrumentation is optional.
	Instrumentation *instrumentation.Instrumentation
}

// Backend is a Valkey-backed storage.Backend.
type Backend struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	lockTTL       time.Duration
	lockTimeout   time.Duration
	retryInterval time.Duration

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.Backend   = (*Backend)(nil)
	_ storage.Locker    = (*Backend)(nil)
	_ storage.Versioner = (*Backend)(nil)
)

// New creates a Valkey backend and verifies the connection.
func New(cfg Config) (*Backend, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: valkey address is required", storage.ErrInvalidArgument)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if strings.ContainsAny(prefix, "{}") {
		return nil, fmt.Errorf("%w: key prefix must not contain braces", storage.ErrInvalidArgument)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return newBackend(client, prefix, cfg), nil
}

func newBackend(client valkeygo.Client, prefix string, cfg Config) *Backend {
	b := &Backend{
		client:          client,
		prefix:          prefix + hashTag,
		logger:          cfg.Logger,
		lockTTL:         cfg.LockTTL,
		lockTimeout:     cfg.LockTimeout,
		retryInterval:   cfg.LockRetryInterval,
		instrumentation: cfg.Instrumentation,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.lockTTL <= 0 {
		b.lockTTL = DefaultLockTTL
	}
	if b.lockTimeout <= 0 {
		b.lockTimeout = DefaultLockTimeout
	}
	if b.retryInterval <= 0 {
		b.retryInterval = DefaultLockRetryInterval
	}
	if cfg.Instrumentation != nil {
		b.tracer = cfg.Instrumentation.Tracer("storage")
	}
	return b
}

// Close closes the Valkey client connection.
func (b *Backend) Close() {
	b.client.Close()
	b.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the backend.
func (b *Backend) SetLogger(logger *slog.Logger) {
	b.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

func (b *Backend) entryKey(key string) string {
	return b.prefix + "e:" + key
}

func (b *Backend) versionKey() string {
	return b.prefix + "version"
}

func (b *Backend) lockKey() string {
	return b.prefix + "lock"
}

// globEscaper escapes SCAN MATCH metacharacters in natural keys.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (b *Backend) matchPattern(prefix string) string {
	return globEscaper.Replace(b.entryKey(prefix)) + "*"
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
