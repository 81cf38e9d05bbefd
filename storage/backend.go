package storage

import "context"

// Entry is one stored key and its encoded value.
type Entry struct {
	Key   string
	Value []byte
}

// Batch is a set of writes applied atomically by Backend.Apply.
type Batch struct {
	Puts    []Entry
	Deletes []string
}

// IsEmpty reports whether the batch has nothing to apply.
func (b Batch) IsEmpty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0
}

// Backend is the key/value collaborator that persists encoded records.
// Values are opaque to the backend. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every entry whose key starts with prefix. An empty
	// prefix lists everything.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Apply stores puts and removes deletes in one atomic step. Readers
	// observe either none or all of the batch.
	Apply(ctx context.Context, batch Batch) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// Unlock releases a lock acquired through Locker.
type Unlock func() error

// Locker is implemented by backends shared between processes.
//
// Lock acquires an exclusive lock and returns a Backend view whose operations
// run under that lock without acquiring it again. The view must not be used
// after unlock.
type Locker interface {
	Lock(ctx context.Context) (Backend, Unlock, error)
}

// Versioner is implemented by backends that can tell cheaply whether their
// content changed. Equal versions guarantee equal content.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}
