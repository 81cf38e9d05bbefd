// Package mock provides a mock storage.Backend for testing.
package mock

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/giantswarm/oauth-tokencache/storage"
)

// MockBackend is a mock implementation of storage.Backend for testing.
// The default funcs operate on an in-memory map; replace them to inject
// failures or observe calls.
type MockBackend struct {
	mu   sync.RWMutex
	data map[string][]byte

	GetFunc    func(ctx context.Context, key string) ([]byte, error)
	ListFunc   func(ctx context.Context, prefix string) ([]storage.Entry, error)
	ApplyFunc  func(ctx context.Context, batch storage.Batch) error
	DeleteFunc func(ctx context.Context, keys ...string) error

	countsMu   sync.Mutex
	CallCounts map[string]int
}

var _ storage.Backend = (*MockBackend)(nil)

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	m := &MockBackend{
		data:       make(map[string][]byte),
		CallCounts: make(map[string]int),
	}

	// Set default implementations
	m.GetFunc = func(_ context.Context, key string) ([]byte, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		v, ok := m.data[key]
		if !ok {
			return nil, storage.ErrNotFound
		}
		return slices.Clone(v), nil
	}

	m.ListFunc = func(_ context.Context, prefix string) ([]storage.Entry, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		var out []storage.Entry
		for _, k := range slices.Sorted(maps.Keys(m.data)) {
			if strings.HasPrefix(k, prefix) {
				out = append(out, storage.Entry{Key: k, Value: slices.Clone(m.data[k])})
			}
		}
		return out, nil
	}

	m.ApplyFunc = func(_ context.Context, batch storage.Batch) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, k := range batch.Deletes {
			delete(m.data, k)
		}
		for _, e := range batch.Puts {
			m.data[e.Key] = slices.Clone(e.Value)
		}
		return nil
	}

	m.DeleteFunc = func(_ context.Context, keys ...string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, k := range keys {
			delete(m.data, k)
		}
		return nil
	}

	return m
}

func (m *MockBackend) count(name string) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.CallCounts[name]++
}

// Get retrieves a value
func (m *MockBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.count("Get")
	return m.GetFunc(ctx, key)
}

// List lists entries under prefix
func (m *MockBackend) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	m.count("List")
	return m.ListFunc(ctx, prefix)
}

// Apply applies a batch
func (m *MockBackend) Apply(ctx context.Context, batch storage.Batch) error {
	m.count("Apply")
	return m.ApplyFunc(ctx, batch)
}

// Delete removes keys
func (m *MockBackend) Delete(ctx context.Context, keys ...string) error {
	m.count("Delete")
	return m.DeleteFunc(ctx, keys...)
}

// Put stores a raw value, bypassing the funcs and call counts.
// Use it to seed corrupt entries.
func (m *MockBackend) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = slices.Clone(value)
}

// Raw returns the raw value stored under key.
func (m *MockBackend) Raw(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return slices.Clone(v), ok
}

// Keys returns all stored keys, sorted.
func (m *MockBackend) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.data))
}

// GetCallCount returns how often method was called
func (m *MockBackend) GetCallCount(method string) int {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return m.CallCounts[method]
}

// ResetCallCounts resets all call counters
func (m *MockBackend) ResetCallCounts() {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.CallCounts = make(map[string]int)
}
