// Package memory provides an in-memory storage.Backend.
//
// Values live in a map guarded by a sync.RWMutex. Every Apply bumps a
// generation counter, which the Store uses as the backend version to reuse
// decoded snapshots between writes. Nothing is persisted.
//
// Example usage:
//
//	backend := memory.New()
//	store, err := storage.NewStore(backend, storage.Options{})
package memory
