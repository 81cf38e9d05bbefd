// Package storage holds the token cache data model and the credential store.
//
// Records (AccessToken, RefreshToken, IDToken, Account, AppMetadata) are
// keyed by a natural key and persisted through a Backend, a plain key/value
// collaborator. Store sits on top of a Backend and provides:
//   - immutable, decoded snapshots for lock-free reads
//   - self-healing on corrupt entries, which are dropped and logged, never returned
//   - Update, a serialized read-modify-write critical section committed in one batch
//   - optional AES-256-GCM sealing of secret fields with per-kind keys
//
// CacheKey is the lookup projection of a credential and carries the scope
// comparison predicates used by the resolver.
//
// Backends are provided in subpackages:
//   - storage/memory: in-process map, for tests and single-process use
//   - storage/file: a JSON file guarded by a lock file, shared between processes
//   - storage/valkey: Valkey/Redis-compatible storage shared between hosts
//   - storage/mock: mock backend for unit testing
package storage
