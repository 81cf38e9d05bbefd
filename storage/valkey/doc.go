// Package valkey provides a storage.Backend on Valkey, so several hosts can
// share one token cache.
//
// Valkey is wire-compatible with Redis; any Redis 6+ server works.
//
// # Key Schema
//
// All keys share a configurable prefix (default "tokencache:") and one hash
// tag, so a batch can be applied by a single script in cluster mode:
//
//	{prefix}{entries}:e:{naturalKey}  -> encoded record
//	{prefix}{entries}:version         -> generation counter (INCR)
//	{prefix}{entries}:lock            -> lock owner token (SET NX PX)
//
// # Atomic Operations
//
// Apply runs deletes, puts and the generation bump in one Lua script, so
// readers observe either none or all of a batch. Lock is an advisory lease
// released through a compare-and-delete script; it expires after LockTTL if
// the holder dies.
//
// # Configuration
//
//	backend, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "tokencache:",
//	})
//
// Combine with storage.Options.Encryptor when the server is not trusted with
// plaintext tokens.
package valkey
