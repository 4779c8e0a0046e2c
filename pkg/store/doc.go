// Package store provides versioned response caches for the offline agent.
//
// A cache generation is a named key-value store mapping request identity
// (method + URL) to a response Snapshot. Generations are addressed through
// Caches, which lists, opens and deletes them, and through Handle, the
// per-generation view used for lookups and writes:
//
//	caches := store.NewCaches(store.NewMemoryBackend())
//
//	handle, err := caches.Open(ctx, "salary-plan-v1.0")
//	if err != nil {
//		return err
//	}
//
//	snap, err := handle.Match(ctx, req)
//	if errors.Is(err, store.ErrCacheMiss) {
//		// fetch from network
//	}
//
// # Backends
//
// Entries live in a Backend. Four are provided:
//
//   - MemoryBackend - process-local maps, for tests and ephemeral agents
//   - RedisBackend  - sorted set of generation names plus one hash per generation
//   - SQLiteBackend - two tables in a local database file
//   - S3Backend     - one key prefix per generation in a bucket
//
// Every backend writes a single entry atomically; a stored entry is replaced
// whole, never partially updated.
//
// # Response duplication
//
// Response bodies can be read once. FromResponse reads the body into memory,
// restores it on the response for the caller and returns an independent
// Snapshot for storage. Snapshot.Response builds a fresh *http.Response each
// time it is called.
//
// # Metrics
//
//   - offline_agent_cache_hits_total{backend}
//   - offline_agent_cache_misses_total
//   - offline_agent_cache_errors_total{operation}
//   - offline_agent_cache_entry_bytes (histogram)
package store
