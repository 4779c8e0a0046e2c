// Package precache fetches a precache manifest in parallel for installation.
//
// Installation stores the whole manifest or nothing, so the fetcher never
// returns partial results: every entry is attempted, and a single failed
// entry fails the batch.
//
// Example usage:
//
//	fetcher := precache.NewFetcher(httpClient, precache.DefaultConfig())
//	results, err := fetcher.FetchAll(ctx, []string{
//		"https://app.example/",
//		"https://app.example/index.html",
//	})
//
// The fetcher:
//   - Queues every URL up front
//   - Spawns a bounded worker pool (default 4 workers)
//   - Reads each body completely within the per-entry timeout
//   - Treats any status outside 2xx as a failure
//   - Returns results in manifest order
package precache
