package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups answered from a generation, by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_agent_cache_hits_total",
			Help: "Total number of cache lookups answered from storage",
		},
		[]string{"backend"},
	)

	// CacheMisses tracks lookups with no stored entry
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_agent_cache_misses_total",
			Help: "Total number of cache lookups without a stored entry",
		},
	)

	// CacheErrors tracks storage failures by operation
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_agent_cache_errors_total",
			Help: "Total number of cache storage errors",
		},
		[]string{"operation"}, // "open", "match", "put", "names", "delete", "keys"
	)

	// EntryBytes observes encoded entry sizes on write
	EntryBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offline_agent_cache_entry_bytes",
			Help:    "Size of stored cache entries in bytes",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8),
		},
	)
)
