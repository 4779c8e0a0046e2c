// Package metrics provides the Prometheus registry and HTTP handler for the
// offline agent. All metrics are defined in their respective packages (store,
// interceptor, lifecycle, precache, notify) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the agent.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/store):
//   - offline_agent_cache_hits_total{backend} (Counter): Lookups answered from storage
//   - offline_agent_cache_misses_total (Counter): Lookups without a stored entry
//   - offline_agent_cache_errors_total{operation} (Counter): Storage errors by operation
//   - offline_agent_cache_entry_bytes (Histogram): Encoded entry size on write
//
// Fetch Metrics (pkg/interceptor):
//   - offline_agent_fetch_total{outcome} (Counter): Intercepted fetches (HIT, MISS, BYPASS, OFFLINE)
//   - offline_agent_fetch_duration_seconds{outcome} (Histogram): Intercepted fetch duration
//
// Network Metrics (pkg/network):
//   - offline_agent_network_requests_total{status} (Counter): Network fetches by status code or "error"
//   - offline_agent_network_request_duration_seconds (Histogram): Network fetch duration including retries
//   - offline_agent_network_errors_total{class} (Counter): Failed round trips (client, server, network)
//   - offline_agent_network_retries_total{error_class} (Counter): Retry attempts
//   - offline_agent_network_retry_backoff_seconds (Histogram): Backoff before a retry
//   - offline_agent_network_retry_exhausted_total{error_class} (Counter): Fetches that ran out of attempts
//
// Lifecycle Metrics (pkg/lifecycle, pkg/precache):
//   - offline_agent_lifecycle_transitions_total{state} (Counter): State changes by target state
//   - offline_agent_stale_caches_deleted_total (Counter): Generations evicted on activation
//   - offline_agent_install_duration_seconds (Histogram): Install duration
//   - offline_agent_precache_fetch_total{outcome} (Counter): Manifest entry fetches (ok, status, error)
//
// Notification Metrics (pkg/notify):
//   - offline_agent_notifications_shown_total (Counter): Notifications shown from push messages
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(offline_agent_cache_hits_total[5m])) /
//   (sum(rate(offline_agent_cache_hits_total[5m])) + sum(rate(offline_agent_cache_misses_total[5m])))
//
//   # Offline Responses
//   rate(offline_agent_fetch_total{outcome="OFFLINE"}[5m])
//
//   # Failed Installs
//   increase(offline_agent_lifecycle_transitions_total{state="redundant"}[1h])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(offline_agent_fetch_duration_seconds_bucket[5m]))
