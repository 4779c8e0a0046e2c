package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts state changes by target state
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_agent_lifecycle_transitions_total",
			Help: "Total lifecycle state transitions by target state",
		},
		[]string{"state"},
	)

	// StaleDeleted counts generations evicted during activation
	StaleDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_agent_stale_caches_deleted_total",
			Help: "Total number of stale cache generations deleted on activation",
		},
	)

	// InstallDuration observes install time including the precache fetch
	InstallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offline_agent_install_duration_seconds",
			Help:    "Install duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)
