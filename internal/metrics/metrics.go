// Package metrics provides Prometheus instrumentation for the matchmaking
// service. It exposes gauges for queue and push-session counts, counters for
// match outcomes and lock contention, and a histogram for search duration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PushSessionsTotal tracks the current number of connected push
	// sessions.
	PushSessionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_push_sessions_total",
		Help: "Current number of connected push sessions",
	})

	// ConnectionsTotal tracks the current number of raw transport
	// connections (before a register event associates one with a
	// participant id).
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_transport_connections_total",
		Help: "Current number of open transport connections",
	})

	// QueueSize tracks the current size of each round's queue.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matchmaking_queue_size",
		Help: "Current number of participants waiting in a round's queue",
	}, []string{"round"})

	// MatchesTotal counts completed matches, labeled by type: "human" or
	// "ai".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaking_matches_total",
		Help: "Total number of matches created",
	}, []string{"type"})

	// SearchDuration records the time from startMatchmaking to a match
	// being produced (human or AI).
	SearchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaking_search_duration_seconds",
		Help:    "Time from start of search to match found",
		Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 120, 180},
	})

	// LockContentionTotal counts failed (already-held) lock acquisitions.
	LockContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_lock_contention_total",
		Help: "Total number of matchlock acquisition attempts that found the lock already held",
	})

	// PersistenceMirrorFailuresTotal counts best-effort persistence
	// mirror write failures. Never fails the user-facing operation.
	PersistenceMirrorFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaking_persistence_mirror_failures_total",
		Help: "Total number of best-effort persistence mirror write failures",
	})
)

func init() {
	prometheus.MustRegister(
		PushSessionsTotal,
		ConnectionsTotal,
		QueueSize,
		MatchesTotal,
		SearchDuration,
		LockContentionTotal,
		PersistenceMirrorFailuresTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
