// Package metrics exposes Prometheus instrumentation for the realtime
// subsystem. Counters mirror the broadcaster's persisted stats so a
// single-process deployment can be observed without Redis access.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the registry size.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_connections",
		Help: "Number of currently registered WebSocket connections",
	})

	// EventsSent counts successful per-connection sends by event type.
	EventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_sent_total",
		Help: "Total events written to WebSocket connections",
	}, []string{"type"})

	// SendFailures counts sends that flipped a connection to error state.
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_send_failures_total",
		Help: "Total failed WebSocket sends",
	})

	// AuthAttempts counts authentication handshakes by outcome.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_auth_attempts_total",
		Help: "Total connection authentication attempts",
	}, []string{"outcome"})

	// StaleEvictions counts connections removed by the cleanup loop.
	StaleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_stale_evictions_total",
		Help: "Total connections evicted for missed heartbeats",
	})

	// BroadcastsPublished counts broadcaster publishes by topic kind.
	BroadcastsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_broadcasts_published_total",
		Help: "Total events published through the Redis broadcaster",
	}, []string{"scope"})

	// BackendErrors counts broadcaster operations degraded by backend failures.
	BackendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_backend_errors_total",
		Help: "Total broadcaster operations that hit an unreachable backend",
	})
)
