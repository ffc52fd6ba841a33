// Package metrics provides Prometheus instrumentation for the Drift pairing
// service. It exposes gauges for connection, lobby and session counts,
// counters for relay throughput, and histograms for match latency and score
// distribution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of registered presence records.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_online_users",
		Help: "Current number of users with a live presence record",
	})

	// QueueWaiting tracks the current number of entries in the matching queue.
	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_queue_waiting",
		Help: "Current number of entries waiting in the matching queue",
	})

	// ActiveSessions tracks the current number of paired sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MessagesTotal counts relayed traffic, labeled by type: "relayed",
	// "blocked", "typing", or "signaling".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_messages_total",
		Help: "Total number of relay events processed",
	}, []string{"type"})

	// SessionsEnded counts torn-down sessions, labeled by end reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_sessions_ended_total",
		Help: "Total number of sessions ended",
	}, []string{"reason"})

	// MatchWait records how long entries waited in the queue before pairing.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_match_wait_seconds",
		Help:    "Time from queue entry to match found",
		Buckets: []float64{.25, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// MatchScore records the compatibility score distribution of created pairs.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_match_score",
		Help:    "Compatibility score of created pairs",
		Buckets: []float64{.5, .55, .6, .65, .7, .75, .8, .85, .9, .95, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		QueueWaiting,
		ActiveSessions,
		MessagesTotal,
		SessionsEnded,
		MatchWait,
		MatchScore,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
