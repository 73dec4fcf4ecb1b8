// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sessions that reached ACTIVE, by how they got there (start/resume)
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testengine_sessions_started_total",
			Help: "Total number of sessions that became active",
		},
		[]string{"via"},
	)

	// Submissions by trigger: manual, expiry
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testengine_submissions_total",
			Help: "Total number of answer submissions",
		},
		[]string{"trigger", "status"},
	)

	// Inbound grading events by outcome: applied, duplicate, stale
	GradingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testengine_grading_events_total",
			Help: "Total number of results_ready events received",
		},
		[]string{"outcome"},
	)

	SessionScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testengine_session_score",
			Help:    "Reconciled score of graded sessions",
			Buckets: prometheus.LinearBuckets(0, 5, 20),
		},
	)

	// 1 while the duplex channel is connected
	ChannelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "testengine_channel_connected",
			Help: "Whether the duplex channel is currently connected",
		},
	)

	AttemptsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testengine_attempts_persisted_total",
			Help: "Total number of attempt persistence tries",
		},
		[]string{"result"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testengine_local_api_duration_seconds",
			Help:    "Time spent serving local API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
