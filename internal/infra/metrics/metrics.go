package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobstream_jobs_started_total",
			Help: "Jobs started, by job type.",
		},
		[]string{"type"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobstream_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by type and state.",
		},
		[]string{"type", "state"},
	)

	messagesBroadcast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobstream_messages_broadcast_total",
			Help: "Envelopes broadcast by brokers, by message type.",
		},
		[]string{"message_type"},
	)

	listenersAttached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobstream_listeners_attached",
			Help: "Listeners currently attached, per job.",
		},
		[]string{"job_id"},
	)

	listenersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobstream_listeners_dropped_total",
			Help: "Listeners dropped for falling behind broadcast.",
		},
	)

	handshakeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobstream_handshake_latency_ms",
			Help:    "Time from transport accept to ready receipt, milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	resultRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobstream_result_requests_total",
			Help: "Result retrieval requests by outcome (ok/expired/rate_limited/not_found).",
		},
		[]string{"outcome"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsStarted, jobsFinished, messagesBroadcast,
			listenersAttached, listenersDropped,
			handshakeLatency, resultRequests,
		)
	})
}

func JobStarted(jobType string)           { jobsStarted.WithLabelValues(jobType).Inc() }
func JobFinished(jobType, state string)   { jobsFinished.WithLabelValues(jobType, state).Inc() }
func MessageBroadcast(messageType string) { messagesBroadcast.WithLabelValues(messageType).Inc() }

func SetListeners(jobID string, n int) {
	if n == 0 {
		listenersAttached.DeleteLabelValues(jobID)
		return
	}
	listenersAttached.WithLabelValues(jobID).Set(float64(n))
}

func ListenerDropped()             { listenersDropped.Inc() }
func HandshakeObserved(ms float64) { handshakeLatency.Observe(ms) }
func ResultRequest(outcome string) { resultRequests.WithLabelValues(outcome).Inc() }
