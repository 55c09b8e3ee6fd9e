// Package obs registers and exposes Prometheus metrics for the protocol
// core: sweep cycles, liveness transitions, gate decisions, and delivery
// dispatch outcomes.
package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everkeep_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "everkeep_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everkeep_liveness_transitions_total",
			Help: "Liveness state machine transitions by from/to state.",
		},
		[]string{"from", "to"},
	)

	gateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everkeep_gate_decisions_total",
			Help: "Verification gate decisions by result.",
		},
		[]string{"result"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everkeep_delivery_dispatch_total",
			Help: "Delivery dispatch outcomes by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "everkeep_sweep_duration_seconds",
			Help:    "Duration of a full sweep cycle.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)

// Init registers all metrics with the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		transitionsTotal,
		gateDecisionsTotal,
		dispatchTotal,
		sweepDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransition counts one liveness state transition.
func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordGateDecision counts one verification gate decision.
func RecordGateDecision(result string) {
	gateDecisionsTotal.WithLabelValues(result).Inc()
}

// RecordDispatch counts one gateway send outcome ("sent", "bounce", "error").
func RecordDispatch(channel, outcome string) {
	dispatchTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveSweep records the duration of one sweep cycle ("liveness" or "delivery").
func ObserveSweep(sweep string, d time.Duration) {
	sweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// RecordRequest counts one HTTP request and observes its latency. The
// serving middleware captures the status code once and reports it here.
func RecordRequest(method, path, status string, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}
