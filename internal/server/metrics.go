package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exposed by the tunnel server.
const (
	ActiveSessionsGauge    = "chara_active_sessions"
	RequestsTotalCounter   = "chara_requests_total"
	RequestDurationHisto   = "chara_request_duration_seconds"
	DroppedChunksCounter   = "chara_dropped_chunks_total"
	RequestTimeoutsCounter = "chara_request_timeouts_total"
)

// Metrics holds the Prometheus instruments for the tunnel server.
type Metrics struct {
	activeSessions  prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	droppedChunks   prometheus.Counter
	requestTimeouts prometheus.Counter
}

// NewMetrics creates the server instruments and registers them with the
// supplied registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ActiveSessionsGauge,
			Help: "Number of connected agent sessions.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RequestsTotalCounter,
			Help: "Public requests served, by status code.",
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    RequestDurationHisto,
			Help:    "Time from receiving a public request to finishing its response.",
			Buckets: prometheus.DefBuckets,
		}),
		droppedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: DroppedChunksCounter,
			Help: "Response chunks dropped because their request was already gone.",
		}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: RequestTimeoutsCounter,
			Help: "Public requests that timed out waiting for the agent.",
		}),
	}
	registry.MustRegister(
		m.activeSessions,
		m.requestsTotal,
		m.requestDuration,
		m.droppedChunks,
		m.requestTimeouts,
	)
	return m
}

func (m *Metrics) sessionOpened() { m.activeSessions.Inc() }
func (m *Metrics) sessionClosed() { m.activeSessions.Dec() }

// countRequest records one finished public request.
func (m *Metrics) countRequest(status int, took time.Duration) {
	m.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.requestDuration.Observe(took.Seconds())
}
