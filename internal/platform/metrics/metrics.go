package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream relay.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	streamsStartedTotal  prometheus.Counter
	streamsStoppedTotal  prometheus.Counter
	streamsFailedTotal   prometheus.Counter
	startFailuresTotal   *prometheus.CounterVec
	cleanupFailuresTotal prometheus.Counter
	forcedKillsTotal     prometheus.Counter
	activeStreams        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	streamsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_streams_started_total",
		Help: "Total number of transcoder processes that reached the running state",
	})
	streamsStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_streams_stopped_total",
		Help: "Total number of streams stopped on request",
	})
	streamsFailedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_streams_failed_total",
		Help: "Total number of transcoder processes that exited while running",
	})
	startFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_start_failures_total",
		Help: "Total number of rejected or failed stream starts, by reason",
	}, []string{"reason"})
	cleanupFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_cleanup_failures_total",
		Help: "Total number of output directories that could not be removed",
	})
	forcedKillsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_forced_kills_total",
		Help: "Total number of transcoders killed after the stop grace period",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_streams",
		Help: "Number of streams in starting, running or stopping state",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		streamsStartedTotal,
		streamsStoppedTotal,
		streamsFailedTotal,
		startFailuresTotal,
		cleanupFailuresTotal,
		forcedKillsTotal,
		activeStreams,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		streamsStartedTotal:  streamsStartedTotal,
		streamsStoppedTotal:  streamsStoppedTotal,
		streamsFailedTotal:   streamsFailedTotal,
		startFailuresTotal:   startFailuresTotal,
		cleanupFailuresTotal: cleanupFailuresTotal,
		forcedKillsTotal:     forcedKillsTotal,
		activeStreams:        activeStreams,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncStreamsStarted increments the started streams counter.
func (m *Metrics) IncStreamsStarted() {
	m.streamsStartedTotal.Inc()
}

// IncStreamsStopped increments the stopped streams counter.
func (m *Metrics) IncStreamsStopped() {
	m.streamsStoppedTotal.Inc()
}

// IncStreamsFailed increments the abnormal exit counter.
func (m *Metrics) IncStreamsFailed() {
	m.streamsFailedTotal.Inc()
}

// IncStartFailures increments the start failure counter for reason.
func (m *Metrics) IncStartFailures(reason string) {
	m.startFailuresTotal.WithLabelValues(reason).Inc()
}

// IncCleanupFailures increments the cleanup failure counter.
func (m *Metrics) IncCleanupFailures() {
	m.cleanupFailuresTotal.Inc()
}

// IncForcedKills increments the forced kill counter.
func (m *Metrics) IncForcedKills() {
	m.forcedKillsTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
