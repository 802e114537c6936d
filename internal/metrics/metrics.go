// Package metrics exposes Prometheus instrumentation for the scraper.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Share session metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "share_login_attempts_total",
			Help: "Dexcom Share login attempts by result",
		},
		[]string{"result"}, // "success", "rejected", "connection_fault"
	)

	SessionInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "share_session_invalidations_total",
			Help: "Share session tokens dropped, by reason",
		},
		[]string{"reason"}, // "accepted_reading", "fetch_failures", "connection_fault", "fatal"
	)

	// Fetch metrics
	FetchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "share_fetch_total",
			Help: "Latest-reading fetches by classified outcome",
		},
		[]string{"outcome"}, // "success", "failure", "connection_fault"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "share_fetch_duration_seconds",
			Help:    "Duration of latest-reading requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadingsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "readings_accepted_total",
			Help: "Readings newer than the last seen one",
		},
	)

	ReadingsStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "readings_stale_total",
			Help: "Readings ignored because their timestamp was not newer",
		},
	)

	ClockSkew = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clock_skew_total",
			Help: "Readings with a negative capture lag",
		},
	)

	LastReadingTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "last_reading_timestamp_seconds",
			Help: "Capture time of the last accepted reading",
		},
	)

	LastReadingValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "last_reading_mgdl",
			Help: "Glucose value of the last accepted reading",
		},
	)

	BufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reading_buffer_size",
			Help: "Readings held in the in-memory buffer",
		},
	)

	BufferResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reading_buffer_resets_total",
			Help: "Times the reading buffer reached capacity and was cleared",
		},
	)

	// Persistence
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_errors_total",
			Help: "Failed persistence callouts",
		},
		[]string{"operation"},
	)

	// Projection
	IOBProjection = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iob_projection_units",
			Help: "Projected insulin on board per horizon",
		},
		[]string{"horizon"},
	)

	ProjectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iob_projection_errors_total",
			Help: "IOB projections that failed in continuous mode",
		},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordFetch records a classified fetch and its duration
func RecordFetch(outcome string, d time.Duration) {
	FetchOutcomes.WithLabelValues(outcome).Inc()
	FetchDuration.Observe(d.Seconds())
}

// RecordReading updates the last-reading gauges
func RecordReading(timestamp int64, mgdl int) {
	ReadingsAccepted.Inc()
	LastReadingTimestamp.Set(float64(timestamp))
	LastReadingValue.Set(float64(mgdl))
}

// RecordProjection publishes each horizon of an IOB projection
func RecordProjection(values []float64, step int) {
	for i, v := range values {
		IOBProjection.WithLabelValues(strconv.Itoa(i * step)).Set(v)
	}
}
