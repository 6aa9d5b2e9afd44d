package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracks catalog refresh cycles by outcome.
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_refresh_total",
			Help: "Total number of catalog refresh attempts (by result).",
		},
		[]string{"result"}, // ok | fetch_error | validation_error | error
	)

	// Measures end-to-end duration of a snapshot build, fetch included.
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalog_refresh_duration_seconds",
			Help:    "Duration of catalog snapshot builds in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms → ~100s
		},
	)

	// Counts individual source fetch attempts.
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_fetch_attempts_total",
			Help: "Number of source fetch attempts (by result).",
		},
		[]string{"result"}, // ok | retry | error
	)

	// Rows dropped by the normalizer for missing id/symbol.
	RowsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_rows_dropped_total",
			Help: "Source rows dropped during normalization.",
		},
	)

	// Gauges the number of instruments in the published index.
	PublishedRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_published_records",
			Help: "Number of instruments in the currently published snapshot.",
		},
	)

	// Gauges the last successful publish time (seconds since epoch).
	LastPublishTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_last_publish_timestamp",
			Help: "Timestamp (unix seconds) of the last successful snapshot publish.",
		},
	)

	// Tracks resolver lookups by operation and result.
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_lookups_total",
			Help: "Resolver lookups by operation and result.",
		},
		[]string{"op", "result"}, // result = hit | miss | unavailable | invalid
	)

	// Tracks scheduler job executions.
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_scheduler_job_runs_total",
			Help: "Scheduler job executions by job and result.",
		},
		[]string{"job", "result"}, // ok | error | skipped | missed
	)

	// Counts catalog events sent to NATS.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_events_published_total",
			Help: "Catalog events published to NATS (by type and result).",
		},
		[]string{"type", "result"},
	)

	// Measures NATS publish latency.
	EventPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_event_publish_latency_seconds",
			Help:    "Latency of catalog event publishes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Rows copied into the Postgres mirror.
	MirrorRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_mirror_rows",
			Help: "Rows written to the Postgres mirror by the last sync.",
		},
	)

	// HTTP requests served by the API adapter.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_http_requests_total",
			Help: "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_errors_total",
			Help: "Count of catalog-level errors by component.",
		},
		[]string{"component", "reason"},
	)
)

// ObserveRefresh records the outcome and duration of one refresh cycle.
func ObserveRefresh(result string, start time.Time) {
	RefreshTotal.WithLabelValues(result).Inc()
	RefreshDuration.Observe(time.Since(start).Seconds())
}

// SetPublished updates the published-snapshot gauges.
func SetPublished(records int, at time.Time) {
	PublishedRecords.Set(float64(records))
	if at.IsZero() {
		LastPublishTimestamp.Set(0)
		return
	}
	LastPublishTimestamp.Set(float64(at.Unix()))
}

// IncLookup increments the lookup counter.
func IncLookup(op, result string) {
	LookupsTotal.WithLabelValues(op, result).Inc()
}

// IncJob increments the scheduler job counter.
func IncJob(job, result string) {
	JobRuns.WithLabelValues(job, result).Inc()
}

// IncError increments the aggregated error counter.
func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

// IncEvent increments the event publish counter.
func IncEvent(typ, result string) {
	EventsPublished.WithLabelValues(typ, result).Inc()
}

// ObserveDuration records elapsed time since start for a labelled histogram.
func ObserveDuration(h *prometheus.HistogramVec, start time.Time, label string) {
	h.WithLabelValues(label).Observe(time.Since(start).Seconds())
}
