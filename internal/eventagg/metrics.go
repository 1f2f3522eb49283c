package eventagg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the aggregation pipeline: events ingested, cache
// size, and flush outcomes. These are the ambient observability surface
// the HTTP /metrics endpoint exposes; they are not part of the store
// contract itself.
var (
	eventsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "useraggd_events_received_total",
			Help: "Total number of user events received from the bus.",
		},
	)

	eventsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "useraggd_events_skipped_total",
			Help: "Total number of records skipped because they could not be decoded or validated.",
		},
		[]string{"reason"},
	)

	cacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "useraggd_cache_size",
			Help: "Current number of distinct (user_id, event_type) counters held in the aggregation cache.",
		},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "useraggd_flush_duration_seconds",
			Help:    "Duration of a full flush cycle (drain + chunked upsert).",
			Buckets: prometheus.DefBuckets,
		},
	)

	flushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "useraggd_flush_total",
			Help: "Total number of flush attempts by outcome.",
		},
		[]string{"outcome"}, // success, error
	)

	flushCountersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "useraggd_flush_counters_total",
			Help: "Total number of (user_id, event_type) counter rows successfully upserted.",
		},
	)

	consumerLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "useraggd_consumer_lag",
			Help: "Approximate number of unacknowledged messages pending on the subscription.",
		},
	)
)

// RecordEventReceived increments the events-received counter.
func RecordEventReceived() {
	eventsReceivedTotal.Inc()
}

// RecordEventSkipped increments the events-skipped counter for reason.
func RecordEventSkipped(reason string) {
	eventsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordCacheSize sets the cache-size gauge.
func RecordCacheSize(n int) {
	cacheSize.Set(float64(n))
}

// RecordFlush records the outcome and duration of one flush cycle.
func RecordFlush(success bool, rows int, seconds float64) {
	flushDuration.Observe(seconds)
	if success {
		flushTotal.WithLabelValues("success").Inc()
		flushCountersTotal.Add(float64(rows))
		return
	}
	flushTotal.WithLabelValues("error").Inc()
}

// RecordConsumerLag sets the consumer-lag gauge.
func RecordConsumerLag(n int64) {
	consumerLag.Set(float64(n))
}
