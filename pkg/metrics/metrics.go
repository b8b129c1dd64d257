package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingested notification count by event type and final outcome.
	IngestedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfeed_ingested_events_total",
			Help: "Total number of ingested notifications",
		},
		[]string{"event_type", "outcome"}, // outcome: acknowledged, dropped, redelivery, dead_lettered
	)

	// Event store write latency (seconds).
	StorePutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfeed_store_put_duration_seconds",
			Help:    "Event store put duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"outcome"},
	)

	// Webhook delivery latency (seconds).
	WebhookDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfeed_webhook_delivery_duration_seconds",
			Help:    "Webhook POST duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"receiver", "outcome"},
	)

	// Messages routed to the dead-letter exchange.
	DeadLetteredMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfeed_dead_lettered_messages_total",
			Help: "Total number of messages published to the DLQ",
		},
	)

	// Batch size as seen by the worker.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailfeed_batch_size",
			Help:    "Number of messages per processed batch",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		},
	)

	// Aggregation scan latency (seconds).
	AggregationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailfeed_aggregation_duration_seconds",
			Help:    "Metrics aggregation scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"outcome"},
	)
)

// RecordIngested records the final outcome for one notification.
func RecordIngested(eventType, outcome string) {
	IngestedEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordStorePut records one event store write.
func RecordStorePut(outcome string, duration time.Duration) {
	StorePutDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordWebhookDelivery records one webhook POST.
func RecordWebhookDelivery(receiver, outcome string, duration time.Duration) {
	WebhookDeliveryDuration.WithLabelValues(receiver, outcome).Observe(duration.Seconds())
}

// RecordAggregation records one aggregation scan.
func RecordAggregation(outcome string, duration time.Duration) {
	AggregationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
