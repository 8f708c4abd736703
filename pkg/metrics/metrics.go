package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_ingested_total",
			Help: "Total number of records admitted to the inbound queue (count)",
		},
		[]string{"source"},
	)

	RecordsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_skipped_total",
			Help: "Total number of records skipped before admission (count)",
		},
		[]string{"source", "reason"},
	)

	RecordsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_processed_total",
			Help: "Total number of inbound records handled by the processor (count)",
		},
		[]string{"status"},
	)

	TransformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transform_duration_ms",
			Help:    "Record transformation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"status"},
	)

	BatchesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_sent_total",
			Help: "Total number of downstream batch submissions (count)",
		},
		[]string{"status"},
	)

	PayloadsDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payloads_delivered_total",
			Help: "Total number of payloads confirmed by the downstream API (count)",
		},
	)

	BatchSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_send_duration_ms",
			Help:    "Downstream batch submission duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"status"},
	)

	DeadletteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadlettered_total",
			Help: "Total number of items moved to a dead-letter list (count)",
		},
		[]string{"queue", "reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current queue depth by queue and state (count)",
		},
		[]string{"queue", "state"},
	)

	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limiter admission decisions per identity (count)",
		},
		[]string{"identity", "decision"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Inbound HTTP requests seen by the rate limit middleware (count)",
		},
		[]string{"status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts per external API identity (count)",
		},
		[]string{"identity"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failed requests through circuit breaker (count)",
		},
		[]string{"name"},
	)

	SubscriptionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscription_state",
			Help: "Push subscription state (0=absent, 1=creating, 2=active, 3=renewing, 4=expired, 5=failed) (state code)",
		},
	)

	SubscriptionRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_renewals_total",
			Help: "Total number of subscription renewal attempts (count)",
		},
		[]string{"status"},
	)

	WebhookNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_notifications_total",
			Help: "Total number of push notifications received (count)",
		},
		[]string{"status"},
	)

	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total number of polling cycles executed (count)",
		},
		[]string{"trigger"},
	)
)

func RegisterPipelineMetrics() {
	prometheus.MustRegister(
		RecordsIngestedTotal,
		RecordsSkippedTotal,
		RecordsProcessedTotal,
		TransformDuration,
		BatchesSentTotal,
		PayloadsDeliveredTotal,
		BatchSendDuration,
		DeadletteredTotal,
		QueueDepth,
	)
}

func RegisterIngestMetrics() {
	prometheus.MustRegister(
		SubscriptionState,
		SubscriptionRenewalsTotal,
		WebhookNotificationsTotal,
		PollCyclesTotal,
	)
}

func RegisterRateLimitMetrics() {
	prometheus.MustRegister(
		RateLimitDecisionsTotal,
		RateLimitRequestsTotal,
		RetryAttemptsTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
	)
}

func ObserveTransformDuration(d time.Duration, status string) {
	TransformDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func ObserveBatchSendDuration(d time.Duration, status string) {
	BatchSendDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func SetQueueDepth(queue, state string, depth int64) {
	QueueDepth.WithLabelValues(queue, state).Set(float64(depth))
}
