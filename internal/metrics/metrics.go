package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydock_events_ingested_total",
			Help: "Total number of events accepted at the ingestion boundary.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydock_deliveries_total",
			Help: "Total number of delivery tasks by terminal status.",
		},
		[]string{"status"}, // success, failure
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydock_attempts_total",
			Help: "Total number of delivery attempts by resolved status.",
		},
		[]string{"status"}, // success, failed_attempt, failure
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydock_retries_total",
			Help: "Total number of delivery retries by transport failure reason.",
		},
		[]string{"reason"}, // timeout, connection_refused, dns_error, network
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaydock_delivery_duration_seconds",
			Help:    "Wall-clock duration of a delivery task from first attempt to terminal state.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 1500},
		},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydock_queue_backlog",
			Help: "Number of delivery tasks waiting in the dispatch queue.",
		},
	)

	RetentionDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydock_retention_deleted_total",
			Help: "Total number of attempt rows deleted by retention pruning.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		DeliveriesTotal,
		AttemptsTotal,
		RetriesTotal,
		DeliveryDuration,
		QueueBacklog,
		RetentionDeletedTotal,
	)
}

// RecordEventIngested increments the ingested events counter
func RecordEventIngested() {
	EventsIngestedTotal.Inc()
}

// RecordDelivery records a terminal delivery outcome and its duration
func RecordDelivery(status string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryDuration.Observe(d.Seconds())
}

// RecordAttempt records one resolved delivery attempt
func RecordAttempt(status string) {
	AttemptsTotal.WithLabelValues(status).Inc()
}

// RecordRetry records one retry by transport failure reason
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// UpdateQueueBacklog sets the current dispatch queue depth
func UpdateQueueBacklog(depth float64) {
	QueueBacklog.Set(depth)
}

// RecordRetentionDeleted adds the count of rows removed by a prune run
func RecordRetentionDeleted(n int64) {
	RetentionDeletedTotal.Add(float64(n))
}
