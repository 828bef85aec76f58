package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_events_ingested_total",
			Help: "Total number of events accepted by intake.",
		},
		[]string{"source", "event_type"},
	)

	FanoutSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookrelay_event_fanout",
			Help:    "Number of deliveries created per ingested event.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Total number of delivery tries by resulting status.",
		},
		[]string{"status"},
	)

	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_attempt_latency_seconds",
			Help:    "Latency of outbound callback tries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	CallbackResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_callback_responses_total",
			Help: "Callback HTTP responses by status code.",
		},
		[]string{"code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_total",
			Help: "Total number of failed tries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_dlq_total",
			Help: "Total number of deliveries that ended failed.",
		},
		[]string{"reason"},
	)

	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_scheduler_queue_depth",
			Help: "Tasks waiting in the in-process scheduler.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_worker_backlog",
			Help: "Depth of the NSQ worker channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookrelay_nsq_topic_depth",
			Help: "Depth of NSQ topic channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsIngestedTotal,
		FanoutSize,
		DeliveriesTotal,
		AttemptLatency,
		CallbackResponsesTotal,
		RetriesTotal,
		DLQTotal,
		SchedulerQueueDepth,
		WorkerBacklog,
		NSQTopicDepth,
	)
}

// RecordIngest counts one accepted event and its fan-out.
func RecordIngest(source, eventType string, fanout int) {
	EventsIngestedTotal.WithLabelValues(source, eventType).Inc()
	FanoutSize.Observe(float64(fanout))
}

// RecordDelivery counts one try ending in status and observes its latency.
// A zero latency means no HTTP call was made.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		AttemptLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordCallbackResponse(code string) {
	CallbackResponsesTotal.WithLabelValues(code).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func SetSchedulerQueueDepth(n int) {
	SchedulerQueueDepth.Set(float64(n))
}

func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
