package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Vec metrics only appear in Gather() once a child exists
	RecordIngest("https://api.stripe.com", "order.created", 2)
	RecordDelivery("success", 100*time.Millisecond)
	RecordCallbackResponse("200")
	RecordRetry("timeout")
	RecordDLQ("http_5xx")
	SetSchedulerQueueDepth(1)
	UpdateWorkerBacklog(5)
	UpdateNSQTopicDepth("deliveries", "workers", 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	got := make(map[string]bool)
	for _, mf := range families {
		got[mf.GetName()] = true
	}
	for _, name := range []string{
		"hookrelay_events_ingested_total",
		"hookrelay_event_fanout",
		"hookrelay_deliveries_total",
		"hookrelay_attempt_latency_seconds",
		"hookrelay_callback_responses_total",
		"hookrelay_retries_total",
		"hookrelay_dlq_total",
		"hookrelay_scheduler_queue_depth",
		"hookrelay_worker_backlog",
		"hookrelay_nsq_topic_depth",
	} {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestRecordIngest(t *testing.T) {
	EventsIngestedTotal.Reset()

	tests := []struct {
		name      string
		source    string
		eventType string
		calls     int
	}{
		{"single", "https://api.stripe.com", "order.created", 1},
		{"several", "https://api.github.com", "user.updated", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordIngest(tt.source, tt.eventType, 1)
			}
			v := testutil.ToFloat64(EventsIngestedTotal.WithLabelValues(tt.source, tt.eventType))
			if v != float64(tt.calls) {
				t.Errorf("counter = %f, want %d", v, tt.calls)
			}
		})
	}
}

func TestRecordDelivery(t *testing.T) {
	DeliveriesTotal.Reset()
	AttemptLatency.Reset()

	RecordDelivery("pending", 50*time.Millisecond)
	RecordDelivery("pending", 70*time.Millisecond)
	RecordDelivery("failed", 0)

	if v := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("pending")); v != 2 {
		t.Errorf("pending = %f, want 2", v)
	}
	if v := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("failed")); v != 1 {
		t.Errorf("failed = %f, want 1", v)
	}
	// zero latency skips the histogram
	if n := testutil.CollectAndCount(AttemptLatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}

func TestRecordRetryAndDLQ(t *testing.T) {
	RetriesTotal.Reset()
	DLQTotal.Reset()

	for _, r := range []string{"timeout", "timeout", "http_5xx"} {
		RecordRetry(r)
	}
	RecordDLQ("http_5xx")

	tests := []struct {
		name   string
		metric prometheus.Collector
		want   float64
	}{
		{"timeout retries", RetriesTotal.WithLabelValues("timeout"), 2},
		{"5xx retries", RetriesTotal.WithLabelValues("http_5xx"), 1},
		{"dlq", DLQTotal.WithLabelValues("http_5xx"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := testutil.ToFloat64(tt.metric); v != tt.want {
				t.Errorf("value = %f, want %f", v, tt.want)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	SetSchedulerQueueDepth(7)
	if v := testutil.ToFloat64(SchedulerQueueDepth); v != 7 {
		t.Errorf("queue depth = %f, want 7", v)
	}
	UpdateWorkerBacklog(42)
	if v := testutil.ToFloat64(WorkerBacklog); v != 42 {
		t.Errorf("backlog = %f, want 42", v)
	}
	UpdateNSQTopicDepth("deliveries", "workers", 3)
	if v := testutil.ToFloat64(NSQTopicDepth.WithLabelValues("deliveries", "workers")); v != 3 {
		t.Errorf("topic depth = %f, want 3", v)
	}
}

func TestPrometheusTextOutput(t *testing.T) {
	UpdateWorkerBacklog(42)
	expected := `
# HELP hookrelay_worker_backlog Depth of the NSQ worker channel.
# TYPE hookrelay_worker_backlog gauge
hookrelay_worker_backlog 42
`
	if err := testutil.CollectAndCompare(WorkerBacklog, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected exposition: %v", err)
	}
}
