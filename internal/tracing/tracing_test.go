package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want string
	}{
		{"from env", "v1.2.3", "v1.2.3"},
		{"default", "", "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.env)
			if got := getVersion(); got != tt.want {
				t.Errorf("getVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		podName  string
		want     string
	}{
		{"hostname wins", "host-1", "pod-1", "host-1"},
		{"pod name fallback", "", "hookrelay-worker-abc123", "hookrelay-worker-abc123"},
		{"unknown", "", "", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostname)
			t.Setenv("POD_NAME", tt.podName)
			if got := getInstanceID(); got != tt.want {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want string
	}{
		{"http prefix", "http://collector:4318", "collector:4318"},
		{"https prefix and slash", "https://collector:4318/", "collector:4318"},
		{"bare", "collector:4318", "collector:4318"},
		{"default", "", "localhost:4318"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.env)
			if got := getOTLPEndpoint(); got != tt.want {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetSampleRatio(t *testing.T) {
	tests := map[string]float64{"": 1, "0.25": 0.25, "-1": 0, "3": 1, "nope": 1}
	for in, want := range tests {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", in)
		if got := getSampleRatio(); got != want {
			t.Errorf("getSampleRatio(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitTracingDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	shutdown, err := InitTracing(context.Background(), "hookrelay-test")
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	shutdown()
}

func TestStartSpanAndEvents(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch.try",
		attribute.String("delivery_id", "d-1"),
		attribute.Int("attempt", 2),
	)
	AddSpanEvent(ctx, "http.send_webhook", attribute.String("url", "https://example.com"))
	SetSpanError(ctx, errors.New("boom"))
	SetSpanError(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "dispatch.try" {
		t.Errorf("span name = %q", s.Name)
	}
	if len(s.Attributes) != 2 {
		t.Errorf("attributes = %v", s.Attributes)
	}
	var sawEvent bool
	for _, ev := range s.Events {
		if ev.Name == "http.send_webhook" {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("span event not recorded")
	}
	if s.Status.Code != codes.Error || s.Status.Description != "boom" {
		t.Errorf("status = %+v", s.Status)
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID(empty ctx) = %q", id)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if id := GetTraceID(ctx); id != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID = %q", id)
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "ingest")
	defer span.End()

	headers := InjectHeaders(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}
	restored := ExtractHeaders(context.Background(), headers)
	_, child := StartSpan(restored, "dispatch")
	defer child.End()
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("extracted context does not continue the trace")
	}

	if got := InjectHeaders(context.Background()); len(got) != 0 {
		t.Errorf("InjectHeaders without span = %v", got)
	}
	if ctx := ExtractHeaders(context.Background(), nil); ctx == nil {
		t.Error("ExtractHeaders(nil) returned nil context")
	}
}

func TestHTTPHelpers(t *testing.T) {
	exporter := setupTestTracer(t)

	srv := httptest.NewServer(HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("traceparent") == "" {
			t.Error("client did not propagate traceparent")
		}
		w.WriteHeader(http.StatusNoContent)
	}), "test-server"))
	defer srv.Close()

	client := HTTPClient(2 * time.Second)
	if client.Timeout != 2*time.Second {
		t.Errorf("client timeout = %v", client.Timeout)
	}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if n := len(exporter.GetSpans()); n < 2 {
		t.Errorf("got %d spans, want client and server spans", n)
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/hookrelay" {
		t.Errorf("TracerName = %q", TracerName)
	}
}
