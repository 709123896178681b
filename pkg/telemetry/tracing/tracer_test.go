package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"mercator-hq/h2edge/pkg/config"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tracer, err := NewWithExporter(&config.TracingConfig{
		Enabled:     true,
		Sampler:     SamplerAlways,
		ServiceName: "h2edge-test",
	}, exporter)
	if err != nil {
		t.Fatalf("NewWithExporter() error = %v", err)
	}
	t.Cleanup(func() { tracer.Shutdown(context.Background()) })
	return tracer, exporter
}

func TestNew(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}

	tracer, err := New(&config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() disabled error = %v", err)
	}
	if tracer.Enabled() {
		t.Error("disabled tracer reports enabled")
	}
	_, span := tracer.Start(context.Background(), "op")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer produced a recording span")
	}
	span.End()
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewWithExporter_InvalidSampler(t *testing.T) {
	_, err := NewWithExporter(&config.TracingConfig{Enabled: true, Sampler: "sometimes"}, tracetest.NewInMemoryExporter())
	if err == nil {
		t.Error("expected error for unknown sampler")
	}
}

func TestTracer_NilIsNoop(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.StartConnection(context.Background(), ConnInfo{ID: "x"})
	span.End()
	if TraceID(ctx) != "" {
		t.Error("nil tracer produced a trace ID")
	}
	if tracer.Enabled() {
		t.Error("nil tracer reports enabled")
	}
}

func TestTracer_StartConnection(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	ctx, span := tracer.StartConnection(context.Background(), ConnInfo{
		ID:         "conn-1",
		ClientIP:   "203.0.113.5",
		ClientPort: 40000,
		TLS:        true,
		Worker:     2,
	})
	if TraceID(ctx) == "" || SpanID(ctx) == "" {
		t.Fatal("connection span context is not valid")
	}
	SetProtocolAttributes(span, "h2", "h2", "alpn")
	AddEvent(span, EventRenegotiation)
	SetError(span, errors.New("renegotiation"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != SpanConnection {
		t.Errorf("name = %q", got.Name)
	}
	attrs := map[string]string{}
	for _, kv := range got.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	for k, want := range map[string]string{
		AttrConnID:        "conn-1",
		AttrClientAddress: "203.0.113.5",
		AttrClientPort:    "40000",
		AttrTLS:           "true",
		AttrProtocolVia:   "alpn",
	} {
		if attrs[k] != want {
			t.Errorf("attribute %s = %q, want %q", k, attrs[k], want)
		}
	}
	var names []string
	for _, ev := range got.Events {
		names = append(names, ev.Name)
	}
	if len(names) != 3 || names[0] != EventProtocolSelected || names[1] != EventRenegotiation {
		t.Errorf("events = %v", names)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status.Code)
	}
}

func TestInjectBackendRequest(t *testing.T) {
	tracer, _ := newTestTracer(t)
	ctx, span := tracer.StartConnection(context.Background(), ConnInfo{ID: "c"})
	defer span.End()

	h := http.Header{}
	InjectBackendRequest(ctx, h)
	tp := h.Get("traceparent")
	if !ValidateTraceParent(tp) {
		t.Fatalf("injected traceparent %q is invalid", tp)
	}
	if got := Extract(context.Background(), h); TraceID(got) != TraceID(ctx) {
		t.Errorf("extracted trace %q, want %q", TraceID(got), TraceID(ctx))
	}

	client := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	h = http.Header{"Traceparent": {client}}
	InjectBackendRequest(ctx, h)
	if h.Get("traceparent") != client {
		t.Errorf("client traceparent replaced: %q", h.Get("traceparent"))
	}

	h = http.Header{"Traceparent": {"garbage"}, "Tracestate": {"a=b"}}
	InjectBackendRequest(ctx, h)
	if h.Get("traceparent") == "garbage" || h.Get("tracestate") == "a=b" {
		t.Errorf("invalid client trace headers kept: %v", h)
	}
}

func TestValidateTraceParent(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", true},
		{"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7", false},
		{"00-00000000000000000000000000000000-00f067aa0ba902b7-01", false},
		{"00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01", false},
		{"00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01", false},
		{"ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidateTraceParent(tt.in); got != tt.want {
			t.Errorf("ValidateTraceParent(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCreateSampler(t *testing.T) {
	tests := []struct {
		strategy string
		ratio    float64
		wantErr  bool
	}{
		{SamplerAlways, 0, false},
		{SamplerNever, 0, false},
		{SamplerRatio, 0.5, false},
		{SamplerRatio, 1.5, true},
		{SamplerRatio, -0.1, true},
		{"invalid", 0, true},
	}
	for _, tt := range tests {
		s, err := createSampler(tt.strategy, tt.ratio)
		if (err != nil) != tt.wantErr {
			t.Errorf("createSampler(%q, %v) error = %v, wantErr %v", tt.strategy, tt.ratio, err, tt.wantErr)
		}
		if !tt.wantErr && s == nil {
			t.Errorf("createSampler(%q) returned nil", tt.strategy)
		}
	}
}
