package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/intake/internal/config"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "intake", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}
	shutdown, err := InitTracing(context.Background(), cfg, "intake", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := InitTracing(context.Background(), cfg, "intake", "test"); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_attributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "session.collection_flush",
		AttrSubmissionID.String("sub-1"),
		AttrCollection.String("services"),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := spanAttrMap(spans[0])
	if attrs["intake.submission_id"] != "sub-1" {
		t.Errorf("intake.submission_id = %q", attrs["intake.submission_id"])
	}
	if attrs["intake.collection"] != "services" {
		t.Errorf("intake.collection = %q", attrs["intake.collection"])
	}
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the created span")
	}
}

func TestStartSpan_parentChild(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "session.submit")
	_, child := StartSpan(ctx, "workflow.transition")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("parent and child should share the trace ID")
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child parent span ID should match parent span ID")
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "generate.anthropic")
	EndSpanWithError(failed, errors.New("upstream 502"))
	_, ok := StartSpan(context.Background(), "generate.anthropic")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "upstream 502" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("failed span should record the error event")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("nil error should not set Error status")
	}
}

func TestTraceAndSpanIDFromContext(t *testing.T) {
	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Errorf("TraceIDFromContext without span = %q", id)
	}

	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "ids")
	defer span.End()

	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q", got)
	}
	if SpanIDFromContext(ctx) == "" {
		t.Error("SpanIDFromContext should be non-empty")
	}
}

// --- Middleware ---

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/api/intake/{token}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/intake/9f2c", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /api/intake/{token}" {
		t.Errorf("span name = %q, want route pattern", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.route"] != "/api/intake/{token}" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("http.response.status_code = %q", attrs["http.response.status_code"])
	}
	if strings.Contains(s.Name, "9f2c") {
		t.Error("span name should not carry the access token")
	}
}

func TestTracingMiddleware_withoutRouter(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/generate", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "POST /api/generate" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error for 500", spans[0].Status.Code)
	}
}

func TestTracingMiddleware_extractsTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/api/admin/submissions", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace ID = %q, want %q", got, traceID)
	}
	if got := spans[0].Parent.SpanID().String(); got != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", got, parentSpanID)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should carry a Traceparent header")
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "generate.anthropic")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("InjectTraceHeaders should set Traceparent")
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "TraceIDRatioBased{0.1}"},
		{0.5, "TraceIDRatioBased{0.5}"},
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("newSampler(%v) = %q, want ParentBased over %s", tt.rate, desc, tt.want)
		}
	}
}

// --- helpers ---

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
