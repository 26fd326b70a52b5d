package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// restoreGlobals puts the global OTel providers back after a test that
// called InitProvider.
func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp, prop := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape: got status %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestInitProvider_ServesMetrics(t *testing.T) {
	restoreGlobals(t)
	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.Metrics.RecordRun(context.Background(), "completed")
	tel.Metrics.RecordBreakerTransition(context.Background(), "llm/ollama", "open")

	out := scrape(t, tel.Handler)
	for _, want := range []string{
		"lectern_pipeline_runs",
		`outcome="completed"`,
		"lectern_breaker_transitions",
		`breaker="llm/ollama"`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestInitProvider_ExportsSpans(t *testing.T) {
	restoreGlobals(t)
	exp := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{TraceExporter: exp})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	_, span := StartRun(context.Background(), "pipeline.run", "run-1", "")
	span.End()

	// Shutdown flushes the batcher.
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "pipeline.run" {
		t.Errorf("exported spans = %v, want one pipeline.run span", spans)
	}
}

func TestInitProvider_RespectsClientSampling(t *testing.T) {
	restoreGlobals(t)
	exp := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{TraceExporter: exp, SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	// A client that did not sample its trace keeps it unsampled here.
	h := Middleware(tel.Metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("exported %d spans for an unsampled client trace, want 0", n)
	}
}
