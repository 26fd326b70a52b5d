package observe

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// routed returns the middleware around a mux with a few API-shaped routes.
func routed(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := useTestTracer(t)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /ws/voice", func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = conn.Close()
	})
	return Middleware(m)(mux), reader, exp
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "lectern.http.request.duration")
	if met == nil {
		return nil
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("request duration is %T, want a histogram", met.Data)
	}
	return hist.DataPoints
}

func attrOf(dp metricdata.HistogramDataPoint[float64], key string) string {
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := routed(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/abc", nil))

	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32 char trace ID", cid)
	}
	if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
		t.Errorf("handler saw correlation ID %q, response carries %q", seen, cid)
	}
}

func TestMiddleware_ContinuesClientTrace(t *testing.T) {
	h, _, _ := routed(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/abc", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	if got := rec.Header().Get("X-Correlation-ID"); got != want {
		t.Errorf("X-Correlation-ID = %q, want %q", got, want)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	h, reader, exp := routed(t)

	for _, path := range []string{"/api/sessions/a", "/api/sessions/b", "/api/sessions/missing", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	type key struct{ route, status string }
	counts := make(map[key]uint64)
	for _, dp := range durationPoints(t, reader) {
		if m := attrOf(dp, "method"); m != "GET" {
			t.Errorf("method attribute = %q, want GET", m)
		}
		counts[key{attrOf(dp, "route"), attrOf(dp, "status")}] += dp.Count
	}
	want := map[key]uint64{
		{"GET /api/sessions/{id}", "200"}: 2,
		{"GET /api/sessions/{id}", "404"}: 1,
		{unmatchedRoute, "404"}:           1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("requests for %v = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}

	spans := exp.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("got %d spans, want 4", len(spans))
	}
	if spans[0].Name != "GET /api/sessions/{id}" {
		t.Errorf("span name = %q, want the route pattern", spans[0].Name)
	}
	if spans[3].Name != "HTTP GET" {
		t.Errorf("unmatched span name = %q, want HTTP GET", spans[3].Name)
	}
	var status int64
	for _, a := range spans[2].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

// hijackRecorder is an httptest.ResponseRecorder that supports hijacking.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, bufio.NewReadWriter(bufio.NewReader(c1), bufio.NewWriter(c1)), nil
}

func TestMiddleware_WebsocketUpgrade(t *testing.T) {
	h, reader, exp := routed(t)

	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/voice", nil))

	if !rec.hijacked {
		t.Fatal("underlying writer was not hijacked")
	}
	if dps := durationPoints(t, reader); len(dps) != 0 {
		t.Errorf("websocket upgrade recorded %d request duration points, want 0", len(dps))
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() != http.StatusSwitchingProtocols {
			t.Errorf("status attribute = %d, want 101", a.Value.AsInt64())
		}
	}
}
