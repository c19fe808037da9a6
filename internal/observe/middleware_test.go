package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddleware returns the middleware over a manual metric reader, with
// spans going to an in-memory exporter.
func newMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return Middleware(m), reader, installTracer(t)
}

func apiMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestMiddleware_Span(t *testing.T) {
	tests := []struct {
		path       string
		wantName   string
		wantStatus int64
		wantError  bool
	}{
		{path: "/api/sessions/s1", wantName: "GET /api/sessions/{id}", wantStatus: 200},
		{path: "/api/sessions/broken", wantName: "GET /api/sessions/{id}", wantStatus: 500, wantError: true},
		{path: "/nowhere", wantName: "GET /nowhere", wantStatus: 404},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			mw, _, exp := newMiddleware(t)
			rec := httptest.NewRecorder()
			mw(apiMux()).ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != tt.wantName {
				t.Errorf("name = %q, want %q", s.Name, tt.wantName)
			}
			var status int64
			for _, a := range s.Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != tt.wantStatus {
				t.Errorf("status attribute = %d, want %d", status, tt.wantStatus)
			}
			if got := s.Status.Code == codes.Error; got != tt.wantError {
				t.Errorf("span error = %v, want %v", got, tt.wantError)
			}
			if got := rec.Header().Get(CorrelationHeader); got != s.SpanContext.TraceID().String() {
				t.Errorf("%s = %q, want the span's trace id", CorrelationHeader, got)
			}
		})
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	mw, _, _ := newMiddleware(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen string
	h := mw(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest("GET", "/api/live", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler trace id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q", CorrelationHeader, got)
	}
	if !strings.Contains(rec.Header().Get("traceparent"), traceID) {
		t.Errorf("traceparent not injected: %q", rec.Header().Get("traceparent"))
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	mw, reader, _ := newMiddleware(t)
	h := mw(apiMux())
	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/sessions/"+id, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxbench.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want one per route", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "GET /api/sessions/{id}" {
		t.Errorf("path = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != "GET" {
		t.Errorf("method = %q", v.AsString())
	}
}

func TestMiddleware_QuietProbes(t *testing.T) {
	mw, _, _ := newMiddleware(t)
	buf := captureLogs(t)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" && r.URL.RawQuery == "fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("healthy probe logged at info: %s", buf)
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz?fail", nil))
	if !strings.Contains(buf.String(), "status=503") {
		t.Errorf("failing probe not logged: %s", buf)
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	mw, _, exp := newMiddleware(t)
	srv := httptest.NewServer(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept through middleware: %v", err)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	})))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_, _, _ = conn.Read(ctx)
	conn.CloseNow()

	deadline := time.Now().Add(time.Second)
	for len(exp.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() != http.StatusSwitchingProtocols {
			t.Errorf("status = %d, want 101", a.Value.AsInt64())
		}
	}
}
