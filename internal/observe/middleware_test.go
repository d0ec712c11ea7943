package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented returns a mux wrapped in Middleware plus the readers for its
// telemetry.
func instrumented(t *testing.T) (*http.ServeMux, http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	mux := http.NewServeMux()
	return mux, Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "hex.http.request.duration")
	if met == nil {
		t.Fatal("hex.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T", met.Data)
	}
	return hist.DataPoints
}

func attrOf(set attribute.Set, key string) attribute.Value {
	v, _ := set.Value(attribute.Key(key))
	return v
}

func TestMiddleware_CorrelationID(t *testing.T) {
	mux, h, _, _ := instrumented(t)
	var seen string
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	rec := serve(h, "GET", "/ping", nil)
	if len(seen) != 32 {
		t.Fatalf("handler correlation ID = %q", seen)
	}
	if got := rec.Header().Get(CorrelationHeader); got != seen {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, seen)
	}

	// An incoming W3C trace is continued.
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec = serve(h, "GET", "/ping", http.Header{"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}})
	if seen != traceID || rec.Header().Get(CorrelationHeader) != traceID {
		t.Errorf("continued trace = %q / %q, want %s", seen, rec.Header().Get(CorrelationHeader), traceID)
	}
}

func TestMiddleware_RouteLabels(t *testing.T) {
	mux, h, reader, exp := instrumented(t)
	mux.HandleFunc("GET /threads/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	serve(h, "GET", "/threads/t-1", nil)
	serve(h, "GET", "/threads/t-2", nil)
	serve(h, "GET", "/nowhere", nil)

	routes := map[string]uint64{}
	for _, dp := range durationPoints(t, reader) {
		route := attrOf(dp.Attributes, "route").AsString()
		routes[route] += dp.Count
		if route == "GET /threads/{id}" && attrOf(dp.Attributes, "status").AsInt64() != http.StatusTeapot {
			t.Errorf("status attribute = %v", attrOf(dp.Attributes, "status"))
		}
	}
	if routes["GET /threads/{id}"] != 2 || routes[unmatchedRoute] != 1 {
		t.Errorf("route counts = %v", routes)
	}

	spans := exp.GetSpans()
	if len(spans) != 3 || spans[0].Name != "GET /threads/{id}" || spans[2].Name != unmatchedRoute {
		t.Errorf("span names = %v", spanNames(spans))
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	mux, h, _, exp := instrumented(t)
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	serve(h, "GET", "/boom", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code.String() != "Error" {
		t.Fatalf("spans = %+v", spans)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusInternalServerError {
		t.Errorf("span status code = %d", status)
	}
}

func TestMiddleware_WebSocketUpgrade(t *testing.T) {
	mux, h, reader, _ := instrumented(t)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept through middleware: %v", err)
			return
		}
		defer conn.CloseNow()
		_, msg, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, msg)
		conn.Close(websocket.StatusNormalClosure, "")
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()
	if err := conn.Write(ctx, websocket.MessageText, []byte("echo")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, msg, err := conn.Read(ctx); err != nil || string(msg) != "echo" {
		t.Fatalf("Read = %q, %v", msg, err)
	}
	_, _, _ = conn.Read(ctx) // wait for the server's close frame

	// The request is recorded once the handler has returned.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if findMetric(rm, "hex.http.request.duration") != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("upgraded request was never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	points := durationPoints(t, reader)
	if len(points) != 1 || attrOf(points[0].Attributes, "status").AsInt64() != http.StatusSwitchingProtocols {
		t.Errorf("upgrade not recorded as 101: %+v", points)
	}
}

func spanNames(spans tracetest.SpanStubs) []string {
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	return names
}
