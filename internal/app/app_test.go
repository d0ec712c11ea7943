package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hexenseai/hex-platform/internal/app"
	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/config"
	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/session"
	"github.com/hexenseai/hex-platform/internal/thread"
	"github.com/hexenseai/hex-platform/internal/transport/ws"
	embmock "github.com/hexenseai/hex-platform/pkg/provider/embeddings/mock"
	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	llmmock "github.com/hexenseai/hex-platform/pkg/provider/llm/mock"
	"github.com/hexenseai/hex-platform/pkg/vectorindex/chromem"
)

const configYAML = `
providers:
  llm: [{name: openai}]
  embeddings: {name: mock}
catalog: {path: unused.yaml}
`

const catalogYAML = `
models:
  - {id: gpt4o, provider: openai, name: gpt-4o}
companies:
  - id: acme
    name: ACME
    credentials: {openai: sk-test}
packages:
  - {id: general, name: General Helper, description: Answers general questions., model: gpt4o}
profiles:
  - {id: p-alice, principal: alice, name: Alice, role: staff, company: acme}
`

const withBobYAML = catalogYAML + `
  - {id: p-bob, principal: bob, name: Bob, role: staff, company: acme}
`

type fixture struct {
	app     *app.App
	llm     *llmmock.Provider
	threads *thread.MemoryRepository
	index   *closingIndex
}

// closingIndex counts Close calls on an in-process index.
type closingIndex struct {
	*chromem.Store
	closed atomic.Int32
}

func (c *closingIndex) Close() { c.closed.Add(1) }

func newApp(t *testing.T) *fixture {
	t.Helper()

	cfg, err := config.LoadFromReader(strings.NewReader(configYAML))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cat, err := catalog.LoadFromReader(strings.NewReader(catalogYAML))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	f := &fixture{
		llm: &llmmock.Provider{Streams: [][]llm.Chunk{
			{{Text: "Hello, "}, {Text: "Alice."}, {FinishReason: "stop"}},
		}},
		threads: thread.NewMemoryRepository(),
		index:   &closingIndex{Store: chromem.New()},
	}
	d := llm.NewDispatcher()
	d.Register("openai", func(llm.ModelDescriptor, string) (llm.Provider, error) { return f.llm, nil })

	// Every text embeds to the same direction, so the only package always
	// scores 1.0.
	emb := &embmock.Provider{Dims: 3, Default: func(string) []float32 { return []float32{1, 0, 0} }}

	f.app, err = app.New(context.Background(), cfg, &app.Providers{
		LLM:        d,
		Embeddings: emb,
		Index:      f.index,
	}, app.WithCatalog(cat), app.WithThreadRepository(f.threads), app.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = f.app.Shutdown(context.Background()) })
	return f
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(configYAML))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if _, err := app.New(context.Background(), cfg, &app.Providers{LLM: llm.NewDispatcher()}); err == nil {
		t.Fatal("expected error without embeddings and index")
	}
}

func TestApp_Probes(t *testing.T) {
	t.Parallel()

	f := newApp(t)
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	if code, _ := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	code, body := get(t, srv.URL+"/readyz")
	if code != http.StatusOK || !strings.Contains(body, `"catalog":"ok"`) {
		t.Errorf("/readyz = %d %s", code, body)
	}
	if code, _ := get(t, srv.URL+"/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if code, body := get(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "draining") {
		t.Errorf("/readyz after shutdown = %d %s", code, body)
	}
}

func TestApp_ChatOverWebSocket(t *testing.T) {
	t.Parallel()

	f := newApp(t)
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{ws.PrincipalHeader: {"alice"}},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() session.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		var ev session.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return ev
	}

	if ack := read(); ack.Type != session.EventConnectionAck || ack.ProfileID != "p-alice" {
		t.Fatalf("ack = %+v", ack)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"chat_message","message":"hi there"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var text strings.Builder
	var types []session.EventType
	for {
		ev := read()
		types = append(types, ev.Type)
		if ev.Type == session.EventError {
			t.Fatalf("turn failed: %+v", ev)
		}
		if ev.Type == session.EventPackageSwitched && ev.PackageID != "general" {
			t.Errorf("package_switched = %+v", ev)
		}
		text.WriteString(ev.Chunk)
		if ev.Terminal() {
			break
		}
	}
	if types[0] != session.EventPackageSwitched {
		t.Errorf("first event = %s, want package_switched", types[0])
	}
	if text.String() != "Hello, Alice." {
		t.Errorf("streamed text = %q", text.String())
	}

	threads, err := f.threads.ListThreads(ctx, "alice")
	if err != nil || len(threads) != 1 {
		t.Fatalf("threads = %v, %v", threads, err)
	}
	if n, _ := f.threads.CountMessages(ctx, threads[0].ID); n != 2 {
		t.Errorf("messages = %d, want user + assistant", n)
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/threads", nil)
	req.Header.Set(ws.PrincipalHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /threads: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), threads[0].ID) {
		t.Errorf("GET /threads = %d %s", resp.StatusCode, body)
	}

	// The mocked backend saw the platform's system prompt and the user input.
	reqs := f.llm.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	if last.Content != "hi there" {
		t.Errorf("last message = %+v", last)
	}
}

func TestApp_ReloadCatalog(t *testing.T) {
	t.Parallel()

	f := newApp(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(withBobYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.app.ReloadCatalog(context.Background(), path); err != nil {
		t.Fatalf("ReloadCatalog: %v", err)
	}
	if _, ok := f.app.Catalog().Current().Profile("p-bob"); !ok {
		t.Error("reloaded catalog is not current")
	}

	if err := f.app.ReloadCatalog(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing catalog")
	}
	if _, ok := f.app.Catalog().Current().Profile("p-bob"); !ok {
		t.Error("failed reload replaced the catalog")
	}
}

func TestApp_Serve(t *testing.T) {
	t.Parallel()

	f := newApp(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestApp_ShutdownEndsLiveSessions(t *testing.T) {
	t.Parallel()

	f := newApp(t)
	f.llm.Block = make(chan struct{})
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{ws.PrincipalHeader: {"alice"}},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"chat_message","message":"hi"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Wait until the turn is stuck on the model.
	for len(f.llm.Requests()) == 0 {
		if ctx.Err() != nil {
			t.Fatal("turn never reached the model")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := f.index.closed.Load(); n != 1 {
		t.Errorf("index closed %d times, want 1", n)
	}
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if ctx.Err() != nil {
				t.Fatal("connection still open after shutdown")
			}
			break
		}
	}
	threads, _ := f.threads.ListThreads(context.Background(), "alice")
	for _, th := range threads {
		if n, _ := f.threads.CountMessages(context.Background(), th.ID); n != 1 {
			t.Errorf("thread %s has %d messages, want only the user message", th.ID, n)
		}
	}
}
