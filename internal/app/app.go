// Package app wires all hex-platform subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithThreadRepository,
// WithCatalog, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/config"
	"github.com/hexenseai/hex-platform/internal/health"
	"github.com/hexenseai/hex-platform/internal/memory"
	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/orchestrator"
	"github.com/hexenseai/hex-platform/internal/router"
	"github.com/hexenseai/hex-platform/internal/session"
	"github.com/hexenseai/hex-platform/internal/thread"
	threadpg "github.com/hexenseai/hex-platform/internal/thread/postgres"
	"github.com/hexenseai/hex-platform/internal/tools"
	"github.com/hexenseai/hex-platform/internal/tools/mcpsource"
	"github.com/hexenseai/hex-platform/internal/transport/rest"
	"github.com/hexenseai/hex-platform/internal/transport/ws"
	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

// Providers holds the model backends and the vector index. Populated by
// main.go via the config registry.
type Providers struct {
	// LLM dispatches every package's model to its backend. Required.
	LLM *llm.Dispatcher

	// Embeddings embeds package descriptions, messages and summaries. Required.
	Embeddings embeddings.Provider

	// Summariser writes memory summaries. Nil means truncated transcripts.
	Summariser llm.Provider

	// Index backs package routing and memory. Required.
	Index vectorindex.Index
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	threads      thread.Repository
	catalog      *catalog.Holder
	indexer      *catalog.Indexer
	router       *router.Router
	memory       *memory.Manager
	registry     *tools.Registry
	mcp          *mcpsource.Source
	switches     *tools.SwitchRequests
	orchestrator *orchestrator.Orchestrator
	sessions     *ws.Handler
	health       *health.Handler
	handler      http.Handler
	server       *http.Server

	// catalogMu guards the catalog watcher, which is replaced when the
	// catalog path changes.
	catalogMu      sync.Mutex
	catalogWatcher *config.Watcher[*catalog.Catalog]
	injectedCat    *catalog.Catalog

	// closers are called in reverse registration order during Shutdown, so
	// the memory manager finishes its summaries before the store and index
	// it writes to are closed.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithThreadRepository injects a thread repository instead of creating one
// from config.
func WithThreadRepository(r thread.Repository) Option {
	return func(a *App) { a.threads = r }
}

// WithCatalog injects a catalog instead of loading and watching the file
// named by the config.
func WithCatalog(c *catalog.Catalog) Option {
	return func(a *App) { a.injectedCat = c }
}

// WithMetrics replaces the global metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection, catalog
// loading and indexing, tool registration including MCP servers, and
// assembly of the router, memory manager, orchestrator and HTTP surface.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.Embeddings == nil || providers.Index == nil {
		return nil, errors.New("app: llm dispatcher, embeddings and vector index are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if c, ok := providers.Index.(interface{ Close() }); ok {
		a.closers = append(a.closers, func() error { c.Close(); return nil })
	}

	// ── 1. Thread store ──────────────────────────────────────────────────
	if err := a.initThreads(ctx); err != nil {
		return nil, fmt.Errorf("app: init threads: %w", err)
	}

	// ── 2. Catalog + package index ───────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 3. Router + memory ───────────────────────────────────────────────
	a.initRouter()
	a.initMemory()

	// ── 4. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 5. Orchestrator ──────────────────────────────────────────────────
	a.initOrchestrator()

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initThreads opens the configured repository unless one was injected.
func (a *App) initThreads(ctx context.Context) error {
	if a.threads != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		store, err := threadpg.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.threads = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	default:
		a.threads = thread.NewMemoryRepository()
	}
	slog.Info("thread store ready", "backend", a.cfg.Store.Backend)
	return nil
}

// initCatalog loads the catalog, indexes its packages, and starts watching
// the catalog file.
func (a *App) initCatalog(ctx context.Context) error {
	a.indexer = catalog.NewIndexer(a.providers.Index, a.providers.Embeddings, a.cfg.Router.PackagesCollection)

	cat := a.injectedCat
	if cat == nil {
		var err error
		if cat, err = catalog.Load(a.cfg.Catalog.Path); err != nil {
			return err
		}
	}
	if err := a.indexer.Sync(ctx, cat); err != nil {
		return err
	}
	a.catalog = catalog.NewHolder(cat)
	slog.Info("catalog loaded", "packages", len(cat.Packages()), "collection", a.indexer.Collection())

	a.closers = append(a.closers, func() error {
		a.catalogMu.Lock()
		defer a.catalogMu.Unlock()
		if a.catalogWatcher != nil {
			a.catalogWatcher.Stop()
		}
		return nil
	})
	if a.injectedCat == nil {
		return a.watchCatalog(a.cfg.Catalog.Path)
	}
	return nil
}

// watchCatalog replaces the catalog watcher with one for path.
func (a *App) watchCatalog(path string) error {
	w, err := config.NewWatcher(path, catalog.LoadFromReader, func(_, updated *catalog.Catalog) {
		a.applyCatalog(context.Background(), updated)
	})
	if err != nil {
		return err
	}
	a.catalogMu.Lock()
	old := a.catalogWatcher
	a.catalogWatcher = w
	a.catalogMu.Unlock()
	if old != nil {
		old.Stop()
	}
	return nil
}

// applyCatalog re-indexes c and makes it current. A catalog that cannot be
// indexed is not applied.
func (a *App) applyCatalog(ctx context.Context, c *catalog.Catalog) {
	if err := a.indexer.Sync(ctx, c); err != nil {
		slog.Error("catalog reload: indexing failed, keeping previous catalog", "err", err)
		return
	}
	a.catalog.Swap(c)
	if a.registry != nil {
		if err := a.registry.Validate(c); err != nil {
			slog.Warn("catalog reload: services without handlers", "err", err)
		}
	}
	slog.Info("catalog reloaded", "packages", len(c.Packages()))
}

// ReloadCatalog loads the catalog at path, applies it and watches path from
// now on. It is used when the config's catalog.path changes.
func (a *App) ReloadCatalog(ctx context.Context, path string) error {
	c, err := catalog.Load(path)
	if err != nil {
		return err
	}
	if err := a.indexer.Sync(ctx, c); err != nil {
		return err
	}
	a.catalog.Swap(c)
	return a.watchCatalog(path)
}

func (a *App) initRouter() {
	rc := a.cfg.Router
	a.router = router.New(a.catalog, a.providers.Embeddings, a.providers.Index, a.threads,
		router.WithK(rc.K),
		router.WithThresholds(rc.InitialThreshold, rc.SwitchThreshold),
		router.WithCollection(rc.PackagesCollection),
		router.WithTimeout(rc.Timeout),
		router.WithMetrics(a.metrics),
	)
}

func (a *App) initMemory() {
	var summariser memory.Summariser
	if a.providers.Summariser != nil {
		summariser = memory.NewLLMSummariser(a.providers.Summariser)
	}
	mc := a.cfg.Memory
	a.memory = memory.NewManager(a.threads, a.providers.Embeddings, a.providers.Index, summariser, memory.Config{
		Collection:     mc.Collection,
		TriggerCount:   mc.TriggerCount,
		Window:         mc.Window,
		RecallLimit:    mc.RecallLimit,
		TruncateChars:  mc.TruncateChars,
		SummaryTimeout: mc.SummaryTimeout,
		RecallTimeout:  mc.RecallTimeout,
		TrackedThreads: mc.TrackedThreads,
	}, memory.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.memory.Close)
}

// initTools registers the generic HTTP service, the package switch tool and
// every MCP server's tools.
func (a *App) initTools(ctx context.Context) error {
	a.registry = tools.NewRegistry()
	a.switches = tools.NewSwitchRequests()

	httpSvc := tools.NewHTTPService(tools.HTTPConfig{
		Timeout:      a.cfg.Tools.HTTPTimeout,
		AllowedHosts: a.cfg.Tools.AllowedHosts,
	})
	if err := a.registry.Register(catalog.DefaultFunction, httpSvc); err != nil {
		return err
	}
	if err := a.registry.Register(tools.SwitchPackageFunction, tools.NewSwitchPackage(a.router, a.switches)); err != nil {
		return err
	}

	a.mcp = mcpsource.New(a.registry)
	a.closers = append(a.closers, a.mcp.Close)
	if len(a.cfg.Tools.MCPServers) > 0 {
		if err := a.mcp.ConnectAll(ctx, a.cfg.Tools.MCPServers); err != nil {
			return err
		}
		slog.Info("mcp servers connected", "count", len(a.cfg.Tools.MCPServers))
	}

	if err := a.registry.Validate(a.catalog.Current()); err != nil {
		slog.Warn("catalog services without handlers", "err", err)
	}
	return nil
}

func (a *App) initOrchestrator() {
	oc := a.cfg.Orchestrator
	opts := []orchestrator.Option{
		orchestrator.WithHistoryLimit(oc.HistoryLimit),
		orchestrator.WithMaxToolCycles(oc.MaxToolCycles),
		orchestrator.WithToolTimeout(oc.ToolTimeout),
		orchestrator.WithStreamTimeout(oc.StreamTimeout),
		orchestrator.WithParallelTools(oc.ParallelTools),
		orchestrator.WithBuiltins(tools.Builtin{
			Definition: tools.SwitchPackageDefinition,
			Function:   tools.SwitchPackageFunction,
		}),
		orchestrator.WithObserver(a.memory),
		orchestrator.WithMetrics(a.metrics),
	}
	if oc.Temperature != nil {
		opts = append(opts, orchestrator.WithTemperature(*oc.Temperature))
	}
	a.orchestrator = orchestrator.New(a.catalog, a.threads, a.providers.LLM, a.registry, opts...)
}

// initHTTP mounts the WebSocket endpoint, the thread endpoints, the health
// probes and /metrics.
func (a *App) initHTTP() {
	a.sessions = ws.NewHandler(session.Config{
		Catalog:      a.catalog,
		Router:       a.router,
		Orchestrator: a.orchestrator,
		Memory:       a.memory,
		Switches:     a.switches,
		TurnTimeout:  a.cfg.Orchestrator.TurnTimeout,
	},
		ws.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
		ws.WithMetrics(a.metrics),
	)

	a.health = health.New(health.Checker{Name: "catalog", Check: a.checkCatalog})
	if p, ok := a.threads.(health.Pinger); ok {
		a.health.Add(health.Ping("store", p))
	}
	if p, ok := a.providers.Index.(health.Pinger); ok {
		a.health.Add(health.Ping("vector_index", p))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.sessions)
	mux.Handle("GET /metrics", promhttp.Handler())
	rest.NewThreads(a.threads, a.memory).Register(mux)
	a.health.Register(mux)
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *App) checkCatalog(context.Context) error {
	for _, p := range a.catalog.Current().Packages() {
		if p.IsActive() {
			return nil
		}
	}
	return errors.New("no active agent packages")
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Catalog returns the live catalog holder.
func (a *App) Catalog() *catalog.Holder { return a.catalog }

// Tools returns the tool registry.
func (a *App) Tools() *tools.Registry { return a.registry }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled or the server fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the service as draining, stops accepting connections,
// cancels the open WebSocket sessions and waits for their turns, then tears
// down all subsystems in reverse init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers), "sessions", a.sessions.Active())

		a.health.SetDraining(true)
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		// Hijacked connections outlive server.Shutdown.
		if err := a.sessions.Drain(ctx); err != nil {
			slog.Warn("session drain incomplete", "sessions", a.sessions.Active(), "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
