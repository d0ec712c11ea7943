// Command hexense is the main entry point for the hex-platform agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hexenseai/hex-platform/internal/app"
	"github.com/hexenseai/hex-platform/internal/config"
	"github.com/hexenseai/hex-platform/internal/observe"
	"github.com/hexenseai/hex-platform/internal/resilience"
	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
	embcache "github.com/hexenseai/hex-platform/pkg/provider/embeddings/cache"
	ollamaembed "github.com/hexenseai/hex-platform/pkg/provider/embeddings/ollama"
	oaembed "github.com/hexenseai/hex-platform/pkg/provider/embeddings/openai"
	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/provider/llm/anyllm"
	"github.com/hexenseai/hex-platform/pkg/provider/llm/noop"
	"github.com/hexenseai/hex-platform/pkg/provider/llm/openai"
	"github.com/hexenseai/hex-platform/pkg/vectorindex"
	"github.com/hexenseai/hex-platform/pkg/vectorindex/chromem"
	pgindex "github.com/hexenseai/hex-platform/pkg/vectorindex/postgres"
	"github.com/hexenseai/hex-platform/pkg/vectorindex/qdrant"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hexense: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hexense: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("hexense starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "hex-platform",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, release, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer release()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.WatchConfig(*configPath, func(old, updated *config.Config) {
		applyConfig(ctx, application, level, config.Diff(old, updated))
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfig applies the parts of a config change that do not need a
// restart and reports the rest.
func applyConfig(ctx context.Context, a *app.App, level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CatalogChanged {
		if err := a.ReloadCatalog(ctx, d.NewCatalogPath); err != nil {
			slog.Error("catalog path change failed, keeping previous catalog", "path", d.NewCatalogPath, "err", err)
		} else {
			slog.Info("catalog path changed", "path", d.NewCatalogPath)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed in sections that need a restart", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// hostedFamilies are the any-llm backends that authenticate with a tenant key.
var hostedFamilies = []string{"anthropic", "gemini", "deepseek", "mistral", "groq"}

// localFamilies are self-hosted any-llm backends that need no key.
var localFamilies = []string{"ollama", "llamacpp", "llamafile"}

// tracedClient carries trace context on outbound provider calls.
var tracedClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) llm.Factory {
		return func(desc llm.ModelDescriptor, apiKey string) (llm.Provider, error) {
			opts := []openai.Option{openai.WithHTTPClient(tracedClient)}
			if entry.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(entry.BaseURL))
			}
			if org := optString(entry.Options, "organization"); org != "" {
				opts = append(opts, openai.WithOrganization(org))
			}
			return openai.New(apiKey, desc.Name, opts...)
		}
	})

	for _, family := range hostedFamilies {
		reg.RegisterLLM(family, func(entry config.ProviderEntry) llm.Factory {
			return func(desc llm.ModelDescriptor, apiKey string) (llm.Provider, error) {
				var opts []anyllmlib.Option
				if apiKey != "" {
					opts = append(opts, anyllmlib.WithAPIKey(apiKey))
				}
				if entry.BaseURL != "" {
					opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
				}
				return anyllm.New(family, desc.Name, opts...)
			}
		})
	}

	// Local servers use BaseURL for the address, not an API key.
	for _, family := range localFamilies {
		reg.RegisterLLM(family, func(entry config.ProviderEntry) llm.Factory {
			return func(desc llm.ModelDescriptor, _ string) (llm.Provider, error) {
				var opts []anyllmlib.Option
				if entry.BaseURL != "" {
					opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
				}
				return anyllm.New(family, desc.Name, opts...)
			}
		}, llm.Keyless())
	}

	reg.RegisterLLM("noop", func(config.ProviderEntry) llm.Factory {
		return func(desc llm.ModelDescriptor, _ string) (llm.Provider, error) {
			return noop.New(desc.Name), nil
		}
	}, llm.Keyless())

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{ollamaembed.WithHTTPClient(tracedClient)}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Vector index ──────────────────────────────────────────────────────────
	reg.RegisterVectorIndex(config.IndexPostgres, func(ctx context.Context, c config.VectorIndexConfig) (vectorindex.Index, error) {
		return pgindex.Open(ctx, c.DSN, c.Dimensions)
	})
	reg.RegisterVectorIndex(config.IndexChromem, func(_ context.Context, c config.VectorIndexConfig) (vectorindex.Index, error) {
		if c.Path == "" {
			return chromem.New(), nil
		}
		return chromem.NewPersistent(c.Path)
	})
	reg.RegisterVectorIndex(config.IndexQdrant, func(_ context.Context, c config.VectorIndexConfig) (vectorindex.Index, error) {
		opts := []qdrant.Option{qdrant.WithHTTPClient(&http.Client{Transport: tracedClient.Transport, Timeout: 10 * time.Second})}
		if c.APIKey != "" {
			opts = append(opts, qdrant.WithAPIKey(c.APIKey))
		}
		return qdrant.New(c.URL, opts...)
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// The returned release func frees resources the app does not own.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, func(), error) {
	release := func() {}
	ps := &app.Providers{LLM: llm.NewDispatcher()}

	if err := reg.Install(ps.LLM, cfg.Providers.LLM, cfg.Providers.Local); err != nil {
		return nil, release, fmt.Errorf("install llm backends: %w", err)
	}
	slog.Info("llm backends installed", "families", ps.LLM.Families(), "local", cfg.Providers.Local)

	// ── Embeddings ────────────────────────────────────────────────────────────
	emb, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, release, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name, "model", emb.ModelID())
	if len(cfg.Providers.EmbeddingsFallback) > 0 {
		group := resilience.NewEmbeddingsFallback(emb, cfg.Providers.Embeddings.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.EmbeddingsFallback {
			fb, err := reg.CreateEmbeddings(entry)
			if err != nil {
				return nil, release, fmt.Errorf("create embeddings fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, fb)
			slog.Info("provider created", "kind", "embeddings_fallback", "name", entry.Name)
		}
		emb = group
	}
	if size := cfg.Providers.EmbeddingsCacheBytes; size >= 0 {
		var opts []embcache.Option
		if size > 0 {
			opts = append(opts, embcache.WithMaxBytes(size))
		}
		cached, err := embcache.New(emb, opts...)
		if err != nil {
			return nil, release, fmt.Errorf("create embeddings cache: %w", err)
		}
		emb = cached
		release = cached.Close
	}
	ps.Embeddings = emb

	// ── Summariser ────────────────────────────────────────────────────────────
	if entry := cfg.Providers.Summariser; entry.Name != "" {
		sum, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, release, fmt.Errorf("create summariser %q: %w", entry.Name, err)
		}
		if len(cfg.Providers.SummariserFallback) > 0 {
			group := resilience.NewLLMFallback(sum, entry.Name, resilience.FallbackConfig{})
			for _, fbEntry := range cfg.Providers.SummariserFallback {
				fb, err := reg.CreateLLM(fbEntry)
				if err != nil {
					return nil, release, fmt.Errorf("create summariser fallback %q: %w", fbEntry.Name, err)
				}
				group.AddFallback(fbEntry.Name, fb)
			}
			sum = group
		}
		ps.Summariser = sum
		slog.Info("provider created", "kind", "summariser", "name", entry.Name, "model", entry.Model)
	}

	// ── Vector index ──────────────────────────────────────────────────────────
	ic := cfg.VectorIndex
	if ic.Dimensions == 0 {
		ic.Dimensions = emb.Dimensions()
	}
	idx, err := reg.CreateVectorIndex(ctx, ic)
	if err != nil {
		return nil, release, fmt.Errorf("open vector index %q: %w", ic.Backend, err)
	}
	ps.Index = idx
	slog.Info("vector index ready", "backend", ic.Backend, "dimensions", ic.Dimensions)

	return ps, release, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      hex-platform startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, entry := range cfg.Providers.LLM {
		printRow("LLM", entry.Name)
	}
	if cfg.Providers.Local != "" {
		printRow("Local models", cfg.Providers.Local)
	}
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Summariser", cfg.Providers.Summariser.Name, cfg.Providers.Summariser.Model)
	printRow("Vector index", string(cfg.VectorIndex.Backend))
	printRow("Thread store", string(cfg.Store.Backend))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Tools.MCPServers))
	printRow("Catalog", cfg.Catalog.Path)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
