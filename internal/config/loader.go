package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/memory"
	"github.com/hexenseai/hex-platform/internal/orchestrator"
	"github.com/hexenseai/hex-platform/internal/router"
	"github.com/hexenseai/hex-platform/internal/tools"
	"github.com/hexenseai/hex-platform/internal/tools/mcpsource"
)

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":8080"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "noop"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.VectorIndex.Backend == "" {
		cfg.VectorIndex.Backend = IndexChromem
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}

	r := &cfg.Router
	if r.K <= 0 {
		r.K = router.DefaultK
	}
	if r.SwitchThreshold == 0 {
		r.SwitchThreshold = router.DefaultThreshold
	}
	if r.InitialThreshold == 0 {
		r.InitialThreshold = router.DefaultThreshold
	}
	if r.PackagesCollection == "" {
		r.PackagesCollection = catalog.DefaultCollection
	}
	if r.Timeout <= 0 {
		r.Timeout = router.DefaultTimeout
	}

	m := &cfg.Memory
	if m.TriggerCount <= 0 {
		m.TriggerCount = memory.DefaultTriggerCount
	}
	if m.Window <= 0 {
		m.Window = memory.DefaultWindow
	}
	if m.RecallLimit <= 0 {
		m.RecallLimit = memory.DefaultRecallLimit
	}
	if m.TruncateChars <= 0 {
		m.TruncateChars = memory.DefaultTruncateChars
	}
	if m.Collection == "" {
		m.Collection = memory.DefaultCollection
	}
	if m.SummaryTimeout <= 0 {
		m.SummaryTimeout = memory.DefaultSummaryTimeout
	}
	if m.RecallTimeout <= 0 {
		m.RecallTimeout = memory.DefaultRecallTimeout
	}
	if m.TrackedThreads <= 0 {
		m.TrackedThreads = memory.DefaultTrackedThreads
	}

	o := &cfg.Orchestrator
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = orchestrator.DefaultHistoryLimit
	}
	if o.MaxToolCycles <= 0 {
		o.MaxToolCycles = orchestrator.DefaultMaxToolCycles
	}
	if o.Temperature == nil {
		t := orchestrator.DefaultTemperature
		o.Temperature = &t
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = orchestrator.DefaultToolTimeout
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = orchestrator.DefaultStreamTimeout
	}
	if o.TurnTimeout == 0 {
		o.TurnTimeout = orchestrator.DefaultTurnTimeout
	}

	if cfg.Tools.HTTPTimeout <= 0 {
		cfg.Tools.HTTPTimeout = tools.DefaultHTTPTimeout
	}
	for i := range cfg.Tools.MCPServers {
		if cfg.Tools.MCPServers[i].Transport == "" {
			cfg.Tools.MCPServers[i].Transport = mcpsource.TransportStdio
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if len(cfg.Providers.LLM) == 0 {
		errs = append(errs, errors.New("providers.llm must list at least one backend"))
	}
	families := make(map[string]int, len(cfg.Providers.LLM))
	for i, entry := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := families[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.llm[%d]", prefix, entry.Name, prev))
		}
		families[entry.Name] = i
		validateProviderName("llm", entry.Name)
	}
	if local := cfg.Providers.Local; local != "" {
		if _, ok := families[local]; !ok {
			errs = append(errs, fmt.Errorf("providers.local %q is not listed in providers.llm", local))
		}
	}

	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required"))
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, entry := range cfg.Providers.EmbeddingsFallback {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallback[%d].name is required", i))
		}
		validateProviderName("embeddings", entry.Name)
	}

	if s := cfg.Providers.Summariser; s.Name != "" {
		validateProviderName("llm", s.Name)
		if s.Model == "" {
			errs = append(errs, errors.New("providers.summariser.model is required when a summariser is configured"))
		}
	} else {
		if len(cfg.Providers.SummariserFallback) > 0 {
			errs = append(errs, errors.New("providers.summariser_fallback requires providers.summariser"))
		}
		slog.Warn("providers.summariser is not configured; memory summaries will be truncated transcripts")
	}

	// Vector index
	vi := cfg.VectorIndex
	if !vi.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("vector_index.backend %q is invalid; valid values: postgres, chromem, qdrant", vi.Backend))
	}
	if vi.Backend == IndexPostgres && vi.DSN == "" {
		errs = append(errs, errors.New("vector_index.dsn is required when backend is postgres"))
	}
	if vi.Backend == IndexQdrant && vi.URL == "" {
		errs = append(errs, errors.New("vector_index.url is required when backend is qdrant"))
	}
	if vi.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("vector_index.dimensions %d must not be negative", vi.Dimensions))
	}

	// Store
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required when backend is postgres"))
	}
	if cfg.Store.Backend == StoreMemory {
		slog.Warn("store.backend is memory; threads and messages are lost on restart")
	}

	// Router
	for name, v := range map[string]float64{
		"router.switch_threshold":  cfg.Router.SwitchThreshold,
		"router.initial_threshold": cfg.Router.InitialThreshold,
	} {
		if v < -1 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [-1, 1]", name, v))
		}
	}

	// Orchestrator
	if t := cfg.Orchestrator.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("orchestrator.temperature %.2f is out of range [0, 2]", *t))
	}
	if cfg.Orchestrator.TurnTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.turn_timeout must not be negative"))
	}

	// MCP servers
	names := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := names[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			names[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpsource.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpsource.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Catalog
	if cfg.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path is required"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
