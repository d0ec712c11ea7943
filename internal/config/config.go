// Package config provides the configuration schema, loader, and provider registry
// for the hex-platform orchestration service.
package config

import (
	"time"

	"github.com/hexenseai/hex-platform/internal/tools/mcpsource"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// IndexBackend selects the vector index implementation.
type IndexBackend string

const (
	// IndexPostgres stores vectors in PostgreSQL with the pgvector extension.
	IndexPostgres IndexBackend = "postgres"

	// IndexChromem keeps vectors in process, optionally persisted to disk.
	IndexChromem IndexBackend = "chromem"

	// IndexQdrant talks to a Qdrant server over its REST API.
	IndexQdrant IndexBackend = "qdrant"
)

// IsValid reports whether b is a recognised index backend.
func (b IndexBackend) IsValid() bool {
	switch b {
	case IndexPostgres, IndexChromem, IndexQdrant:
		return true
	}
	return false
}

// StoreBackend selects the thread and message repository.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	return b == StoreMemory || b == StorePostgres
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	VectorIndex  VectorIndexConfig  `yaml:"vector_index"`
	Store        StoreConfig        `yaml:"store"`
	Router       RouterConfig       `yaml:"router"`
	Memory       MemoryConfig       `yaml:"memory"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tools        ToolsConfig        `yaml:"tools"`
	Catalog      CatalogConfig      `yaml:"catalog"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns browsers may open WebSocket
	// connections from. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the model backends.
type ProvidersConfig struct {
	// LLM lists the backend families packages may be bound to. The tenant's
	// API key is supplied per request from the company credentials; APIKey on
	// these entries is ignored.
	LLM []ProviderEntry `yaml:"llm"`

	// Local names the LLM family that serves every catalogued local model.
	Local string `yaml:"local"`

	// Embeddings configures the single embeddings backend used for routing
	// and memory.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// EmbeddingsFallback optionally lists backends tried when Embeddings fails.
	EmbeddingsFallback []ProviderEntry `yaml:"embeddings_fallback"`

	// EmbeddingsCacheBytes caps the in-process embedding cache. Zero uses the
	// cache default; a negative value disables the cache.
	EmbeddingsCacheBytes int64 `yaml:"embeddings_cache_bytes"`

	// Summariser is the platform-owned model that writes memory summaries.
	// When unset, summaries fall back to truncated transcripts.
	Summariser ProviderEntry `yaml:"summariser"`

	// SummariserFallback optionally lists models tried when Summariser fails.
	SummariserFallback []ProviderEntry `yaml:"summariser_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// VectorIndexConfig selects and configures the vector index.
type VectorIndexConfig struct {
	Backend IndexBackend `yaml:"backend"`

	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `yaml:"dsn"`

	// URL is the Qdrant base URL.
	URL string `yaml:"url"`

	// APIKey authenticates against Qdrant.
	APIKey string `yaml:"api_key"`

	// Path persists the chromem index under a directory. Empty keeps it in
	// memory only.
	Path string `yaml:"path"`

	// Dimensions is the vector size. Zero takes the embeddings model's size.
	Dimensions int `yaml:"dimensions"`
}

// StoreConfig selects the thread and message repository.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`
	DSN     string       `yaml:"dsn"`
}

// RouterConfig tunes semantic package routing.
type RouterConfig struct {
	K                  int     `yaml:"k"`
	SwitchThreshold    float64 `yaml:"switch_threshold"`
	InitialThreshold   float64 `yaml:"initial_threshold"`
	PackagesCollection string  `yaml:"packages_collection"`

	// Timeout bounds the embedding and search of one routing decision.
	Timeout time.Duration `yaml:"timeout"`
}

// MemoryConfig tunes long-term conversation memory.
type MemoryConfig struct {
	// TriggerCount is the message count at which a thread is summarised.
	TriggerCount int `yaml:"trigger_count"`

	// Window is the number of recent messages fed to the summariser.
	Window int `yaml:"window"`

	// RecallLimit is the number of records injected into a turn.
	RecallLimit int `yaml:"recall_limit"`

	// TruncateChars bounds the fallback summary length.
	TruncateChars int `yaml:"truncate_chars"`

	Collection     string        `yaml:"collection"`
	SummaryTimeout time.Duration `yaml:"summary_timeout"`
	RecallTimeout  time.Duration `yaml:"recall_timeout"`

	// TrackedThreads bounds the per-thread summary bookkeeping.
	TrackedThreads int `yaml:"tracked_threads"`
}

// OrchestratorConfig tunes the tool-calling loop.
type OrchestratorConfig struct {
	HistoryLimit  int `yaml:"history_limit"`
	MaxToolCycles int `yaml:"max_tool_cycles"`

	// Temperature is a pointer so an explicit 0 is kept.
	Temperature *float64 `yaml:"temperature"`

	TurnTimeout   time.Duration `yaml:"turn_timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	ParallelTools bool          `yaml:"parallel_tools"`
}

// ToolsConfig configures the handlers services dispatch to.
type ToolsConfig struct {
	// HTTPTimeout bounds one call of the generic HTTP service.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// AllowedHosts restricts the hosts the generic HTTP service may call.
	AllowedHosts []string `yaml:"allowed_hosts"`

	// MCPServers are connected at startup; their tools are registered as
	// "mcp:<server>/<tool>".
	MCPServers []mcpsource.ServerConfig `yaml:"mcp_servers"`
}

// CatalogConfig locates the agent package catalog.
type CatalogConfig struct {
	// Path is the catalog YAML file. It is watched and reloaded on change.
	Path string `yaml:"path"`
}
