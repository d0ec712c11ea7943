package config_test

import (
	"strings"
	"testing"

	"github.com/hexenseai/hex-platform/internal/config"
)

const minimalYAML = `
providers:
  llm: [{name: openai}]
  embeddings: {name: openai, model: text-embedding-3-small}
catalog: {path: catalog.yaml}
`

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name: "minimal",
			yaml: minimalYAML,
		},
		{
			name:    "no llm backends",
			yaml:    "providers: {embeddings: {name: openai}}\ncatalog: {path: c.yaml}\n",
			wantErr: []string{"providers.llm must list"},
		},
		{
			name: "duplicate llm family",
			yaml: `
providers:
  llm: [{name: openai}, {name: openai}]
  embeddings: {name: openai}
catalog: {path: c.yaml}
`,
			wantErr: []string{"duplicate"},
		},
		{
			name: "local family not listed",
			yaml: `
providers:
  llm: [{name: openai}]
  local: ollama
  embeddings: {name: openai}
catalog: {path: c.yaml}
`,
			wantErr: []string{"providers.local \"ollama\""},
		},
		{
			name:    "missing embeddings and catalog",
			yaml:    "providers: {llm: [{name: openai}]}\n",
			wantErr: []string{"providers.embeddings.name", "catalog.path"},
		},
		{
			name:    "bad log level",
			yaml:    minimalYAML + "server: {log_level: loud}\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "tls needs both files",
			yaml:    minimalYAML + "server: {tls: {cert_file: c.pem}}\n",
			wantErr: []string{"server.tls"},
		},
		{
			name:    "postgres index needs dsn",
			yaml:    minimalYAML + "vector_index: {backend: postgres}\n",
			wantErr: []string{"vector_index.dsn"},
		},
		{
			name:    "qdrant needs url",
			yaml:    minimalYAML + "vector_index: {backend: qdrant}\n",
			wantErr: []string{"vector_index.url"},
		},
		{
			name:    "unknown index backend",
			yaml:    minimalYAML + "vector_index: {backend: faiss}\n",
			wantErr: []string{"vector_index.backend"},
		},
		{
			name:    "postgres store needs dsn",
			yaml:    minimalYAML + "store: {backend: postgres}\n",
			wantErr: []string{"store.dsn"},
		},
		{
			name:    "threshold out of range",
			yaml:    minimalYAML + "router: {switch_threshold: 1.5}\n",
			wantErr: []string{"router.switch_threshold"},
		},
		{
			name:    "temperature out of range",
			yaml:    minimalYAML + "orchestrator: {temperature: 3}\n",
			wantErr: []string{"orchestrator.temperature"},
		},
		{
			name: "mcp servers",
			yaml: minimalYAML + `
tools:
  mcp_servers:
    - {name: a, transport: stdio}
    - {name: a, transport: streamable-http}
    - {name: c, transport: carrier-pigeon}
`,
			wantErr: []string{"command is required", "url is required", "duplicate", "carrier-pigeon"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_SummariserRequiresModel(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm: [{name: openai}]
  embeddings: {name: openai}
  summariser: {name: openai}
catalog: {path: c.yaml}
`))
	if err == nil || !strings.Contains(err.Error(), "providers.summariser.model") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate_SummariserFallbackRequiresSummariser(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm: [{name: openai}]
  embeddings: {name: openai}
  summariser_fallback: [{name: ollama, model: llama3}]
catalog: {path: c.yaml}
`))
	if err == nil || !strings.Contains(err.Error(), "requires providers.summariser") {
		t.Fatalf("err = %v", err)
	}
}
