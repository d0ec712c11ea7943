package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hexenseai/hex-platform/pkg/provider/embeddings/ollama"
)

// embedServer answers /api/embed with a vector of length dims per input whose
// first component is the input position.
func embedServer(t *testing.T, wantModel string, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != wantModel {
			t.Errorf("model = %q, want %q", req.Model, wantModel)
		}
		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = make([]float32, dims)
			vecs[i][0] = float32(i)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": wantModel, "embeddings": vecs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := ollama.New("", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := ollama.New("", "all-minilm")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 384 {
		t.Errorf("Dimensions = %d, want 384", p.Dimensions())
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	srv := embedServer(t, "nomic-embed-text", 768)
	p, err := ollama.New(srv.URL+"/", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.Embed(context.Background(), "summarize this contract")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 768 {
		t.Errorf("len = %d, want 768", len(vec))
	}
}

func TestEmbedBatch(t *testing.T) {
	t.Parallel()

	srv := embedServer(t, "nomic-embed-text", 4)
	p, _ := ollama.New(srv.URL, "nomic-embed-text")

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d out of order", i)
		}
	}

	none, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || none != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", none, err)
	}
}

func TestDimensions_LearnedFromFirstResponse(t *testing.T) {
	t.Parallel()

	srv := embedServer(t, "custom-embedder", 42)
	p, _ := ollama.New(srv.URL, "custom-embedder")
	if p.Dimensions() != 0 {
		t.Fatalf("Dimensions before first call = %d, want 0", p.Dimensions())
	}
	if _, err := p.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if p.Dimensions() != 42 {
		t.Errorf("Dimensions = %d, want 42", p.Dimensions())
	}
}

func TestEmbed_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	p, _ := ollama.New(srv.URL, "missing", ollama.WithDimensions(8))
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if p.Dimensions() != 8 {
		t.Errorf("Dimensions = %d, want 8", p.Dimensions())
	}
}

func TestEmbed_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := embedServer(t, "all-minilm", 384)
	p, _ := ollama.New(srv.URL, "all-minilm")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Embed(ctx, "x"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
