package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory turns a configured backend entry into the per-model factory the
// [llm.Dispatcher] calls with a package's model and the tenant's key.
type LLMFactory func(entry ProviderEntry) llm.Factory

// EmbeddingsFactory constructs an embeddings provider from its entry.
type EmbeddingsFactory func(entry ProviderEntry) (embeddings.Provider, error)

// IndexFactory opens a vector index. cfg.Dimensions is already resolved.
type IndexFactory func(ctx context.Context, cfg VectorIndexConfig) (vectorindex.Index, error)

type llmBackend struct {
	factory LLMFactory
	opts    []llm.BackendOption
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]llmBackend
	embeddings map[string]EmbeddingsFactory
	index      map[IndexBackend]IndexFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]llmBackend),
		embeddings: make(map[string]EmbeddingsFactory),
		index:      make(map[IndexBackend]IndexFactory),
	}
}

// RegisterLLM registers an LLM backend family under name. opts are passed
// on to [llm.Dispatcher.Register] (e.g. [llm.Keyless] for self-hosted servers).
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory LLMFactory, opts ...llm.BackendOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = llmBackend{factory: factory, opts: opts}
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterVectorIndex registers a vector index factory for backend.
func (r *Registry) RegisterVectorIndex(backend IndexBackend, factory IndexFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index[backend] = factory
}

// LLMNames returns the registered LLM family names in sorted order.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for name := range r.llm {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Install registers every configured LLM backend on d and routes local
// models to local when it is set. It fails on the first unknown family.
func (r *Registry) Install(d *llm.Dispatcher, entries []ProviderEntry, local string) error {
	for _, entry := range entries {
		r.mu.RLock()
		b, ok := r.llm[entry.Name]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
		}
		d.Register(entry.Name, b.factory(entry), b.opts...)
	}
	if local != "" {
		d.RouteLocal(local)
	}
	return nil
}

// CreateLLM instantiates a single platform-owned LLM provider, authenticated
// with entry.APIKey, for entry.Model.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	b, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	desc := llm.ModelDescriptor{Provider: entry.Name, Name: entry.Model, SupportsTools: true, Active: true}
	return b.factory(entry)(desc, entry.APIKey)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVectorIndex opens the index selected by cfg.Backend.
func (r *Registry) CreateVectorIndex(ctx context.Context, cfg VectorIndexConfig) (vectorindex.Index, error) {
	r.mu.RLock()
	factory, ok := r.index[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vector_index/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}
