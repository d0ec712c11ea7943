// Package cache wraps an embeddings.Provider with an in-process ristretto
// cache.
//
// Package descriptions are re-embedded on every catalog reload and users
// repeat short inputs ("hi", "thanks") often, so the router and indexer share
// one cached provider. Vectors are keyed by model and exact text; the cache
// admission policy may drop entries at any time, which only costs a backend
// call.
package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
)

// DefaultMaxBytes bounds the memory held by cached vectors.
const DefaultMaxBytes = 64 << 20

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a caching embeddings.Provider.
type Provider struct {
	next  embeddings.Provider
	cache *ristretto.Cache
}

type config struct {
	maxBytes int64
}

// Option configures a cached Provider.
type Option func(*config)

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// New wraps next. Close must be called to release the cache goroutines.
func New(next embeddings.Provider, opts ...Option) (*Provider, error) {
	cfg := config{maxBytes: DefaultMaxBytes}
	for _, o := range opts {
		o(&cfg)
	}
	// One counter per expected entry times ten, assuming ~1.5 KiB vectors.
	counters := max(cfg.maxBytes/1536*10, 1000)
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     cfg.maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings cache: %w", err)
	}
	return &Provider{next: next, cache: c}, nil
}

func (p *Provider) key(text string) string {
	return p.next.ModelID() + "\x00" + text
}

func (p *Provider) lookup(text string) ([]float32, bool) {
	v, ok := p.cache.Get(p.key(text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (p *Provider) store(text string, vec []float32) {
	p.cache.Set(p.key(text), vec, int64(len(vec)*4+len(text)))
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := p.lookup(text); ok {
		return vec, nil
	}
	vec, err := p.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.store(text, vec)
	return vec, nil
}

// EmbedBatch implements embeddings.Provider. Only the texts missing from the
// cache are sent to the wrapped provider, in one batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		at      []int
	)
	for i, t := range texts {
		if vec, ok := p.lookup(t); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		at = append(at, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := p.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embeddings cache: expected %d embeddings, got %d", len(missing), len(vecs))
	}
	for j, vec := range vecs {
		out[at[j]] = vec
		p.store(missing[j], vec)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.next.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.next.ModelID() }

// Wait blocks until pending writes are visible to Get.
func (p *Provider) Wait() { p.cache.Wait() }

// Close releases the cache.
func (p *Provider) Close() { p.cache.Close() }
