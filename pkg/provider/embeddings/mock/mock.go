// Package mock provides a test double for embeddings.Provider.
//
// Vectors maps exact input texts to canned vectors so a test can lay out a
// tiny semantic space by hand; unknown texts fall back to Default or, if that
// is nil, to a zero vector of length Dims.
//
//	p := &mock.Provider{
//	    Dims:    3,
//	    Vectors: map[string][]float32{"summarize this contract": {1, 0, 0}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors maps input texts to the vector returned for them.
	Vectors map[string][]float32

	// Default computes the vector for texts missing from Vectors.
	Default func(text string) []float32

	// Err, if non-nil, fails every call.
	Err error

	// Dims is returned by Dimensions.
	Dims int

	// Model is returned by ModelID.
	Model string

	// Texts records every text embedded, in call order.
	Texts []string
}

func (p *Provider) vector(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	if p.Default != nil {
		return p.Default(text)
	}
	return make([]float32, p.Dims)
}

// Embed records text and returns its vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records texts and returns one vector per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns Dims.
func (p *Provider) Dimensions() int { return p.Dims }

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

// Calls returns the number of texts embedded so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}

// SetErr replaces Err under the lock.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

var _ embeddings.Provider = (*Provider)(nil)
