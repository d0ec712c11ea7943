// Package embeddings defines the Provider interface for text embedding
// backends.
//
// The router embeds user input to find the closest agent package and the
// memory manager embeds conversation summaries for later recall. Both compare
// vectors against an index built with the same provider, so a deployment
// must use one model consistently.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// Every vector returned by one Provider has length Dimensions().
type Provider interface {
	// Embed computes the vector for a single text. The text is passed to the
	// backend verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes one vector per text in a single backend call where
	// the backend supports it. result[i] corresponds to texts[i]. On error the
	// whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length, or 0 if it is not known yet.
	Dimensions() int

	// ModelID returns the backend model identifier (e.g. "text-embedding-3-small").
	ModelID() string
}
