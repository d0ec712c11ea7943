// Package vectorindex defines the contract for the nearest-neighbour stores
// that back package routing and long-term conversation memory.
//
// An Index holds named collections of points. Each point carries a vector and
// a JSON-compatible payload; searches rank points by cosine similarity
// (higher is closer) and can be restricted with an exact-match [Filter] on
// string payload fields.
//
// Implementations must be safe for concurrent use. Upsert and Delete are
// idempotent.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when a vector does not match the
// collection's dimensionality.
var ErrDimensionMismatch = errors.New("vectorindex: vector dimension mismatch")

// ErrNotFound is returned by PatchPayload for an unknown point id.
var ErrNotFound = errors.New("vectorindex: point not found")

// Point is one stored element of a collection.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is one ranked search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Filter restricts a search or delete to points whose payload contains every
// key with exactly the given string value. A nil or empty Filter matches all
// points.
type Filter map[string]string

// Matches reports whether payload satisfies f. Payload values are compared
// by their string form.
func (f Filter) Matches(payload map[string]any) bool {
	for k, want := range f {
		v, ok := payload[k]
		if !ok {
			return false
		}
		if s, isStr := v.(string); isStr {
			if s != want {
				return false
			}
			continue
		}
		if fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Index is a collection-oriented vector store.
type Index interface {
	// EnsureCollection creates collection with the given vector size if it
	// does not exist yet.
	EnsureCollection(ctx context.Context, collection string, dims int) error

	// Upsert inserts or fully replaces points by id.
	Upsert(ctx context.Context, collection string, points ...Point) error

	// Search returns up to limit points ordered by descending similarity to
	// vector. A missing or empty collection yields no hits and no error.
	Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]Hit, error)

	// PatchPayload merges payload into the stored payload of id.
	PatchPayload(ctx context.Context, collection, id string, payload map[string]any) error

	// Delete removes points by id. Unknown ids are ignored.
	Delete(ctx context.Context, collection string, ids ...string) error

	// DeleteWhere removes every point matching filter. An empty filter is
	// rejected.
	DeleteWhere(ctx context.Context, collection string, filter Filter) error
}

// Cosine returns the cosine similarity of a and b, or 0 if either has zero
// length or their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
