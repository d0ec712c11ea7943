package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hexenseai/hex-platform/pkg/provider/embeddings"
	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

// DefaultCollection is the vector collection holding package descriptions.
const DefaultCollection = "agent_packages"

// Payload keys written by the Indexer.
const (
	PayloadPackageID = "package_id"
	PayloadName      = "name"
	PayloadOrder     = "order"
)

// Indexer keeps the package-description collection in sync with a Catalog.
// Each active package is one point with id = package id, embedded from
// [Package.IndexText].
type Indexer struct {
	index      vectorindex.Index
	embedder   embeddings.Provider
	collection string

	mu      sync.Mutex
	indexed map[string]struct{}
}

// NewIndexer returns an Indexer writing to collection (DefaultCollection if
// empty).
func NewIndexer(index vectorindex.Index, embedder embeddings.Provider, collection string) *Indexer {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Indexer{index: index, embedder: embedder, collection: collection, indexed: make(map[string]struct{})}
}

// Collection returns the collection name.
func (ix *Indexer) Collection() string { return ix.collection }

// Sync upserts every active package of c and deletes the points of packages
// this Indexer wrote earlier that are no longer active.
func (ix *Indexer) Sync(ctx context.Context, c *Catalog) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var (
		pkgs  []*Package
		texts []string
	)
	for _, p := range c.Packages() {
		if p.IsActive() {
			pkgs = append(pkgs, p)
			texts = append(texts, p.IndexText())
		}
	}

	if len(pkgs) > 0 {
		vecs, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("catalog: embed package descriptions: %w", err)
		}
		if err := ix.index.EnsureCollection(ctx, ix.collection, len(vecs[0])); err != nil {
			return fmt.Errorf("catalog: ensure collection: %w", err)
		}
		points := make([]vectorindex.Point, len(pkgs))
		for i, p := range pkgs {
			points[i] = vectorindex.Point{
				ID:     p.ID,
				Vector: vecs[i],
				Payload: map[string]any{
					PayloadPackageID: p.ID,
					PayloadName:      p.Name,
					PayloadOrder:     p.Order,
				},
			}
		}
		if err := ix.index.Upsert(ctx, ix.collection, points...); err != nil {
			return fmt.Errorf("catalog: upsert package points: %w", err)
		}
	}

	current := make(map[string]struct{}, len(pkgs))
	for _, p := range pkgs {
		current[p.ID] = struct{}{}
	}
	var stale []string
	for id := range ix.indexed {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := ix.index.Delete(ctx, ix.collection, stale...); err != nil {
			return fmt.Errorf("catalog: delete stale package points: %w", err)
		}
	}
	ix.indexed = current

	slog.Info("catalog: package index synced", "collection", ix.collection, "packages", len(pkgs), "removed", len(stale))
	return nil
}
