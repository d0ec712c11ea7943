// Package chromem provides an in-process vectorindex.Index backed by
// github.com/philippgille/chromem-go.
//
// It needs no external service and is the default for development and
// single-node deployments. With a directory path the collections are
// persisted to disk and survive restarts.
//
// The full payload is stored as JSON in the document content; string-valued
// payload fields are additionally copied into chromem metadata so that
// [vectorindex.Filter] maps directly onto chromem's where clause.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

var _ vectorindex.Index = (*Store)(nil)

// Store is a chromem-go backed vectorindex.Index.
type Store struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	c    *chromem.Collection
	dims int
}

// New returns an in-memory Store.
func New() *Store {
	return &Store{db: chromem.NewDB(), collections: make(map[string]*collection)}
}

// NewPersistent returns a Store persisted under dir. Collections found on disk
// are loaded lazily on first use.
func NewPersistent(dir string) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, fmt.Errorf("chromem index: open %q: %w", dir, err)
	}
	return &Store{db: db, collections: make(map[string]*collection)}, nil
}

// noEmbed rejects documents without a precomputed vector. Every vector in this
// system comes from the configured embeddings provider.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem index: documents must carry an embedding")
}

func (s *Store) get(name string) *collection {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col
	}
	if c := s.db.GetCollection(name, noEmbed); c != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if col, ok := s.collections[name]; ok {
			return col
		}
		col = &collection{c: c}
		s.collections[name] = col
		return col
	}
	return nil
}

// EnsureCollection implements vectorindex.Index.
func (s *Store) EnsureCollection(_ context.Context, name string, dims int) error {
	if col := s.get(name); col != nil {
		s.mu.Lock()
		if col.dims == 0 {
			col.dims = dims
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring the write lock.
	if _, ok := s.collections[name]; ok {
		return nil
	}
	c, err := s.db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return fmt.Errorf("chromem index: create collection %q: %w", name, err)
	}
	s.collections[name] = &collection{c: c, dims: dims}
	return nil
}

func (s *Store) mustGet(ctx context.Context, name string, dims int) (*collection, error) {
	if col := s.get(name); col != nil {
		return col, nil
	}
	if err := s.EnsureCollection(ctx, name, dims); err != nil {
		return nil, err
	}
	return s.get(name), nil
}

// Upsert implements vectorindex.Index. A missing collection is created with
// the dimensionality of the first point.
func (s *Store) Upsert(ctx context.Context, name string, points ...vectorindex.Point) error {
	if len(points) == 0 {
		return nil
	}
	col, err := s.mustGet(ctx, name, len(points[0].Vector))
	if err != nil {
		return err
	}
	for _, p := range points {
		if col.dims != 0 && len(p.Vector) != col.dims {
			return fmt.Errorf("%w: collection %q wants %d, point %q has %d",
				vectorindex.ErrDimensionMismatch, name, col.dims, p.ID, len(p.Vector))
		}
		doc, err := toDocument(p)
		if err != nil {
			return err
		}
		if err := col.c.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("chromem index: upsert %q: %w", p.ID, err)
		}
	}
	return nil
}

// Search implements vectorindex.Index.
func (s *Store) Search(ctx context.Context, name string, vector []float32, filter vectorindex.Filter, limit int) ([]vectorindex.Hit, error) {
	col := s.get(name)
	if col == nil || limit <= 0 {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	n := min(limit, col.c.Count())
	if n == 0 {
		return nil, nil
	}
	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	results, err := col.c.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem index: search %q: %w", name, err)
	}
	hits := make([]vectorindex.Hit, 0, len(results))
	for _, r := range results {
		payload, err := decodePayload(r.Content)
		if err != nil {
			return nil, fmt.Errorf("chromem index: decode %q: %w", r.ID, err)
		}
		hits = append(hits, vectorindex.Hit{ID: r.ID, Score: r.Similarity, Payload: payload})
	}
	return hits, nil
}

// PatchPayload implements vectorindex.Index.
func (s *Store) PatchPayload(ctx context.Context, name, id string, payload map[string]any) error {
	col := s.get(name)
	if col == nil {
		return vectorindex.ErrNotFound
	}
	doc, err := col.c.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s", vectorindex.ErrNotFound, id)
	}
	merged, err := decodePayload(doc.Content)
	if err != nil {
		return fmt.Errorf("chromem index: decode %q: %w", id, err)
	}
	maps.Copy(merged, payload)
	updated, err := toDocument(vectorindex.Point{ID: id, Vector: doc.Embedding, Payload: merged})
	if err != nil {
		return err
	}
	if err := col.c.AddDocument(ctx, updated); err != nil {
		return fmt.Errorf("chromem index: patch %q: %w", id, err)
	}
	return nil
}

// Delete implements vectorindex.Index.
func (s *Store) Delete(ctx context.Context, name string, ids ...string) error {
	col := s.get(name)
	if col == nil || len(ids) == 0 {
		return nil
	}
	if err := col.c.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem index: delete: %w", err)
	}
	return nil
}

// DeleteWhere implements vectorindex.Index.
func (s *Store) DeleteWhere(ctx context.Context, name string, filter vectorindex.Filter) error {
	if len(filter) == 0 {
		return errors.New("chromem index: delete requires a filter")
	}
	col := s.get(name)
	if col == nil {
		return nil
	}
	if err := col.c.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("chromem index: delete where: %w", err)
	}
	return nil
}

func toDocument(p vectorindex.Point) (chromem.Document, error) {
	content, err := json.Marshal(p.Payload)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("chromem index: encode payload of %q: %w", p.ID, err)
	}
	meta := make(map[string]string, len(p.Payload))
	for k, v := range p.Payload {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	return chromem.Document{
		ID:        p.ID,
		Metadata:  meta,
		Embedding: p.Vector,
		Content:   string(content),
	}, nil
}

func decodePayload(content string) (map[string]any, error) {
	payload := make(map[string]any)
	if content == "" || content == "null" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
