// Package mock provides an in-memory vectorindex.Index for tests.
//
// Search is exact brute-force cosine ranking; ties keep insertion order.
// Hits overrides scoring entirely so a test can dictate the ranked list the
// router sees (for example two candidates at 0.91 and 0.95).
package mock

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

// SearchCall records one Search invocation.
type SearchCall struct {
	Collection string
	Vector     []float32
	Filter     vectorindex.Filter
	Limit      int
}

// Index is a mock implementation of vectorindex.Index.
type Index struct {
	mu sync.Mutex

	// Hits, if set for a collection, is returned by Search (filtered and
	// truncated to the limit) instead of computed results.
	Hits map[string][]vectorindex.Hit

	// SearchErr and UpsertErr inject failures.
	SearchErr error
	UpsertErr error

	// SearchCalls records every Search invocation.
	SearchCalls []SearchCall

	collections map[string][]vectorindex.Point
}

// New returns an empty Index.
func New() *Index {
	return &Index{}
}

func (m *Index) coll(name string) []vectorindex.Point {
	if m.collections == nil {
		m.collections = make(map[string][]vectorindex.Point)
	}
	return m.collections[name]
}

// EnsureCollection implements vectorindex.Index.
func (m *Index) EnsureCollection(_ context.Context, collection string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections == nil {
		m.collections = make(map[string][]vectorindex.Point)
	}
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = nil
	}
	return nil
}

// Upsert implements vectorindex.Index.
func (m *Index) Upsert(_ context.Context, collection string, points ...vectorindex.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	pts := m.coll(collection)
	for _, p := range points {
		p.Payload = maps.Clone(p.Payload)
		p.Vector = slices.Clone(p.Vector)
		if i := slices.IndexFunc(pts, func(q vectorindex.Point) bool { return q.ID == p.ID }); i >= 0 {
			pts[i] = p
			continue
		}
		pts = append(pts, p)
	}
	m.collections[collection] = pts
	return nil
}

// Search implements vectorindex.Index.
func (m *Index) Search(ctx context.Context, collection string, vector []float32, filter vectorindex.Filter, limit int) ([]vectorindex.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls = append(m.SearchCalls, SearchCall{
		Collection: collection,
		Vector:     slices.Clone(vector),
		Filter:     maps.Clone(filter),
		Limit:      limit,
	})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}

	var hits []vectorindex.Hit
	if scripted, ok := m.Hits[collection]; ok {
		for _, h := range scripted {
			if filter.Matches(h.Payload) {
				hits = append(hits, h)
			}
		}
	} else {
		for _, p := range m.coll(collection) {
			if !filter.Matches(p.Payload) {
				continue
			}
			hits = append(hits, vectorindex.Hit{
				ID:      p.ID,
				Score:   vectorindex.Cosine(vector, p.Vector),
				Payload: maps.Clone(p.Payload),
			})
		}
		slices.SortStableFunc(hits, func(a, b vectorindex.Hit) int {
			switch {
			case a.Score > b.Score:
				return -1
			case a.Score < b.Score:
				return 1
			}
			return 0
		})
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// PatchPayload implements vectorindex.Index.
func (m *Index) PatchPayload(_ context.Context, collection, id string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.coll(collection)
	i := slices.IndexFunc(pts, func(p vectorindex.Point) bool { return p.ID == id })
	if i < 0 {
		return vectorindex.ErrNotFound
	}
	if pts[i].Payload == nil {
		pts[i].Payload = make(map[string]any)
	}
	maps.Copy(pts[i].Payload, payload)
	return nil
}

// Delete implements vectorindex.Index.
func (m *Index) Delete(_ context.Context, collection string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.coll(collection)
	m.collections[collection] = slices.DeleteFunc(pts, func(p vectorindex.Point) bool {
		return slices.Contains(ids, p.ID)
	})
	return nil
}

// DeleteWhere implements vectorindex.Index.
func (m *Index) DeleteWhere(_ context.Context, collection string, filter vectorindex.Filter) error {
	if len(filter) == 0 {
		return errors.New("mock index: empty filter")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.coll(collection)
	m.collections[collection] = slices.DeleteFunc(pts, func(p vectorindex.Point) bool {
		return filter.Matches(p.Payload)
	})
	return nil
}

// Points returns a copy of the points stored in collection.
func (m *Index) Points(collection string) []vectorindex.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.coll(collection))
}

// SetSearchErr replaces SearchErr under the lock.
func (m *Index) SetSearchErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchErr = err
}

var _ vectorindex.Index = (*Index)(nil)
