package qdrant_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/hexenseai/hex-platform/pkg/vectorindex"
	"github.com/hexenseai/hex-platform/pkg/vectorindex/qdrant"
)

// fakeQdrant implements the handful of REST endpoints the client uses, with
// brute-force cosine search.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[string]storedPoint
	requests    []string
}

type storedPoint struct {
	vector  []float32
	payload map[string]any
}

func newFake(t *testing.T) (*fakeQdrant, *qdrant.Client) {
	t.Helper()
	f := &fakeQdrant{collections: make(map[string]map[string]storedPoint)}
	srv := httptest.NewServer(f.routes())
	t.Cleanup(srv.Close)
	c, err := qdrant.New(srv.URL + "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, c
}

func (f *fakeQdrant) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, "GET "+r.PathValue("name"))
		if _, ok := f.collections[r.PathValue("name")]; !ok {
			http.NotFound(w, r)
			return
		}
		writeOK(w, map[string]any{"status": "green"})
	})
	mux.HandleFunc("PUT /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, "PUT "+r.PathValue("name"))
		f.collections[r.PathValue("name")] = make(map[string]storedPoint)
		writeOK(w, true)
	})
	mux.HandleFunc("PUT /collections/{name}/points", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []struct {
				ID      string         `json:"id"`
				Vector  []float32      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		coll, ok := f.collections[r.PathValue("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		for _, p := range body.Points {
			coll[p.ID] = storedPoint{vector: p.Vector, payload: p.Payload}
		}
		writeOK(w, map[string]any{"status": "completed"})
	})
	mux.HandleFunc("POST /collections/{name}/points/search", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Vector []float32 `json:"vector"`
			Limit  int       `json:"limit"`
			Filter *struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value string `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		coll, ok := f.collections[r.PathValue("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		filter := vectorindex.Filter{}
		if body.Filter != nil {
			for _, m := range body.Filter.Must {
				filter[m.Key] = m.Match.Value
			}
		}
		type hit struct {
			ID      string         `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		}
		var hits []hit
		for id, p := range coll {
			if filter.Matches(p.payload) {
				hits = append(hits, hit{ID: id, Score: vectorindex.Cosine(body.Vector, p.vector), Payload: p.payload})
			}
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > body.Limit {
			hits = hits[:body.Limit]
		}
		writeOK(w, hits)
	})
	mux.HandleFunc("POST /collections/{name}/points/payload", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payload map[string]any `json:"payload"`
			Points  []string       `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		coll := f.collections[r.PathValue("name")]
		for _, id := range body.Points {
			p, ok := coll[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			for k, v := range body.Payload {
				p.payload[k] = v
			}
		}
		writeOK(w, map[string]any{"status": "completed"})
	})
	mux.HandleFunc("POST /collections/{name}/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []string `json:"points"`
			Filter *struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value string `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		coll := f.collections[r.PathValue("name")]
		for _, id := range body.Points {
			delete(coll, id)
		}
		if body.Filter != nil {
			filter := vectorindex.Filter{}
			for _, m := range body.Filter.Must {
				filter[m.Key] = m.Match.Value
			}
			for id, p := range coll {
				if filter.Matches(p.payload) {
					delete(coll, id)
				}
			}
		}
		writeOK(w, map[string]any{"status": "completed"})
	})
	return mux
}

func writeOK(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": result})
}

func TestEnsureCollection_CreatesOnce(t *testing.T) {
	t.Parallel()

	f, c := newFake(t)
	ctx := context.Background()
	for range 2 {
		if err := c.EnsureCollection(ctx, "agent_packages", 3); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
	}
	want := []string{"GET agent_packages", "PUT agent_packages", "GET agent_packages"}
	if len(f.requests) != len(want) {
		t.Fatalf("requests = %v, want %v", f.requests, want)
	}
	for i := range want {
		if f.requests[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, f.requests[i], want[i])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	_, c := newFake(t)
	ctx := context.Background()
	if err := c.EnsureCollection(ctx, "conversation_memory", 2); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	err := c.Upsert(ctx, "conversation_memory",
		vectorindex.Point{ID: "conv-1|2026-01-01T00:00:00Z", Vector: []float32{1, 0}, Payload: map[string]any{"principal_id": "u1"}},
		vectorindex.Point{ID: "conv-2|2026-01-02T00:00:00Z", Vector: []float32{0.6, 0.8}, Payload: map[string]any{"principal_id": "u1"}},
		vectorindex.Point{ID: "conv-3|2026-01-03T00:00:00Z", Vector: []float32{1, 0}, Payload: map[string]any{"principal_id": "u2"}},
	)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := c.Search(ctx, "conversation_memory", []float32{1, 0}, vectorindex.Filter{"principal_id": "u1"}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "conv-1|2026-01-01T00:00:00Z" {
		t.Errorf("top hit id = %q, want the caller's id", hits[0].ID)
	}
	if _, leaked := hits[0].Payload[qdrant.IDField]; leaked {
		t.Error("reserved id field leaked into payload")
	}

	if err := c.PatchPayload(ctx, "conversation_memory", "conv-2|2026-01-02T00:00:00Z", map[string]any{"topic": "billing"}); err != nil {
		t.Fatalf("PatchPayload: %v", err)
	}
	hits, _ = c.Search(ctx, "conversation_memory", []float32{0, 1}, vectorindex.Filter{"topic": "billing"}, 3)
	if len(hits) != 1 {
		t.Errorf("patched search = %+v", hits)
	}

	if err := c.DeleteWhere(ctx, "conversation_memory", vectorindex.Filter{"principal_id": "u1"}); err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if err := c.Delete(ctx, "conversation_memory", "conv-3|2026-01-03T00:00:00Z"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, _ = c.Search(ctx, "conversation_memory", []float32{1, 0}, nil, 3)
	if len(hits) != 0 {
		t.Errorf("after delete = %+v", hits)
	}
}

func TestSearch_MissingCollection(t *testing.T) {
	t.Parallel()

	_, c := newFake(t)
	hits, err := c.Search(context.Background(), "nothing", []float32{1}, nil, 5)
	if err != nil || hits != nil {
		t.Errorf("Search = %v, %v; want no hits and no error", hits, err)
	}
}

func TestPointID(t *testing.T) {
	t.Parallel()

	u := "0b3f7f62-6d55-4a43-9c53-44e6a3a4c0de"
	if got := qdrant.PointID(u); got != u {
		t.Errorf("PointID(uuid) = %q", got)
	}
	a, b := qdrant.PointID("pkg-legal"), qdrant.PointID("pkg-legal")
	if a != b {
		t.Error("PointID is not deterministic")
	}
	if a == qdrant.PointID("pkg-sales") {
		t.Error("distinct ids collide")
	}
}
