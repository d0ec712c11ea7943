// Package postgres provides a vectorindex.Index stored in PostgreSQL with the
// pgvector extension.
//
// All collections share one table whose vector column has a fixed
// dimensionality chosen at [Migrate] time, with an HNSW index over cosine
// distance. Payloads are JSONB; a [vectorindex.Filter] becomes a containment
// (@>) predicate.
//
// The collection and filter predicates are applied to the rows the HNSW scan
// yields, so a plain scan returns fewer than limit rows once other
// collections or principals crowd the neighbourhood. Search therefore runs in
// a transaction that enables iterative index scans (pgvector 0.8 and later)
// or, on older servers, widens hnsw.ef_search to its maximum.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/hexenseai/hex-platform/pkg/vectorindex"
)

var _ vectorindex.Index = (*Store)(nil)

// maxEFSearch is the largest hnsw.ef_search pgvector accepts.
const maxEFSearch = 1000

// Store is a pgvector-backed vectorindex.Index.
type Store struct {
	pool *pgxpool.Pool
	dims int

	// iterative is set when the server supports hnsw.iterative_scan.
	iterative bool
}

// Open connects to dsn, registers the pgvector types on every connection and
// runs [Migrate].
func Open(ctx context.Context, dsn string, dims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector index: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}
	iterative, err := supportsIterativeScan(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, dims: dims, iterative: iterative}, nil
}

// supportsIterativeScan reports whether the installed pgvector is 0.8 or
// later.
func supportsIterativeScan(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	var version string
	err := pool.QueryRow(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version)
	if err != nil {
		return false, fmt.Errorf("pgvector index: read extension version: %w", err)
	}
	var major, minor int
	if _, err := fmt.Sscanf(version, "%d.%d", &major, &minor); err != nil {
		return false, fmt.Errorf("pgvector index: parse extension version %q: %w", version, err)
	}
	return major > 0 || minor >= 8, nil
}

// scanSettings returns the statements that make one HNSW search keep
// scanning until limit rows pass the WHERE clause.
func (s *Store) scanSettings(limit int) []string {
	if s.iterative {
		return []string{
			"SET LOCAL hnsw.iterative_scan = strict_order",
			fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", min(max(limit, 40), maxEFSearch)),
		}
	}
	return []string{fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", maxEFSearch)}
}

// Migrate creates the extension, table and indexes. It is idempotent.
// Changing dims after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_points (
    collection  TEXT         NOT NULL,
    id          TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    payload     JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_vector_points_embedding
    ON vector_points USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_vector_points_payload
    ON vector_points USING GIN (payload jsonb_path_ops);
`, dims)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgvector index: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// EnsureCollection implements vectorindex.Index. Collections are implicit;
// only the dimensionality is checked.
func (s *Store) EnsureCollection(_ context.Context, name string, dims int) error {
	if dims != 0 && dims != s.dims {
		return fmt.Errorf("%w: collection %q wants %d, table has %d", vectorindex.ErrDimensionMismatch, name, dims, s.dims)
	}
	return nil
}

// Upsert implements vectorindex.Index. All points are written in one batch.
func (s *Store) Upsert(ctx context.Context, name string, points ...vectorindex.Point) error {
	const q = `
		INSERT INTO vector_points (collection, id, embedding, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (collection, id) DO UPDATE SET
		    embedding  = EXCLUDED.embedding,
		    payload    = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, p := range points {
		if len(p.Vector) != s.dims {
			return fmt.Errorf("%w: point %q has %d, table has %d", vectorindex.ErrDimensionMismatch, p.ID, len(p.Vector), s.dims)
		}
		payload, err := json.Marshal(orEmpty(p.Payload))
		if err != nil {
			return fmt.Errorf("pgvector index: encode payload of %q: %w", p.ID, err)
		}
		batch.Queue(q, name, p.ID, pgvector.NewVector(p.Vector), payload)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgvector index: upsert: %w", err)
	}
	return nil
}

// Search implements vectorindex.Index. Score is 1 - cosine distance.
func (s *Store) Search(ctx context.Context, name string, vector []float32, filter vectorindex.Filter, limit int) ([]vectorindex.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	args := []any{pgvector.NewVector(vector), name, limit}
	where := "collection = $2"
	if len(filter) > 0 {
		f, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("pgvector index: encode filter: %w", err)
		}
		args = append(args, f)
		where += " AND payload @> $4::jsonb"
	}

	q := fmt.Sprintf(`
		SELECT id, payload, 1 - (embedding <=> $1) AS score
		FROM   vector_points
		WHERE  %s
		ORDER  BY embedding <=> $1
		LIMIT  $3`, where)

	var hits []vectorindex.Hit
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range s.scanSettings(limit) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("pgvector index: %s: %w", stmt, err)
			}
		}
		rows, err := tx.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("pgvector index: search: %w", err)
		}
		hits, err = pgx.CollectRows(rows, scanHit)
		if err != nil {
			return fmt.Errorf("pgvector index: scan: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func scanHit(row pgx.CollectableRow) (vectorindex.Hit, error) {
	var (
		h   vectorindex.Hit
		raw []byte
		sc  float64
	)
	if err := row.Scan(&h.ID, &raw, &sc); err != nil {
		return h, err
	}
	h.Score = float32(sc)
	if err := json.Unmarshal(raw, &h.Payload); err != nil {
		return h, fmt.Errorf("decode payload of %q: %w", h.ID, err)
	}
	return h, nil
}

// PatchPayload implements vectorindex.Index.
func (s *Store) PatchPayload(ctx context.Context, name, id string, payload map[string]any) error {
	raw, err := json.Marshal(orEmpty(payload))
	if err != nil {
		return fmt.Errorf("pgvector index: encode payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE vector_points SET payload = payload || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`, name, id, raw)
	if err != nil {
		return fmt.Errorf("pgvector index: patch payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", vectorindex.ErrNotFound, id)
	}
	return nil
}

// Delete implements vectorindex.Index.
func (s *Store) Delete(ctx context.Context, name string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM vector_points WHERE collection = $1 AND id = ANY($2)`, name, ids); err != nil {
		return fmt.Errorf("pgvector index: delete: %w", err)
	}
	return nil
}

// DeleteWhere implements vectorindex.Index.
func (s *Store) DeleteWhere(ctx context.Context, name string, filter vectorindex.Filter) error {
	if len(filter) == 0 {
		return errors.New("pgvector index: delete requires a filter")
	}
	f, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("pgvector index: encode filter: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM vector_points WHERE collection = $1 AND payload @> $2::jsonb`, name, f); err != nil {
		return fmt.Errorf("pgvector index: delete where: %w", err)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
