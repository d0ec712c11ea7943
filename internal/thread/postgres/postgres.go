// Package postgres provides a thread.Repository backed by PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hexenseai/hex-platform/internal/thread"
)

// Schema is the DDL for the threads and thread_messages tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS threads (
    id          UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    principal   TEXT         NOT NULL,
    package_id  TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    topic       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp(),
    UNIQUE (principal, package_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_threads_principal_updated ON threads(principal, updated_at DESC);

CREATE TABLE IF NOT EXISTS thread_messages (
    pos           BIGSERIAL    PRIMARY KEY,
    id            UUID         NOT NULL UNIQUE DEFAULT gen_random_uuid(),
    thread_id     UUID         NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role          TEXT         NOT NULL,
    content       TEXT         NOT NULL DEFAULT '',
    name          TEXT         NOT NULL DEFAULT '',
    tool_calls    JSONB        NOT NULL DEFAULT '[]',
    tool_call_id  TEXT         NOT NULL DEFAULT '',
    actions       JSONB        NOT NULL DEFAULT '[]',
    package_id    TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages(thread_id, pos);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a PostgreSQL thread.Repository.
type Store struct {
	db    DB
	close func()
}

var _ thread.Repository = (*Store)(nil)

// New returns a Store using db. The caller runs [Store.Migrate] before use.
func New(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Open connects a pool to dsn and migrates the schema. Close releases the
// pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("thread store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("thread store: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("thread store: migrate: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() { s.close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

const threadColumns = `id::text, principal, package_id, seq, topic, created_at, updated_at`

func scanThread(row pgx.Row) (*thread.Thread, error) {
	var th thread.Thread
	err := row.Scan(&th.ID, &th.Principal, &th.PackageID, &th.Seq, &th.Topic, &th.CreatedAt, &th.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, thread.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// Get implements thread.Repository.
func (s *Store) Get(ctx context.Context, id string) (*thread.Thread, error) {
	th, err := scanThread(s.db.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id::text = $1`, id))
	if err != nil && !errors.Is(err, thread.ErrNotFound) {
		return nil, fmt.Errorf("thread store: get %q: %w", id, err)
	}
	return th, err
}

// FindLatestThread implements thread.Repository.
func (s *Store) FindLatestThread(ctx context.Context, principal, pkg string) (*thread.Thread, error) {
	const q = `
		SELECT ` + threadColumns + `
		FROM   threads
		WHERE  principal = $1 AND package_id = $2
		ORDER  BY updated_at DESC, seq DESC
		LIMIT  1`
	th, err := scanThread(s.db.QueryRow(ctx, q, principal, pkg))
	if err != nil && !errors.Is(err, thread.ErrNotFound) {
		return nil, fmt.Errorf("thread store: find latest: %w", err)
	}
	return th, err
}

// CreateThread implements thread.Repository. The insert is a no-op when the
// (principal, package, seq) row exists; the subsequent select returns
// whichever writer won.
func (s *Store) CreateThread(ctx context.Context, principal, pkg string, seq int) (*thread.Thread, error) {
	const insert = `
		INSERT INTO threads (principal, package_id, seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (principal, package_id, seq) DO NOTHING`
	if _, err := s.db.Exec(ctx, insert, principal, pkg, seq); err != nil {
		return nil, fmt.Errorf("thread store: create: %w", err)
	}
	th, err := scanThread(s.db.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE principal = $1 AND package_id = $2 AND seq = $3`,
		principal, pkg, seq))
	if err != nil {
		return nil, fmt.Errorf("thread store: create: read back: %w", err)
	}
	return th, nil
}

// createNextAttempts bounds the retries of CreateNextThread when concurrent
// writers claim the same seq.
const createNextAttempts = 5

// CreateNextThread implements thread.Repository. The seq is computed and
// claimed in one statement; losing a race to another writer retries with the
// new maximum.
func (s *Store) CreateNextThread(ctx context.Context, principal, pkg string) (*thread.Thread, error) {
	const q = `
		INSERT INTO threads (principal, package_id, seq)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1
		FROM   threads
		WHERE  principal = $1 AND package_id = $2
		ON CONFLICT (principal, package_id, seq) DO NOTHING
		RETURNING ` + threadColumns
	for range createNextAttempts {
		th, err := scanThread(s.db.QueryRow(ctx, q, principal, pkg))
		if err == nil {
			return th, nil
		}
		if !errors.Is(err, thread.ErrNotFound) {
			return nil, fmt.Errorf("thread store: create next: %w", err)
		}
	}
	return nil, fmt.Errorf("thread store: create next: seq contention for %s/%s", principal, pkg)
}

// ListThreads implements thread.Repository.
func (s *Store) ListThreads(ctx context.Context, principal string) ([]thread.Thread, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE principal = $1 ORDER BY updated_at DESC`, principal)
	if err != nil {
		return nil, fmt.Errorf("thread store: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (thread.Thread, error) {
		th, err := scanThread(row)
		if err != nil {
			return thread.Thread{}, err
		}
		return *th, nil
	})
	if err != nil {
		return nil, fmt.Errorf("thread store: list: scan: %w", err)
	}
	if out == nil {
		out = []thread.Thread{}
	}
	return out, nil
}

// AppendMessage implements thread.Repository.
func (s *Store) AppendMessage(ctx context.Context, threadID string, m thread.Message) (thread.Message, error) {
	calls, err := json.Marshal(emptySlice(m.ToolCalls))
	if err != nil {
		return thread.Message{}, fmt.Errorf("thread store: marshal tool_calls: %w", err)
	}
	actions, err := json.Marshal(emptySlice(m.Actions))
	if err != nil {
		return thread.Message{}, fmt.Errorf("thread store: marshal actions: %w", err)
	}

	const q = `
		INSERT INTO thread_messages
		    (thread_id, role, content, name, tool_calls, tool_call_id, actions, package_id)
		SELECT id, $2, $3, $4, $5, $6, $7, $8 FROM threads WHERE id::text = $1
		RETURNING id::text, created_at`
	err = s.db.QueryRow(ctx, q,
		threadID, m.Role, m.Content, m.Name, calls, m.ToolCallID, actions, m.PackageID,
	).Scan(&m.ID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return thread.Message{}, thread.ErrNotFound
	}
	if err != nil {
		return thread.Message{}, fmt.Errorf("thread store: append message: %w", err)
	}
	m.ThreadID = threadID
	return m, nil
}

// RecentMessages implements thread.Repository.
func (s *Store) RecentMessages(ctx context.Context, threadID string, limit int) ([]thread.Message, error) {
	if limit <= 0 {
		limit = 1 << 30
	}
	const q = `
		SELECT id, thread_id, role, content, name, tool_calls, tool_call_id, actions, package_id, created_at
		FROM (
		    SELECT pos, id::text AS id, thread_id::text AS thread_id, role, content, name, tool_calls,
		           tool_call_id, actions, package_id, created_at
		    FROM   thread_messages
		    WHERE  thread_id::text = $1
		    ORDER  BY pos DESC
		    LIMIT  $2
		) recent
		ORDER BY pos`
	rows, err := s.db.Query(ctx, q, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("thread store: recent messages: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (thread.Message, error) {
		var (
			m              thread.Message
			calls, actions []byte
		)
		if err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Name, &calls,
			&m.ToolCallID, &actions, &m.PackageID, &m.CreatedAt); err != nil {
			return thread.Message{}, err
		}
		if err := json.Unmarshal(calls, &m.ToolCalls); err != nil {
			return thread.Message{}, fmt.Errorf("unmarshal tool_calls: %w", err)
		}
		if err := json.Unmarshal(actions, &m.Actions); err != nil {
			return thread.Message{}, fmt.Errorf("unmarshal actions: %w", err)
		}
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		}
		if len(m.Actions) == 0 {
			m.Actions = nil
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("thread store: recent messages: scan: %w", err)
	}
	return out, nil
}

// CountMessages implements thread.Repository.
func (s *Store) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM thread_messages WHERE thread_id::text = $1`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("thread store: count messages: %w", err)
	}
	return n, nil
}

// Touch implements thread.Repository.
func (s *Store) Touch(ctx context.Context, threadID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE threads SET updated_at = clock_timestamp() WHERE id::text = $1`, threadID)
	if err != nil {
		return fmt.Errorf("thread store: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return thread.ErrNotFound
	}
	return nil
}

// Rebind implements thread.Repository. The emptiness check and the update
// are one statement, so a message appended concurrently either lands before
// the rebind (which then fails with ErrNotEmpty) or after it.
func (s *Store) Rebind(ctx context.Context, threadID, pkg string) (*thread.Thread, error) {
	const q = `
		UPDATE threads t SET
		    package_id = $2,
		    seq        = (SELECT COALESCE(MAX(o.seq), 0) + 1 FROM threads o
		                  WHERE o.principal = t.principal AND o.package_id = $2),
		    updated_at = clock_timestamp()
		WHERE t.id::text = $1
		  AND t.package_id <> $2
		  AND NOT EXISTS (SELECT 1 FROM thread_messages m WHERE m.thread_id = t.id)
		RETURNING ` + threadColumns
	th, err := scanThread(s.db.QueryRow(ctx, q, threadID, pkg))
	if err == nil {
		return th, nil
	}
	if !errors.Is(err, thread.ErrNotFound) {
		return nil, fmt.Errorf("thread store: rebind: %w", err)
	}

	// No row updated: find out why.
	cur, err := s.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cur.PackageID == pkg {
		return cur, nil
	}
	return nil, thread.ErrNotEmpty
}

// SetTopic implements thread.Repository.
func (s *Store) SetTopic(ctx context.Context, threadID, topic string) error {
	tag, err := s.db.Exec(ctx, `UPDATE threads SET topic = $2 WHERE id::text = $1`, threadID, topic)
	if err != nil {
		return fmt.Errorf("thread store: set topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return thread.ErrNotFound
	}
	return nil
}

// DeleteThread implements thread.Repository.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM threads WHERE id::text = $1`, threadID); err != nil {
		return fmt.Errorf("thread store: delete: %w", err)
	}
	return nil
}

func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
