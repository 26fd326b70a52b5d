// Package postgres provides a PostgreSQL implementation of [session.Store].
//
// Sessions live in the sessions table and their history in session_entries,
// which cascades on session delete. The pool is usually shared with the
// vector store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lectern/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL,
    rag_enabled BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_entries_session_id ON session_entries (session_id, id);
`

var _ session.Store = (*Store)(nil)

// Store is a [session.Store] backed by PostgreSQL. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on pool and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("session store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Create implements [session.Store].
func (s *Store) Create(ctx context.Context, sess session.Session) error {
	const q = `
		INSERT INTO sessions (id, title, rag_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, sess.ID, sess.Title, sess.RetrievalEnabled, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return fmt.Errorf("session store: create: %w", err)
	}
	return nil
}

const selectSession = `
	SELECT s.id, s.title, s.rag_enabled, s.created_at, s.updated_at,
	       (SELECT count(*) FROM session_entries e WHERE e.session_id = s.id)
	FROM   sessions s`

func scanSession(row pgx.CollectableRow) (session.Session, error) {
	var sess session.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.RetrievalEnabled, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount)
	return sess, err
}

// Get implements [session.Store].
func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	rows, err := s.pool.Query(ctx, selectSession+" WHERE s.id = $1", id)
	if err != nil {
		return session.Session{}, fmt.Errorf("session store: get: %w", err)
	}
	sess, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("session store: get: %w", err)
	}
	return sess, nil
}

// List implements [session.Store].
func (s *Store) List(ctx context.Context) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx, selectSession+" ORDER BY s.updated_at DESC, s.id")
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	if out == nil {
		out = []session.Session{}
	}
	return out, nil
}

// Update implements [session.Store].
func (s *Store) Update(ctx context.Context, sess session.Session) error {
	const q = `
		UPDATE sessions
		SET    title = $2, rag_enabled = $3, updated_at = $4
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, sess.ID, sess.Title, sess.RetrievalEnabled, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("session store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Delete implements [session.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Append implements [session.Store]. The entries and the updated_at bump are
// written in one transaction.
func (s *Store) Append(ctx context.Context, id string, entries ...session.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = $2 WHERE id = $1`, id, entries[len(entries)-1].CreatedAt)
		if err != nil {
			return fmt.Errorf("session store: append: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return session.ErrNotFound
		}

		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`INSERT INTO session_entries (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
				id, e.Role, e.Content, e.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("session store: append: %w", err)
		}
		return nil
	})
}

// History implements [session.Store].
func (s *Store) History(ctx context.Context, id string, limit int) ([]session.Entry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("session store: history: %w", err)
	}
	if !exists {
		return nil, session.ErrNotFound
	}

	q := `
		SELECT role, content, created_at FROM (
		    SELECT id, role, content, created_at
		    FROM   session_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC`
	args := []any{id}
	if limit > 0 {
		q += "\n\t\t    LIMIT $2"
		args = append(args, limit)
	}
	q += "\n\t\t) recent ORDER BY id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Entry, error) {
		var e session.Entry
		err := row.Scan(&e.Role, &e.Content, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("session store: history: %w", err)
	}
	if out == nil {
		out = []session.Entry{}
	}
	return out, nil
}
