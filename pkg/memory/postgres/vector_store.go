package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/lectern/pkg/memory"
)

// Upsert implements [memory.VectorStore]. All records are written in one
// batch; if a record with the same ID already exists it is replaced.
func (s *Store) Upsert(ctx context.Context, collection string, records []memory.Record) error {
	table, err := tableFor(collection)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	q := fmt.Sprintf(`
		INSERT INTO %s
		    (id, content, embedding, doc_id, filename, session_id, page_number, chunk_index, source_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10::timestamptz, now()))
		ON CONFLICT (id) DO UPDATE SET
		    content     = EXCLUDED.content,
		    embedding   = EXCLUDED.embedding,
		    doc_id      = EXCLUDED.doc_id,
		    filename    = EXCLUDED.filename,
		    session_id  = EXCLUDED.session_id,
		    page_number = EXCLUDED.page_number,
		    chunk_index = EXCLUDED.chunk_index,
		    source_type = EXCLUDED.source_type`, table)

	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Embedding) != s.dims {
			return fmt.Errorf("postgres store: upsert %s: record %q has %d dimensions, want %d",
				collection, r.ID, len(r.Embedding), s.dims)
		}
		var created any
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt
		}
		batch.Queue(q,
			r.ID,
			r.Text,
			pgvector.NewVector(r.Embedding),
			r.DocID,
			r.Filename,
			r.SessionID,
			r.PageNumber,
			r.ChunkIndex,
			r.SourceType,
			created,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: upsert %s: %w", collection, err)
	}
	return nil
}

// Query implements [memory.VectorStore]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) Query(ctx context.Context, collection string, vec []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	args := []any{pgvector.NewVector(vec)} // $1 = query vector
	where := whereClause(filter, &args)
	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT %s,
		       embedding <=> $1 AS distance
		FROM   %s
		%s
		ORDER  BY distance
		LIMIT  %s`, recordColumns, table, where, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query %s: %w", collection, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Match, error) {
		var (
			m   memory.Match
			vec pgvector.Vector
		)
		dest := append(recordDest(&m.Record, &vec), &m.Distance)
		if err := row.Scan(dest...); err != nil {
			return memory.Match{}, err
		}
		m.Embedding = vec.Slice()
		m.Score = 1 - m.Distance
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan %s rows: %w", collection, err)
	}
	if results == nil {
		results = []memory.Match{}
	}
	return results, nil
}

// FetchByID implements [memory.VectorStore].
func (s *Store) FetchByID(ctx context.Context, collection, id string) (memory.Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return memory.Record{}, err
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, table)
	var (
		r   memory.Record
		vec pgvector.Vector
	)
	if err := s.pool.QueryRow(ctx, q, id).Scan(recordDest(&r, &vec)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return memory.Record{}, fmt.Errorf("postgres store: fetch %s/%s: %w", collection, id, memory.ErrNotFound)
		}
		return memory.Record{}, fmt.Errorf("postgres store: fetch %s/%s: %w", collection, id, err)
	}
	r.Embedding = vec.Slice()
	return r, nil
}

// Delete implements [memory.VectorStore].
func (s *Store) Delete(ctx context.Context, collection string, filter memory.Filter) (int, error) {
	table, err := tableFor(collection)
	if err != nil {
		return 0, err
	}
	if filter.IsZero() {
		return 0, memory.ErrEmptyFilter
	}

	var args []any
	q := fmt.Sprintf(`DELETE FROM %s %s`, table, whereClause(filter, &args))
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete %s: %w", collection, err)
	}
	return int(tag.RowsAffected()), nil
}

// Scan implements [memory.VectorStore]. Embeddings are not loaded.
func (s *Store) Scan(ctx context.Context, collection string, filter memory.Filter) ([]memory.Record, error) {
	table, err := tableFor(collection)
	if err != nil {
		return nil, err
	}

	var args []any
	q := fmt.Sprintf(`
		SELECT id, content, doc_id, filename, session_id, page_number, chunk_index, source_type, created_at
		FROM   %s
		%s
		ORDER  BY seq`, table, whereClause(filter, &args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan %s: %w", collection, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Record, error) {
		var r memory.Record
		err := row.Scan(&r.ID, &r.Text, &r.DocID, &r.Filename, &r.SessionID,
			&r.PageNumber, &r.ChunkIndex, &r.SourceType, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan %s rows: %w", collection, err)
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	return recs, nil
}

const recordColumns = `id, content, embedding, doc_id, filename, session_id, page_number, chunk_index, source_type, created_at`

// recordDest returns scan destinations matching recordColumns.
func recordDest(r *memory.Record, vec *pgvector.Vector) []any {
	return []any{
		&r.ID,
		&r.Text,
		vec,
		&r.DocID,
		&r.Filename,
		&r.SessionID,
		&r.PageNumber,
		&r.ChunkIndex,
		&r.SourceType,
		&r.CreatedAt,
	}
}

// whereClause renders filter as a WHERE clause, appending its parameters to
// args so that placeholders continue after any already present.
func whereClause(filter memory.Filter, args *[]any) string {
	next := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}

	var conditions []string
	if len(filter.IDs) > 0 {
		conditions = append(conditions, "id = ANY("+next(filter.IDs)+")")
	}
	if filter.DocID != "" {
		conditions = append(conditions, "doc_id = "+next(filter.DocID))
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(filter.SessionID))
	}
	if len(conditions) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(conditions, "\n  AND ")
}
