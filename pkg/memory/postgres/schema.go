// Package postgres provides a PostgreSQL + pgvector implementation of
// [memory.VectorStore].
//
// Each collection lives in its own table with an HNSW cosine index on the
// embedding column. The pgvector extension must be available in the target
// database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Upsert(ctx, memory.CollectionPages, records)
//	matches, _ := store.Query(ctx, memory.CollectionPages, vec, 3, memory.Filter{SessionID: id})
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lectern/pkg/memory"
)

// ErrSchemaDimensions is returned when the tables hold vectors of another
// size than the configured embedding model produces.
var ErrSchemaDimensions = errors.New("postgres store: schema built for another embedding size")

// tables maps collection names to table names.
var tables = map[string]string{
	memory.CollectionPages:         "memory_pages",
	memory.CollectionChunks:        "memory_chunks",
	memory.CollectionConversations: "memory_conversations",
}

func tableFor(collection string) (string, error) {
	t, ok := tables[collection]
	if !ok {
		return "", fmt.Errorf("postgres store: unknown collection %q", collection)
	}
	return t, nil
}

// ddlCollection returns the DDL for one collection table. The vector
// dimension is baked into the column type at schema creation time.
func ddlCollection(table string, embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id           TEXT         PRIMARY KEY,
    content      TEXT         NOT NULL,
    embedding    vector(%[2]d) NOT NULL,
    doc_id       TEXT         NOT NULL DEFAULT '',
    filename     TEXT         NOT NULL DEFAULT '',
    session_id   TEXT         NOT NULL DEFAULT '',
    page_number  INTEGER      NOT NULL DEFAULT -1,
    chunk_index  INTEGER      NOT NULL DEFAULT 0,
    source_type  TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    seq          BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_session_id ON %[1]s (session_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_doc_id     ON %[1]s (doc_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
    ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, table, embeddingDimensions)
}

// Migrate creates the extension, tables and indexes if missing, then checks
// that every embedding column has embeddingDimensions components. Switching
// embedding models to one of another size needs the tables dropped first.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	statements := []string{"CREATE EXTENSION IF NOT EXISTS vector"}
	for _, c := range []string{memory.CollectionPages, memory.CollectionChunks, memory.CollectionConversations} {
		statements = append(statements, ddlCollection(tables[c], embeddingDimensions))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}

	// For vector columns atttypmod holds the declared dimension.
	for _, table := range tables {
		var dims int
		err := pool.QueryRow(ctx,
			`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
			table).Scan(&dims)
		if err != nil {
			return fmt.Errorf("postgres migrate: inspect %s: %w", table, err)
		}
		if dims != embeddingDimensions {
			return fmt.Errorf("%w: %s has %d, configured %d", ErrSchemaDimensions, table, dims, embeddingDimensions)
		}
	}
	return nil
}
