package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/lectern/pkg/memory"
)

var _ memory.VectorStore = (*Store)(nil)

// Store keeps document pages, chunks and conversation turns in PostgreSQL.
// The session store shares its pool through [Store.Pool].
type Store struct {
	pool *pgxpool.Pool
	dims int
}

type options struct {
	maxConns    int32
	idleTimeout time.Duration
}

// Option tunes the connection pool.
type Option func(*options)

// WithMaxConns caps the pool. pgx defaults to max(4, GOMAXPROCS).
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

func WithMaxConnIdleTime(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// NewStore connects to dsn and migrates the schema for vectors of dims
// components. An existing schema built for another size is rejected with
// [ErrSchemaDimensions].
func NewStore(ctx context.Context, dsn string, dims int, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	if o.idleTimeout > 0 {
		cfg.MaxConnIdleTime = o.idleTimeout
	}

	// Type registration needs the vector type, so a fresh database gets the
	// extension before the pool opens its first connection.
	if err := ensureExtension(ctx, cfg.ConnConfig.Copy()); err != nil {
		return nil, err
	}
	cfg.AfterConnect = pgxvec.RegisterTypes

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open pool: %w", err)
	}
	s := &Store{pool: pool, dims: dims}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func ensureExtension(ctx context.Context, cc *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("postgres store: connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("postgres store: install pgvector: %w", err)
	}
	return nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Dimensions is the vector size of the schema.
func (s *Store) Dimensions() int { return s.dims }

// Ping backs the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }
