package docsense

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/TomRiddelsdell/docsense-sub001/internal/codecs"
	"github.com/TomRiddelsdell/docsense-sub001/internal/pg"
	"github.com/TomRiddelsdell/docsense-sub001/schema"
)

// Store is the main entry point. It holds a PostgreSQL connection pool and
// provides the shared backend (executor, codec, schema bootstrap) that the
// event store, failure tracker, and projections are built on.
type Store struct {
	pool  *pg.Pool
	sqlDB *sql.DB
	be    backend
}

// New connects to PostgreSQL and returns a configured Store.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pg.NewPool(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("docsense: %w", err)
	}

	s := &Store{
		pool: pool,
		// read-model projections built on database/sql ORMs share the
		// same pool through the pgx stdlib bridge
		sqlDB: stdlib.OpenDBFromPool(pool.PgxPool()),
		be: backend{
			exec:   pool,
			codec:  cfg.codec,
			schema: schema.New(),
		},
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// DBExecutor returns the underlying database executor.
func (s *Store) DBExecutor() pg.Executor { return s.be.exec }

// JSONCodec returns the configured JSON codec.
func (s *Store) JSONCodec() codecs.Codec { return s.be.codec }

// SchemaBootstrap returns the schema bootstrap manager.
func (s *Store) SchemaBootstrap() *schema.Bootstrap { return s.be.schema }

// PgxPool returns the underlying pgxpool.Pool.
func (s *Store) PgxPool() *pgxpool.Pool { return s.pool.PgxPool() }

// SQLDB returns a database/sql handle over the same pool, for ORM-backed
// read models (bun, gorm).
func (s *Store) SQLDB() *sql.DB { return s.sqlDB }

// Begin starts a transaction and returns an Executor scoped to it.
func (s *Store) Begin(ctx context.Context) (*pg.Tx, error) {
	return s.pool.BeginTx(ctx)
}
