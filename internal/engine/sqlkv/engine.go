// Package sqlkv implements the transactional engine on a SQL database.
//
// All keys live in one table ({{KV_TABLE}}, default hs_kv) with a BLOB/BYTEA
// primary key, and sequences live in {{KV_TABLE}}_seq. Two dialects are
// supported:
//   - sqlite: a single connection, so transactions are fully serialized and
//     relation locks are tracked by an in-process lock manager
//   - postgres: any number of connections, with relation and tuple locks
//     taken as transaction-scoped advisory locks
package sqlkv

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
	"github.com/eventodb/hyperstore/internal/migrate"
	"github.com/eventodb/hyperstore/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const defaultTable = "hs_kv"

// Options configures a SQL engine
type Options struct {
	Dialect Dialect
	Table   string // key/value table name, defaults to hs_kv
}

// Engine implements engine.Engine on database/sql
type Engine struct {
	db      *sql.DB
	dialect Dialect
	q       queries
	locks   *lock.Manager // sqlite only
	closed  atomic.Bool
}

// New wraps db and runs the engine migrations. For sqlite the pool is
// limited to one connection.
func New(ctx context.Context, db *sql.DB, opts Options) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if opts.Table == "" {
		opts.Table = defaultTable
	}
	table := migrate.SanitizeIdentifier(opts.Table)

	e := &Engine{db: db, dialect: opts.Dialect}
	cfg := migrate.Config{
		Dialect: string(opts.Dialect),
		Table:   table + "_migrations",
		Vars:    map[string]string{"KV_TABLE": table},
	}
	switch opts.Dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
		e.locks = lock.NewManager()
		cfg.FS, cfg.Dir = migrations.EngineSQLiteFS, "engine/sqlite"
	case DialectPostgres:
		cfg.FS, cfg.Dir = migrations.EnginePostgresFS, "engine/postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect: %q", opts.Dialect)
	}
	e.q = buildQueries(opts.Dialect, table)

	migrator, err := migrate.New(db, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := migrator.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run engine migrations: %w", err)
	}
	return e, nil
}

// Open opens a database with the driver matching the dialect ("sqlite" for
// modernc.org/sqlite, "pgx" for Postgres) and wraps it
func Open(ctx context.Context, dsn string, opts Options) (*Engine, error) {
	driver := "sqlite"
	if opts.Dialect == DialectPostgres {
		driver = "pgx"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.Dialect == DialectPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	e, err := New(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// Name returns the dialect name
func (e *Engine) Name() string {
	return string(e.dialect)
}

// DB exposes the underlying connection pool
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Begin starts a transaction. With the sqlite dialect Begin waits until the
// previous transaction has finished.
func (e *Engine) Begin(ctx context.Context) (engine.Txn, error) {
	if e.closed.Load() {
		return nil, engine.ErrClosed
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &txn{
		id:  engine.NewTxnID(),
		eng: e,
		ctx: ctx,
		tx:  tx,
	}, nil
}

// Close closes the connection pool
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}
