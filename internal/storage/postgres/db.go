package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/uniques/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// expectedColumns is the events table shape the queries rely on.
var expectedColumns = map[string]string{
	"cid":      "uuid",
	"ts_epoch": "bigint",
}

// DB is the Postgres-backed event store.
type DB struct {
	Pool    *pgxpool.Pool
	timeout time.Duration
}

var _ storage.EventStore = (*DB)(nil)

// Connect opens a pool. timeout bounds connection establishment and every
// single-statement call; zero means storage.DefaultTimeout.
func Connect(ctx context.Context, dsn string, timeout time.Duration) (*DB, error) {
	if timeout <= 0 {
		timeout = storage.DefaultTimeout
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = timeout
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, storage.Unavailable("pgxpool", err)
	}
	return &DB{Pool: pool, timeout: timeout}, nil
}

func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

func (db *DB) Ready(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	var one int
	if err := db.Pool.QueryRow(ctx, "select 1").Scan(&one); err != nil {
		return storage.Unavailable("ready", err)
	}
	return nil
}

// Migrate applies the embedded schema and verifies the resulting table.
func (db *DB) Migrate(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		if verr := db.verifySchema(ctx); verr != nil {
			return verr
		}
		return storage.Unavailable("exec migration", err)
	}
	return db.verifySchema(ctx)
}

func (db *DB) verifySchema(ctx context.Context) error {
	rows, err := db.Pool.Query(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = 'events'`)
	if err != nil {
		return storage.Unavailable("inspect schema", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(expectedColumns))
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return storage.Unavailable("scan schema", err)
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return storage.Unavailable("inspect schema", err)
	}
	for col, typ := range expectedColumns {
		if found[col] != typ {
			return fmt.Errorf("%w: column %s is %q, want %q", storage.ErrSchemaInvalid, col, found[col], typ)
		}
	}
	return nil
}
