// Package sqlite is an embedded event store for single-node deployments and
// tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"example.com/uniques/internal/domain"
	"example.com/uniques/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

var expectedColumns = map[string]string{
	"cid":      "BLOB",
	"ts_epoch": "INTEGER",
}

// Store provides durable storage for visit events.
// Uses SQLite in WAL mode so a rebuild scan does not block appends.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var _ storage.EventStore = (*Store)(nil)

// Open creates or opens a database file at path, applies the schema and
// verifies it. Safe to call repeatedly on the same file.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = storage.DefaultTimeout
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", fmt.Sprint(timeout.Milliseconds()))
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the extra connections serve the rebuild scan
	// and count queries that run alongside it.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &Store{db: db, timeout: timeout}
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storage.Unavailable("connect", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		// A pre-existing table with the wrong columns makes the index
		// statement fail; report that as a schema problem.
		if verr := s.verifySchema(ctx); verr != nil {
			return verr
		}
		return storage.Unavailable("apply schema", err)
	}
	return s.verifySchema(ctx)
}

func (s *Store) verifySchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(events)")
	if err != nil {
		return storage.Unavailable("inspect schema", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(expectedColumns))
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return storage.Unavailable("scan schema", err)
		}
		found[name] = strings.ToUpper(typ)
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

func (s *Store) Ready(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return storage.Unavailable("ready", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, ev domain.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "INSERT INTO events (cid, ts_epoch) VALUES (?, ?)",
		ev.ID[:], storage.Seconds(ev.Timestamp))
	if err != nil {
		return storage.Unavailable("append", err)
	}
	return nil
}

// AppendBatch inserts all events in a single transaction.
func (s *Store) AppendBatch(ctx context.Context, evs []domain.Event) (int64, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storage.Unavailable("begin batch", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO events (cid, ts_epoch) VALUES (?, ?)")
	if err != nil {
		return 0, storage.Unavailable("prepare batch", err)
	}
	defer stmt.Close()

	var n int64
	for _, ev := range evs {
		if _, err := stmt.ExecContext(ctx, ev.ID[:], storage.Seconds(ev.Timestamp)); err != nil {
			return 0, storage.Unavailable("append batch", err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, storage.Unavailable("commit batch", err)
	}
	return n, nil
}

func (s *Store) CountDistinct(ctx context.Context, start, end time.Time) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT cid) FROM events WHERE ts_epoch >= ? AND ts_epoch <= ?",
		storage.Seconds(start), storage.Seconds(end)).Scan(&n)
	if err != nil {
		return 0, storage.Unavailable("count distinct", err)
	}
	return uint64(n), nil
}

func (s *Store) RangeScan(ctx context.Context, since time.Time) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT cid, ts_epoch FROM events WHERE ts_epoch >= ?", storage.Seconds(since))
		if err != nil {
			yield(domain.Event{}, storage.Unavailable("range scan", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var raw []byte
			var ts int64
			if err := rows.Scan(&raw, &ts); err != nil {
				yield(domain.Event{}, storage.Unavailable("scan event", err))
				return
			}
			id, err := uuid.FromBytes(raw)
			if err != nil {
				yield(domain.Event{}, fmt.Errorf("%w: cid: %w", storage.ErrSchemaInvalid, err))
				return
			}
			if !yield(domain.NewEvent(id, time.Unix(ts, 0)), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Event{}, storage.Unavailable("range scan", err))
		}
	}
}
