package postgres

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"example.com/uniques/internal/domain"
	"example.com/uniques/internal/storage"
)

func (db *DB) CountDistinct(ctx context.Context, start, end time.Time) (uint64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var n int64
	row := db.Pool.QueryRow(ctx,
		"SELECT COUNT(DISTINCT cid)::bigint FROM events WHERE ts_epoch >= $1 AND ts_epoch <= $2",
		storage.Seconds(start), storage.Seconds(end))
	if err := row.Scan(&n); err != nil {
		return 0, storage.Unavailable("count distinct", err)
	}
	return uint64(n), nil
}

// RangeScan is bounded by the caller's context rather than the per-call
// timeout, since a rebuild scan legitimately runs long.
func (db *DB) RangeScan(ctx context.Context, since time.Time) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		rows, err := db.Pool.Query(ctx,
			"SELECT cid::text, ts_epoch FROM events WHERE ts_epoch >= $1",
			storage.Seconds(since))
		if err != nil {
			yield(domain.Event{}, storage.Unavailable("range scan", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var raw string
			var ts int64
			if err := rows.Scan(&raw, &ts); err != nil {
				yield(domain.Event{}, storage.Unavailable("scan event", err))
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				yield(domain.Event{}, fmt.Errorf("%w: cid %q: %w", storage.ErrSchemaInvalid, raw, err))
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
