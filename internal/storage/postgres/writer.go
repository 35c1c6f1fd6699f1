package postgres

import (
	"context"
	"fmt"
	"strings"

	"example.com/uniques/internal/domain"
	"example.com/uniques/internal/storage"
)

func (db *DB) Append(ctx context.Context, ev domain.Event) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	_, err := db.Pool.Exec(ctx, "INSERT INTO events (cid, ts_epoch) VALUES ($1::uuid, $2)",
		ev.ID.String(), storage.Seconds(ev.Timestamp))
	if err != nil {
		return storage.Unavailable("append", err)
	}
	return nil
}

// AppendBatch inserts events in one multi-row statement. Duplicates are
// kept; the log has no uniqueness constraint.
func (db *DB) AppendBatch(ctx context.Context, items []domain.Event) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*2)
	for i, ev := range items {
		placeholders = append(placeholders, fmt.Sprintf("($%d::uuid,$%d)", 2*i+1, 2*i+2))
		args = append(args, ev.ID.String(), storage.Seconds(ev.Timestamp))
	}

	sql := "INSERT INTO events (cid, ts_epoch) VALUES " + strings.Join(placeholders, ",")

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	ct, err := db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, storage.Unavailable("append batch", err)
	}
	return ct.RowsAffected(), nil
}
