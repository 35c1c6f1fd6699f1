// Package storage defines the durable event log contract shared by the
// postgres and sqlite backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"example.com/uniques/internal/domain"
)

var (
	// ErrUnavailable covers connection failures and calls that exceeded the
	// store timeout. It is fatal to the request and never retried here.
	ErrUnavailable = errors.New("event store unavailable")
	// ErrSchemaInvalid is returned at open time when the events table does
	// not have the expected shape.
	ErrSchemaInvalid = errors.New("event store schema invalid")
)

// EventStore is an append-only log of visits. Duplicates are stored as-is;
// distinctness is computed at query time.
type EventStore interface {
	Append(ctx context.Context, ev domain.Event) error
	AppendBatch(ctx context.Context, evs []domain.Event) (int64, error)
	// CountDistinct counts distinct identifiers with start <= ts <= end, exactly.
	CountDistinct(ctx context.Context, start, end time.Time) (uint64, error)
	// RangeScan streams events with ts >= since. The sequence is single-use;
	// call RangeScan again for a fresh pass. A non-nil error ends the stream.
	RangeScan(ctx context.Context, since time.Time) iter.Seq2[domain.Event, error]
	Ready(ctx context.Context) error
	Close() error
}

// DefaultTimeout bounds every store call when the caller configured none.
const DefaultTimeout = 5 * time.Second

// Unavailable wraps err as ErrUnavailable unless it already carries one of
// the storage sentinels. Caller cancellation is passed through untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrSchemaInvalid) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Seconds converts an instant to the epoch-second column both backends use.
// Sub-second precision is dropped, matching the end-inclusive bound of
// domain.Day.End.
func Seconds(t time.Time) int64 { return t.UTC().Unix() }
