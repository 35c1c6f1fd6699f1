package uniques

import "errors"

var (
	// ErrOutOfRange rejects queries for days older than the query horizon.
	ErrOutOfRange = errors.New("requested day is outside the query horizon")
	// ErrStoreFailure wraps any event store error surfaced by the service.
	ErrStoreFailure = errors.New("event store failure")
	// ErrCacheFailure wraps cache mutations that failed.
	ErrCacheFailure = errors.New("cardinality cache failure")
)
