// Package uniques answers "how many distinct visitors on day X" and
// "month-to-date through day X" from a per-day sketch cache, falling back to
// exact counts from the event store whenever the cache is not warm.
package uniques

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"example.com/uniques/internal/cache"
	"example.com/uniques/internal/domain"
	"example.com/uniques/internal/storage"
)

// WriteMode selects whether Record appends durably once the cache is warm.
// Before the cache is warm every mode appends synchronously.
type WriteMode string

const (
	WriteSync      WriteMode = "sync"
	WriteAsync     WriteMode = "async"
	WriteCacheOnly WriteMode = "cache-only"
)

func ParseWriteMode(s string) (WriteMode, error) {
	switch m := WriteMode(s); m {
	case WriteSync, WriteAsync, WriteCacheOnly:
		return m, nil
	default:
		return "", fmt.Errorf("unknown write mode %q (want sync, async or cache-only)", s)
	}
}

// Enqueuer hands events to a batched writer. Enqueue reports false when the
// queue is full or closed; Sync waits until everything enqueued so far has
// been written.
type Enqueuer interface {
	Enqueue(ev domain.Event) bool
	Sync(ctx context.Context) error
}

// Sweeper is implemented by caches that evict expired sketches themselves.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	WriteMode           WriteMode
	QueryHorizonDays    int
	RebuildLookbackDays int
	// SweepInterval drives Run. Zero disables sweeping.
	SweepInterval time.Duration
	// Ingest is required for WriteAsync.
	Ingest  Enqueuer
	Clock   quartz.Clock
	Logger  slog.Logger
	Metrics *Metrics
}

type Service struct {
	store storage.EventStore
	cache cache.Cache
	opts  Options
	log   slog.Logger
	warm  singleflight.Group

	// writes is held shared by Record from its sketch add through its
	// durable step, and exclusively by a rebuild until the cache has dropped
	// its sketches and the store scan has begun. A visit is then either in
	// the store before the scan or added to the live set after the drop.
	writes sync.RWMutex
}

func New(store storage.EventStore, c cache.Cache, opts Options) (*Service, error) {
	if opts.WriteMode == "" {
		opts.WriteMode = WriteSync
	}
	if _, err := ParseWriteMode(string(opts.WriteMode)); err != nil {
		return nil, err
	}
	if opts.WriteMode == WriteAsync && opts.Ingest == nil {
		return nil, fmt.Errorf("write mode %s needs an ingestor", WriteAsync)
	}
	if opts.QueryHorizonDays <= 0 {
		opts.QueryHorizonDays = domain.DefaultQueryHorizonDays
	}
	if opts.RebuildLookbackDays <= 0 {
		opts.RebuildLookbackDays = domain.DefaultRebuildLookbackDays
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Service{
		store: store,
		cache: c,
		opts:  opts,
		log:   opts.Logger.Named("service"),
	}, nil
}

func (s *Service) today() domain.Day { return domain.DayOf(s.opts.Clock.Now()) }

// Initialize rebuilds the cache from the last RebuildLookbackDays of events.
// Concurrent callers share one rebuild; a warm cache is left alone. On
// failure the cache stays out of WARM and reads keep using the store.
func (s *Service) Initialize(ctx context.Context) error {
	_, err, _ := s.warm.Do("warm", func() (any, error) {
		if s.cache.IsWarm() {
			return nil, nil
		}
		return nil, s.rebuild(ctx)
	})
	return err
}

func (s *Service) rebuild(ctx context.Context) error {
	s.writes.Lock()
	resume := sync.OnceFunc(s.writes.Unlock)
	defer resume()

	if s.opts.Ingest != nil {
		if err := s.opts.Ingest.Sync(ctx); err != nil {
			return fmt.Errorf("%w: drain ingest queue: %w", ErrStoreFailure, err)
		}
	}
	since := s.today().AddDays(-s.opts.RebuildLookbackDays).Start()
	return s.cache.WarmFrom(ctx, scanHook{store: s.store, started: resume}, since)
}

// scanHook calls started when the rebuild begins reading the store, which
// every cache does only after dropping its sketches.
type scanHook struct {
	store   storage.EventStore
	started func()
}

func (h scanHook) RangeScan(ctx context.Context, since time.Time) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		h.started()
		for ev, err := range h.store.RangeScan(ctx, since) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Rewarm flushes the cache and rebuilds it.
func (s *Service) Rewarm(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.Initialize(ctx)
}

// Flush drops every sketch; the service answers from the store until the
// next Initialize.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.cache.Flush(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheFailure, err)
	}
	return nil
}

func (s *Service) State() cache.State { return s.cache.State() }

// Ready checks the store and, when it has one, the cache backend.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ready(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	if p, ok := s.cache.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheFailure, err)
		}
	}
	return nil
}

// durable paths, also used as metric labels.
const (
	pathSync    = "sync"
	pathQueued  = "queued"
	pathSkipped = "skipped"
)

func (s *Service) durablePath() string {
	if !s.cache.IsWarm() {
		return pathSync
	}
	switch s.opts.WriteMode {
	case WriteAsync:
		return pathQueued
	case WriteCacheOnly:
		return pathSkipped
	default:
		return pathSync
	}
}

// Record counts a visit by rawID at ts (now when zero). The sketch is
// updated first; a failed durable append after that is not rolled back,
// since re-adding the same identifier is harmless. Record waits while a
// rebuild is dropping sketches.
func (s *Service) Record(ctx context.Context, rawID string, ts time.Time) error {
	id, err := domain.ParseIdentifier("cid", rawID)
	if err != nil {
		return err
	}
	if ts.IsZero() {
		ts = s.opts.Clock.Now()
	}
	if err := domain.ValidateTimestamp("d", ts); err != nil {
		return err
	}
	ev := domain.NewEvent(id, ts)

	s.writes.RLock()
	defer s.writes.RUnlock()

	if err := s.cache.Add(ctx, ev.Day(), ev.ID); err != nil {
		s.opts.Metrics.record("cache", "error")
		s.log.Warn(ctx, "sketch add failed", slog.F("day", ev.Day().String()), slog.Error(err))
		return fmt.Errorf("%w: %w", ErrCacheFailure, err)
	}

	path := s.durablePath()
	switch path {
	case pathSkipped:
		s.opts.Metrics.record(path, "ok")
		return nil
	case pathQueued:
		if s.opts.Ingest.Enqueue(ev) {
			s.opts.Metrics.record(path, "ok")
			return nil
		}
		s.log.Debug(ctx, "ingest queue full, appending synchronously")
		path = pathSync
	}

	if err := s.store.Append(ctx, ev); err != nil {
		s.opts.Metrics.record(path, "error")
		s.log.Warn(ctx, "durable append failed", slog.F("cid", ev.ID), slog.Error(err))
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	s.opts.Metrics.record(path, "ok")
	return nil
}

// CountDay returns the distinct identifiers seen on day.
func (s *Service) CountDay(ctx context.Context, day domain.Day) (uint64, error) {
	return s.count(ctx, "day", day, []domain.Day{day})
}

// CountMonthToDate returns the distinct identifiers seen from the first of
// day's month through day. The cache answers with the union of the day
// sketches, never their sum.
func (s *Service) CountMonthToDate(ctx context.Context, day domain.Day) (uint64, error) {
	return s.count(ctx, "month", day, domain.MonthToDate(day))
}

func (s *Service) count(ctx context.Context, kind string, day domain.Day, days []domain.Day) (uint64, error) {
	if day.IsZero() {
		return 0, domain.FieldError{Field: "d", Msg: "required", Err: domain.ErrInvalidDate}
	}
	if age := s.today().DaysSince(day); age > s.opts.QueryHorizonDays {
		return 0, fmt.Errorf("%w: %s is %d days old, limit is %d", ErrOutOfRange, day, age, s.opts.QueryHorizonDays)
	}

	if s.cache.IsWarm() {
		n, err := s.cache.EstimateRange(ctx, days)
		if err == nil {
			s.opts.Metrics.query(kind, "cache")
			return n, nil
		}
		s.opts.Metrics.fallback()
		s.log.Warn(ctx, "cache read failed, counting from store",
			slog.F("kind", kind), slog.F("day", day.String()), slog.Error(err))
	}

	n, err := s.store.CountDistinct(ctx, days[0].Start(), day.End())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	s.opts.Metrics.query(kind, "store")
	return n, nil
}

// Run sweeps expired sketches every SweepInterval until ctx is done. For
// caches that expire keys on their own it only waits for ctx.
func (s *Service) Run(ctx context.Context) error {
	sw, ok := s.cache.(Sweeper)
	if !ok || s.opts.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	w := s.opts.Clock.TickerFunc(ctx, s.opts.SweepInterval, func() error {
		sw.Sweep(ctx)
		return nil
	}, "sweep")
	err := w.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
