package cache

import (
	"context"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/uniques/internal/domain"
)

// Redis keeps day sketches as native Redis HyperLogLogs (PFADD/PFCOUNT/
// PFMERGE), so several service replicas can share one cache. Keys expire
// through Redis TTLs; there is nothing to sweep.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	opts      Options
	log       slog.Logger
	state     stateMachine
	batchSize int
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps client. prefix namespaces every key this cache touches,
// and Flush only deletes keys under it.
func NewRedis(client redis.UniversalClient, prefix string, opts Options) *Redis {
	opts = opts.withDefaults()
	c := &Redis{
		client:    client,
		prefix:    prefix,
		opts:      opts,
		log:       opts.Logger.Named("cache.redis"),
		batchSize: 512,
	}
	c.state.gauge = opts.Metrics.setState
	c.state.set(StateCold)
	return c
}

func (c *Redis) dayKey(d domain.Day) string { return c.liveKeyFor(d.String()) }

func (c *Redis) liveKeyFor(day string) string { return c.prefix + "day:" + day }

func (c *Redis) stagingKey(day string) string { return c.prefix + "warm:" + day }

func (c *Redis) pattern(kind string) string { return c.prefix + kind + ":*" }

func backendErr(op string, err error) error { return fmt.Errorf("%s: %w: %w", op, ErrBackend, err) }

func (c *Redis) State() State { return c.state.load() }

func (c *Redis) IsWarm() bool { return c.state.load() == StateWarm }

// Ping checks the connection; used by readiness probes.
func (c *Redis) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return backendErr("ping", err)
	}
	return nil
}

func (c *Redis) Add(ctx context.Context, day domain.Day, id uuid.UUID) error {
	key := c.dayKey(day)
	pipe := c.client.TxPipeline()
	pipe.PFAdd(ctx, key, id.String())
	pipe.Expire(ctx, key, c.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("pfadd", err)
	}
	return nil
}

func (c *Redis) EstimateRange(ctx context.Context, days []domain.Day) (uint64, error) {
	if len(days) == 0 {
		return 0, nil
	}
	keys := make([]string, len(days))
	for i, d := range days {
		keys[i] = c.dayKey(d)
	}
	// PFCOUNT over several keys estimates their union.
	n, err := c.client.PFCount(ctx, keys...).Result()
	if err != nil {
		return 0, backendErr("pfcount", err)
	}
	return uint64(n), nil
}

// WarmFrom replays src into staging keys and merges them into the live keys
// once the scan completes. Adds arriving meanwhile write to the live keys,
// and PFMERGE unions them with the staged data.
func (c *Redis) WarmFrom(ctx context.Context, src Source, since time.Time) error {
	release, err := c.state.beginWarm()
	if err != nil {
		return err
	}
	defer release()

	start := c.opts.Clock.Now()
	c.log.Info(ctx, "rebuilding day sketches", slog.F("since", since))

	if err := c.deleteMatching(ctx, c.pattern("day")); err != nil {
		return c.warmFailed(ctx, 0, err)
	}
	if err := c.deleteMatching(ctx, c.pattern("warm")); err != nil {
		return c.warmFailed(ctx, 0, err)
	}

	staged := make(map[string]struct{})
	events := 0
	pipe := c.client.Pipeline()
	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		pending = 0
		if _, err := pipe.Exec(ctx); err != nil {
			return backendErr("staging pfadd", err)
		}
		return nil
	}

	for ev, err := range src.RangeScan(ctx, since) {
		if err != nil {
			return c.abortWarm(ctx, staged, events, err)
		}
		day := ev.Day().String()
		staged[day] = struct{}{}
		pipe.PFAdd(ctx, c.stagingKey(day), ev.ID.String())
		pending++
		events++
		if pending >= c.batchSize {
			if err := flush(); err != nil {
				return c.abortWarm(ctx, staged, events, err)
			}
		}
	}
	if err := flush(); err != nil {
		return c.abortWarm(ctx, staged, events, err)
	}

	for day := range staged {
		live, stage := c.liveKeyFor(day), c.stagingKey(day)
		pipe := c.client.TxPipeline()
		pipe.PFMerge(ctx, live, live, stage)
		pipe.Expire(ctx, live, c.opts.TTL)
		pipe.Del(ctx, stage)
		if _, err := pipe.Exec(ctx); err != nil {
			return c.abortWarm(ctx, staged, events, backendErr("pfmerge", err))
		}
	}

	c.state.set(StateWarm)
	elapsed := c.opts.Clock.Since(start)
	c.opts.Metrics.warmDone(elapsed.Seconds(), events)
	c.log.Info(ctx, "cache warm",
		slog.F("events", events),
		slog.F("days", len(staged)),
		slog.F("elapsed", elapsed))
	return nil
}

// abortWarm discards staging keys. Live keys may already hold merged days;
// those are dropped too so no partial rebuild survives.
func (c *Redis) abortWarm(ctx context.Context, staged map[string]struct{}, events int, cause error) error {
	cleanup := context.WithoutCancel(ctx)
	for day := range staged {
		if err := c.client.Del(cleanup, c.stagingKey(day)).Err(); err != nil {
			c.log.Warn(ctx, "drop staging key", slog.F("day", day), slog.Error(err))
		}
	}
	if err := c.deleteMatching(cleanup, c.pattern("day")); err != nil {
		c.log.Warn(ctx, "drop partially rebuilt keys", slog.Error(err))
	}
	return c.warmFailed(ctx, events, cause)
}

func (c *Redis) warmFailed(ctx context.Context, events int, cause error) error {
	c.opts.Metrics.warmFailed(events)
	c.log.Warn(ctx, "cache rebuild failed", slog.Error(cause), slog.F("events", events))
	return fmt.Errorf("%w: %w", ErrRebuildFailed, cause)
}

func (c *Redis) Flush(ctx context.Context) error {
	unlock := c.state.lockExclusive()
	defer unlock()

	for _, kind := range []string{"day", "warm"} {
		if err := c.deleteMatching(ctx, c.pattern(kind)); err != nil {
			return err
		}
	}
	c.state.set(StateCold)
	c.log.Info(ctx, "cache flushed")
	return nil
}

func (c *Redis) deleteMatching(ctx context.Context, pattern string) error {
	it := c.client.Scan(ctx, 0, pattern, int64(c.batchSize)).Iterator()
	batch := make([]string, 0, c.batchSize)
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == c.batchSize {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return backendErr("del", err)
			}
			batch = batch[:0]
		}
	}
	if err := it.Err(); err != nil {
		return backendErr("scan", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return backendErr("del", err)
		}
	}
	return nil
}
