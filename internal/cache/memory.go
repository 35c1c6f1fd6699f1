package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/axiomhq/hyperloglog"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"example.com/uniques/internal/domain"
)

// Options configure a cache backend. Zero values take defaults.
type Options struct {
	TTL       time.Duration
	Precision uint8
	Clock     quartz.Clock
	Logger    slog.Logger
	Metrics   *Metrics
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = domain.DefaultSketchTTL
	}
	if o.Precision == 0 {
		o.Precision = DefaultPrecision
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	return o
}

// daySketch is one day's sketch. Its mutex serializes Adds for that day
// only; unrelated days never contend.
type daySketch struct {
	mu        sync.Mutex
	sketch    *hyperloglog.Sketch
	expiresAt time.Time
	evicted   bool
}

// insert returns false when the sketch was swept or expired, in which case
// the caller must look the day up again.
func (d *daySketch) insert(key []byte, now, expiresAt time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evicted || !now.Before(d.expiresAt) {
		return false
	}
	d.sketch.Insert(key)
	d.expiresAt = expiresAt
	return true
}

func (d *daySketch) live(now time.Time) bool {
	return !d.evicted && now.Before(d.expiresAt)
}

// Memory is the in-process cache backed by github.com/axiomhq/hyperloglog.
type Memory struct {
	opts  Options
	log   slog.Logger
	state stateMachine

	mu   sync.RWMutex
	days map[string]*daySketch
}

var _ Cache = (*Memory)(nil)

func NewMemory(opts Options) (*Memory, error) {
	opts = opts.withDefaults()
	if err := validatePrecision(opts.Precision); err != nil {
		return nil, err
	}
	c := &Memory{
		opts: opts,
		log:  opts.Logger.Named("cache"),
		days: make(map[string]*daySketch),
	}
	c.state.gauge = opts.Metrics.setState
	c.state.set(StateCold)
	return c, nil
}

func (c *Memory) newSketch() *hyperloglog.Sketch {
	// Precision was validated in NewMemory.
	sk, _ := hyperloglog.NewSketch(c.opts.Precision, true)
	return sk
}

func (c *Memory) State() State { return c.state.load() }

func (c *Memory) IsWarm() bool { return c.state.load() == StateWarm }

func (c *Memory) Add(_ context.Context, day domain.Day, id uuid.UUID) error {
	key := day.String()
	for {
		now := c.opts.Clock.Now()
		ds := c.lookup(key, now)
		if ds.insert(id[:], now, now.Add(c.opts.TTL)) {
			return nil
		}
	}
}

// lookup returns the live sketch for key, replacing a missing or expired one.
func (c *Memory) lookup(key string, now time.Time) *daySketch {
	c.mu.RLock()
	ds, ok := c.days[key]
	c.mu.RUnlock()
	if ok && ds.alive(now) {
		return ds
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.days[key]; ok && ds.alive(now) {
		return ds
	} else if ok {
		ds.evict()
	}
	ds = &daySketch{sketch: c.newSketch(), expiresAt: now.Add(c.opts.TTL)}
	c.days[key] = ds
	c.opts.Metrics.setSketches(len(c.days))
	return ds
}

func (d *daySketch) alive(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live(now)
}

func (d *daySketch) evict() {
	d.mu.Lock()
	d.evicted = true
	d.mu.Unlock()
}

func (c *Memory) EstimateRange(_ context.Context, days []domain.Day) (uint64, error) {
	if len(days) == 0 {
		return 0, nil
	}
	now := c.opts.Clock.Now()

	c.mu.RLock()
	found := make([]*daySketch, 0, len(days))
	for _, d := range days {
		if ds, ok := c.days[d.String()]; ok {
			found = append(found, ds)
		}
	}
	c.mu.RUnlock()

	if len(found) == 0 {
		return 0, nil
	}
	union := c.newSketch()
	for _, ds := range found {
		ds.mu.Lock()
		var err error
		if ds.live(now) {
			err = union.Merge(ds.sketch)
		}
		ds.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("merge sketch: %w", err)
		}
	}
	return union.Estimate(), nil
}

// WarmFrom flushes the cache and replays src into a private staging set.
// Adds that arrive meanwhile land in the (flushed) live set and are merged
// with the staged sketches once the scan finishes, so none are lost.
func (c *Memory) WarmFrom(ctx context.Context, src Source, since time.Time) error {
	release, err := c.state.beginWarm()
	if err != nil {
		return err
	}
	defer release()

	start := c.opts.Clock.Now()
	c.log.Info(ctx, "rebuilding day sketches", slog.F("since", since))

	c.mu.Lock()
	c.dropAllLocked()
	c.mu.Unlock()

	staged := make(map[string]*hyperloglog.Sketch)
	events := 0
	fail := func(err error) error {
		c.opts.Metrics.warmFailed(events)
		c.log.Warn(ctx, "cache rebuild failed", slog.Error(err), slog.F("events", events))
		return fmt.Errorf("%w: %w", ErrRebuildFailed, err)
	}

	for ev, err := range src.RangeScan(ctx, since) {
		if err != nil {
			return fail(err)
		}
		key := ev.Day().String()
		sk, ok := staged[key]
		if !ok {
			sk = c.newSketch()
			staged[key] = sk
		}
		sk.Insert(ev.ID[:])
		events++
		if events%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	now := c.opts.Clock.Now()
	expiresAt := now.Add(c.opts.TTL)

	c.mu.Lock()
	for key, sk := range staged {
		if ds, ok := c.days[key]; ok {
			ds.mu.Lock()
			err := ds.sketch.Merge(sk)
			ds.expiresAt = expiresAt
			ds.mu.Unlock()
			if err != nil {
				c.mu.Unlock()
				return fail(fmt.Errorf("merge staged %s: %w", key, err))
			}
			continue
		}
		c.days[key] = &daySketch{sketch: sk, expiresAt: expiresAt}
	}
	c.opts.Metrics.setSketches(len(c.days))
	c.mu.Unlock()

	c.state.set(StateWarm)
	elapsed := c.opts.Clock.Since(start)
	c.opts.Metrics.warmDone(elapsed.Seconds(), events)
	c.log.Info(ctx, "cache warm",
		slog.F("events", events),
		slog.F("days", len(staged)),
		slog.F("elapsed", elapsed))
	return nil
}

func (c *Memory) Flush(ctx context.Context) error {
	unlock := c.state.lockExclusive()
	defer unlock()

	c.mu.Lock()
	c.dropAllLocked()
	c.mu.Unlock()
	c.state.set(StateCold)
	c.log.Info(ctx, "cache flushed")
	return nil
}

// dropAllLocked marks every sketch evicted so in-flight Adds re-resolve.
func (c *Memory) dropAllLocked() {
	for _, ds := range c.days {
		ds.evict()
	}
	c.days = make(map[string]*daySketch)
	c.opts.Metrics.setSketches(0)
}

// Sweep removes sketches whose TTL has elapsed and returns how many went.
func (c *Memory) Sweep(ctx context.Context) int {
	now := c.opts.Clock.Now()

	c.mu.Lock()
	removed := 0
	for key, ds := range c.days {
		ds.mu.Lock()
		if !ds.live(now) {
			ds.evicted = true
			delete(c.days, key)
			removed++
		}
		ds.mu.Unlock()
	}
	remaining := len(c.days)
	c.mu.Unlock()

	if removed > 0 {
		c.opts.Metrics.evicted(removed)
		c.opts.Metrics.setSketches(remaining)
		c.log.Debug(ctx, "evicted expired day sketches", slog.F("removed", removed), slog.F("remaining", remaining))
	}
	return removed
}

// Len reports how many day sketches are held, expired ones included until
// the next Sweep.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.days)
}
