package cache

import (
	"context"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/uniques/internal/domain"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := NewRedis(client, "uniques:", Options{
		Clock:  newMockClock(t),
		Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	return c, mr
}

func TestRedis_AddAndEstimate(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	n, err := c.EstimateRange(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	yesterday := testToday.AddDays(-1)
	shared := uuid.New()
	require.NoError(t, c.Add(ctx, yesterday, shared))
	require.NoError(t, c.Add(ctx, testToday, shared))
	require.NoError(t, c.Add(ctx, testToday, shared))
	require.NoError(t, c.Add(ctx, testToday, uuid.New()))

	n, err = c.EstimateRange(ctx, []domain.Day{testToday})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	n, err = c.EstimateRange(ctx, []domain.Day{yesterday, testToday})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n, "union, not sum")

	assert.True(t, mr.Exists("uniques:day:"+testToday.String()))
	assert.Equal(t, domain.DefaultSketchTTL, mr.TTL("uniques:day:"+testToday.String()))
}

func TestRedis_TTLExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	require.NoError(t, c.Add(ctx, testToday, uuid.New()))
	mr.FastForward(domain.DefaultSketchTTL + time.Second)

	n, err := c.EstimateRange(ctx, []domain.Day{testToday})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedis_WarmFrom(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	// Keys outside the prefix survive a rebuild.
	require.NoError(t, mr.Set("other:key", "v"))
	require.NoError(t, c.Add(ctx, testToday.AddDays(-5), uuid.New()))

	src := &sliceSource{}
	for i := 0; i < 40; i++ {
		src.events = append(src.events, domain.NewEvent(uuid.New(), testToday.Start().Add(time.Duration(i)*time.Minute)))
	}
	c.batchSize = 16

	require.NoError(t, c.WarmFrom(ctx, src, time.Time{}))
	assert.True(t, c.IsWarm())

	n, err := c.EstimateRange(ctx, []domain.Day{testToday})
	require.NoError(t, err)
	within(t, 40, n, 2)

	n, err = c.EstimateRange(ctx, []domain.Day{testToday.AddDays(-5)})
	require.NoError(t, err)
	assert.Zero(t, n, "rebuild flushes previous sketches")

	assert.True(t, mr.Exists("other:key"))
	assert.False(t, mr.Exists("uniques:warm:"+testToday.String()), "staging keys are removed")
}

func TestRedis_WarmFromFailure(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	src := &sliceSource{failAt: 3}
	for i := 0; i < 6; i++ {
		src.events = append(src.events, domain.NewEvent(uuid.New(), testToday.Start()))
	}
	c.batchSize = 2

	err := c.WarmFrom(ctx, src, time.Time{})
	assert.ErrorIs(t, err, ErrRebuildFailed)
	assert.Equal(t, StateWarming, c.State())
	assert.Empty(t, mr.Keys())
}

func TestRedis_Flush(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	require.NoError(t, c.WarmFrom(ctx, &sliceSource{}, time.Time{}))
	require.NoError(t, c.Add(ctx, testToday, uuid.New()))

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, StateCold, c.State())
	assert.Empty(t, mr.Keys())
}

func TestRedis_BackendDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	mr.Close()

	assert.ErrorIs(t, c.Add(ctx, testToday, uuid.New()), ErrBackend)
	_, err := c.EstimateRange(ctx, []domain.Day{testToday})
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, c.Ping(ctx), ErrBackend)
}
