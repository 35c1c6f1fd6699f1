package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/uniques/internal/domain"
	"example.com/uniques/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path, time.Second)
		require.NoError(t, err, "open #%d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_RejectsForeignSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec("CREATE TABLE events (cid UUID, date TIMESTAMP)")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = Open(path, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSchemaInvalid)
}

func TestCountDistinct_InclusiveAndExact(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	day := domain.NewDay(2026, time.October, 19)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.Append(ctx, domain.NewEvent(a, day.Start())))
	require.NoError(t, s.Append(ctx, domain.NewEvent(a, day.Start().Add(time.Hour))))
	require.NoError(t, s.Append(ctx, domain.NewEvent(b, day.End())))
	// Next day, must not be counted.
	require.NoError(t, s.Append(ctx, domain.NewEvent(uuid.New(), day.AddDays(1).Start())))

	n, err := s.CountDistinct(ctx, day.Start(), day.End())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	n, err = s.CountDistinct(ctx, day.Start(), day.AddDays(1).End())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	n, err = s.CountDistinct(ctx, day.AddDays(5).Start(), day.AddDays(5).End())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n, err := s.AppendBatch(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	ts := time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	evs := []domain.Event{
		domain.NewEvent(id, ts),
		domain.NewEvent(id, ts),
		domain.NewEvent(uuid.New(), ts),
	}
	n, err = s.AppendBatch(ctx, evs)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	distinct, err := s.CountDistinct(ctx, ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), distinct)
}

func TestRangeScan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	since := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	old := domain.NewEvent(uuid.New(), since.Add(-time.Second))
	recent := domain.NewEvent(uuid.New(), since.Add(48*time.Hour))
	require.NoError(t, s.Append(ctx, old))
	require.NoError(t, s.Append(ctx, recent))

	var got []domain.Event
	for ev, err := range s.RangeScan(ctx, since) {
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
	assert.True(t, recent.Timestamp.Equal(got[0].Timestamp))

	// A second pass starts over.
	count := 0
	for _, err := range s.RangeScan(ctx, time.Time{}) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestRangeScan_StopsEarly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	ts := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, domain.NewEvent(uuid.New(), ts)))
	}

	seen := 0
	for range s.RangeScan(ctx, ts) {
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)

	// The early break released its connection.
	require.NoError(t, s.Ready(ctx))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Append(context.Background(), domain.NewEvent(uuid.New(), time.Now()))
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	_, err = s.CountDistinct(context.Background(), time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
