package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"example.com/uniques/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]domain.Event
	err     error
}

func (w *recordingWriter) AppendBatch(ctx context.Context, evs []domain.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.batches = append(w.batches, append([]domain.Event(nil), evs...))
	return int64(len(evs)), nil
}

func (w *recordingWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.batches))
	for i, b := range w.batches {
		out[i] = len(b)
	}
	return out
}

func (w *recordingWriter) total() int {
	n := 0
	for _, s := range w.sizes() {
		n += s
	}
	return n
}

func newEvent() domain.Event {
	return domain.NewEvent(uuid.New(), time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC))
}

type harness struct {
	ig     *Ingestor
	clock  *quartz.Mock
	reg    *prometheus.Registry
	cancel context.CancelFunc
}

func start(t *testing.T, w BatchWriter, queue, batch int) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	clk := quartz.NewMock(t)
	trap := clk.Trap().NewTimer("ingest")
	defer trap.Close()

	reg := prometheus.NewRegistry()
	ig := NewIngestor(w, Options{
		QueueMaxSize: queue,
		BatchMaxSize: batch,
		BatchMaxWait: time.Second,
		Clock:        clk,
		Logger:       slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
		Registerer:   reg,
	})
	runCtx, stop := context.WithCancel(ctx)
	ig.Start(runCtx)
	trap.MustWait(ctx).MustRelease(ctx)
	t.Cleanup(func() {
		stop()
		<-ig.Done()
	})
	return &harness{ig: ig, clock: clk, reg: reg, cancel: stop}
}

func (h *harness) drained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.ig.queue) == 0 }, 5*time.Second, time.Millisecond)
}

func TestIngestor_FlushesFullBatches(t *testing.T) {
	w := &recordingWriter{}
	h := start(t, w, 100, 3)

	for i := 0; i < 7; i++ {
		require.True(t, h.ig.Enqueue(newEvent()))
	}
	require.Eventually(t, func() bool { return len(w.sizes()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int{3, 3}, w.sizes())

	// The remainder goes out when the wait elapses.
	h.drained(t)
	ctx := context.Background()
	h.clock.Advance(time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return w.total() == 7 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.ig.metrics.batches.WithLabelValues("ok")))
}

func TestIngestor_FlushesOnShutdown(t *testing.T) {
	w := &recordingWriter{}
	h := start(t, w, 100, 50)

	for i := 0; i < 5; i++ {
		require.True(t, h.ig.Enqueue(newEvent()))
	}
	h.cancel()
	<-h.ig.Done()
	assert.Equal(t, 5, w.total())
}

type blockingWriter struct {
	recordingWriter
	release chan struct{}
}

func (w *blockingWriter) AppendBatch(ctx context.Context, evs []domain.Event) (int64, error) {
	<-w.release
	return w.recordingWriter.AppendBatch(ctx, evs)
}

func TestIngestor_QueueFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	h := start(t, w, 1, 1)
	defer close(w.release)

	// The flusher takes the first event and blocks writing it.
	require.True(t, h.ig.Enqueue(newEvent()))
	h.drained(t)

	require.True(t, h.ig.Enqueue(newEvent()))
	for i := 0; i < 3; i++ {
		assert.False(t, h.ig.Enqueue(newEvent()))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(h.ig.metrics.rejections))
}

func TestIngestor_FailedBatchIsCounted(t *testing.T) {
	w := &recordingWriter{err: errors.New("store down")}
	h := start(t, w, 10, 2)

	require.True(t, h.ig.Enqueue(newEvent()))
	require.True(t, h.ig.Enqueue(newEvent()))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.ig.metrics.events.WithLabelValues("error")) == 2
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, w.total())
}

func TestIngestor_RejectsAfterShutdown(t *testing.T) {
	w := &recordingWriter{}
	h := start(t, w, 100, 50)

	require.True(t, h.ig.Enqueue(newEvent()))
	h.cancel()
	<-h.ig.Done()
	assert.Equal(t, 1, w.total())

	assert.False(t, h.ig.Enqueue(newEvent()), "nothing reads the queue anymore")
	assert.Equal(t, 1, w.total())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.ig.metrics.rejections))
	assert.NoError(t, h.ig.Sync(context.Background()))
}

func TestIngestor_Sync(t *testing.T) {
	w := &recordingWriter{}
	h := start(t, w, 100, 50)

	for i := 0; i < 7; i++ {
		require.True(t, h.ig.Enqueue(newEvent()))
	}
	// The batch is far from full and the wait never elapses on the mock
	// clock, so only Sync can push it out.
	require.NoError(t, h.ig.Sync(context.Background()))
	assert.Equal(t, 7, w.total())

	require.NoError(t, h.ig.Sync(context.Background()), "an empty queue syncs immediately")
	assert.Equal(t, 7, w.total())
}

func TestIngestor_SyncHonoursContext(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	h := start(t, w, 10, 1)
	defer close(w.release)

	require.True(t, h.ig.Enqueue(newEvent()))
	h.drained(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.ig.Sync(ctx), context.Canceled)
}
