// Package ingest batches durable appends for the async write mode.
package ingest

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"

	"example.com/uniques/internal/domain"
)

// BatchWriter is the part of the event store the ingestor needs.
type BatchWriter interface {
	AppendBatch(ctx context.Context, evs []domain.Event) (int64, error)
}

type Options struct {
	QueueMaxSize int
	BatchMaxSize int
	BatchMaxWait time.Duration
	Clock        quartz.Clock
	Logger       slog.Logger
	Registerer   prometheus.Registerer
}

type Ingestor struct {
	queue        chan domain.Event
	writer       BatchWriter
	batchMaxSize int
	batchMaxWait time.Duration
	clock        quartz.Clock
	log          slog.Logger
	metrics      *metrics
	syncReq      chan chan struct{}
	done         chan struct{}

	// mu orders Enqueue against the shutdown drain: once stopped is set no
	// event can slip into the queue behind the final flush.
	mu      sync.RWMutex
	stopped bool
}

func NewIngestor(writer BatchWriter, opts Options) *Ingestor {
	if opts.QueueMaxSize <= 0 {
		opts.QueueMaxSize = 10_000
	}
	if opts.BatchMaxSize <= 0 {
		opts.BatchMaxSize = 500
	}
	if opts.BatchMaxWait <= 0 {
		opts.BatchMaxWait = 50 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Ingestor{
		queue:        make(chan domain.Event, opts.QueueMaxSize),
		writer:       writer,
		batchMaxSize: opts.BatchMaxSize,
		batchMaxWait: opts.BatchMaxWait,
		clock:        opts.Clock,
		log:          opts.Logger.Named("ingest"),
		metrics:      newMetrics(opts.Registerer),
		syncReq:      make(chan chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the flusher until ctx is done. Whatever is still queued then
// is written before Done is closed.
func (ig *Ingestor) Start(ctx context.Context) {
	go func() {
		defer close(ig.done)
		// Shutdown flushes must outlive the cancelled ctx.
		writeCtx := context.WithoutCancel(ctx)

		batch := make([]domain.Event, 0, ig.batchMaxSize)
		t := ig.clock.NewTimer(ig.batchMaxWait, "ingest")
		defer t.Stop()

		resetTimer := func() {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(ig.batchMaxWait, "ingest")
		}

		flush := func() {
			if len(batch) == 0 {
				resetTimer()
				return
			}
			affected, err := ig.writer.AppendBatch(writeCtx, batch)
			if err != nil {
				ig.metrics.batch("error", len(batch))
				ig.log.Error(writeCtx, "batch append failed", slog.Error(err), slog.F("dropped", len(batch)))
			} else {
				ig.metrics.batch("ok", len(batch))
				ig.log.Debug(writeCtx, "batch appended", slog.F("inserted", affected), slog.F("size", len(batch)))
			}
			batch = batch[:0]
			resetTimer()
		}

		// drain writes everything currently queued.
		drain := func() {
			for {
				select {
				case ev := <-ig.queue:
					batch = append(batch, ev)
					if len(batch) >= ig.batchMaxSize {
						flush()
					}
				default:
					flush()
					ig.metrics.depth(0)
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				ig.mu.Lock()
				ig.stopped = true
				ig.mu.Unlock()
				drain()
				return
			case reply := <-ig.syncReq:
				drain()
				close(reply)
			case ev := <-ig.queue:
				batch = append(batch, ev)
				ig.metrics.depth(len(ig.queue))
				if len(batch) >= ig.batchMaxSize {
					flush()
				}
			case <-t.C:
				flush()
			}
		}
	}()
}

// Enqueue reports false when the queue is full or the ingestor has stopped;
// the caller decides what to do with the event.
func (ig *Ingestor) Enqueue(ev domain.Event) bool {
	ig.mu.RLock()
	defer ig.mu.RUnlock()
	if ig.stopped {
		ig.metrics.rejected()
		return false
	}
	select {
	case ig.queue <- ev:
		return true
	default:
		ig.metrics.rejected()
		return false
	}
}

// Sync blocks until every event enqueued before the call has been handed
// to the writer. A failed batch is logged and counted, not returned.
func (ig *Ingestor) Sync(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case ig.syncReq <- reply:
	case <-ig.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the flusher has written its last batch.
func (ig *Ingestor) Done() <-chan struct{} { return ig.done }
