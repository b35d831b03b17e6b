package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
	"github.com/khoantd/rule-engine-sub000/internal/store"
)

const (
	// DefaultLogCapacity bounds the in-flight log buffer.
	DefaultLogCapacity = 1024
	// DefaultLogBatchSize caps the rows written per flush.
	DefaultLogBatchSize = 100
	// DefaultFlushInterval is the idle flush period.
	DefaultFlushInterval = 2 * time.Second
)

// LogAppender buffers execution logs and flushes them to the store
// in batches from a background goroutine. The buffer is bounded:
// when it is full the oldest entry is dropped so the evaluation
// path never blocks on the log sink.
type LogAppender struct {
	store         store.LogStore
	ch            chan *rules.ExecutionLog
	batchSize     int
	flushInterval time.Duration

	dropped int64
	flushed int64

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewLogAppender initialises an appender with the given buffer
// capacity, flush batch size and idle flush interval. Zero values
// take the defaults.
func NewLogAppender(s store.LogStore, capacity, batchSize int, flushInterval time.Duration) *LogAppender {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	if batchSize <= 0 {
		batchSize = DefaultLogBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &LogAppender{
		store:         s,
		ch:            make(chan *rules.ExecutionLog, capacity),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Append queues a log entry without blocking. On a full buffer the
// oldest queued entry is dropped and counted.
func (a *LogAppender) Append(l *rules.ExecutionLog) {
	for {
		select {
		case a.ch <- l:
			return
		default:
		}
		select {
		case <-a.ch:
			atomic.AddInt64(&a.dropped, 1)
		default:
		}
	}
}

// Dropped returns the number of entries dropped to full buffers.
func (a *LogAppender) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Flushed returns the number of entries written to the store.
func (a *LogAppender) Flushed() int64 {
	return atomic.LoadInt64(&a.flushed)
}

// Start launches the background flusher. Starting a running
// appender is a no-op.
func (a *LogAppender) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(ctx, a.stop, a.done)
}

// Stop signals the flusher and waits for it to drain the buffer.
func (a *LogAppender) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stop)
	done := a.done
	a.mu.Unlock()
	<-done
}

func (a *LogAppender) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			a.flush(ctx)
			return
		case <-ctx.Done():
			a.flush(ctx)
			return
		case l := <-a.ch:
			batch := a.collect(l)
			a.write(ctx, batch)
		case <-clock.After(ctx, a.flushInterval):
			a.flush(ctx)
		}
	}
}

// collect drains up to a batch worth of queued entries behind the
// first one.
func (a *LogAppender) collect(first *rules.ExecutionLog) []*rules.ExecutionLog {
	batch := []*rules.ExecutionLog{first}
	for len(batch) < a.batchSize {
		select {
		case l := <-a.ch:
			batch = append(batch, l)
		default:
			return batch
		}
	}
	return batch
}

// flush drains whatever is queued, in batches.
func (a *LogAppender) flush(ctx context.Context) {
	for {
		select {
		case l := <-a.ch:
			a.write(ctx, a.collect(l))
		default:
			return
		}
	}
}

func (a *LogAppender) write(ctx context.Context, batch []*rules.ExecutionLog) {
	if len(batch) == 0 {
		return
	}
	if err := a.store.AppendExecutionLogs(ctx, batch); err != nil {
		logging.Errorf(ctx, "writing %d execution logs: %s", len(batch), err)
		return
	}
	atomic.AddInt64(&a.flushed, int64(len(batch)))
}
