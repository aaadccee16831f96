package archive

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/workqueue/internal/policy"
	"github.com/ent0n29/workqueue/internal/queue"
	"github.com/ent0n29/workqueue/internal/reliability"
)

const (
	defaultRecorderBuffer = 256
	defaultWriteTimeout   = 5 * time.Second
	defaultWriteAttempts  = 3
	retryBase             = 50 * time.Millisecond
	retryCap              = time.Second
)

type pendingWrite struct {
	queueID string
	rec     queue.Record
}

// Recorder archives terminal records. It implements queue.Publisher; writes
// happen on a background goroutine so Publish never blocks the manager.
// Labels and errors are redacted before they reach the store.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	writeTimeout time.Duration
	attempts     int

	mu      sync.RWMutex
	closed  bool
	writes  chan pendingWrite
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store Store, bufferSize int, logger *slog.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Recorder{
		store:        store,
		logger:       logger.With("component", "archive"),
		writeTimeout: defaultWriteTimeout,
		attempts:     defaultWriteAttempts,
		writes:       make(chan pendingWrite, bufferSize),
		done:         make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Publish(evt queue.Event) {
	if evt.Record == nil {
		return
	}
	// A failed task emits failed then done; done carries the final record.
	if evt.Type != queue.EventDone && evt.Type != queue.EventCanceled {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.writes <- pendingWrite{queueID: evt.QueueID, rec: policy.RedactRecord(evt.Record.Clone())}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("archive buffer full, dropping record", "queue_id", evt.QueueID, "task_id", evt.Record.ID)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for w := range r.writes {
		if err := r.save(w); err != nil {
			r.failed.Add(1)
			r.logger.Error("archive write failed", "queue_id", w.queueID, "task_id", w.rec.ID, "error", err)
		}
	}
}

func (r *Recorder) save(w pendingWrite) error {
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(reliability.ExponentialBackoff(attempt-1, retryBase, retryCap))
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err = r.store.SaveRecord(ctx, w.queueID, w.rec)
		cancel()
		if err == nil {
			return nil
		}
		r.logger.Debug("archive write attempt failed", "task_id", w.rec.ID, "attempt", attempt+1, "error", err)
	}
	return err
}

// Dropped reports records discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed reports records the store rejected on every attempt.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Close stops accepting records and waits for buffered writes to finish or
// ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.writes)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
