// Package tracker records memory accesses in the background. Callers enqueue and move on;
// failures are logged and never reach them.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Store persists access events. *vector.Index implements it.
type Store interface {
	Touch(ctx context.Context, ids []string, at time.Time) error
}

type job struct {
	ids []string
	at  time.Time
}

// Tracker is a bounded queue served by a fixed set of worker goroutines.
type Tracker struct {
	store      Store
	queue      chan job
	jobTimeout time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// Stats counts jobs since the tracker started.
type Stats struct {
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// New starts workers goroutines draining a queue of queueSize jobs.
func New(store Store, workers, queueSize int, logger *zap.Logger) *Tracker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:      store,
		queue:      make(chan job, queueSize),
		jobTimeout: 10 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
	t.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.worker()
	}
	return t
}

// Touch schedules an access update for ids and returns immediately. It reports
// false when the job was dropped because the queue is full or the tracker is closed.
func (t *Tracker) Touch(ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	j := job{ids: append([]string(nil), ids...), at: t.now().UTC()}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.dropped.Add(1)
		return false
	}
	select {
	case t.queue <- j:
		return true
	default:
		t.dropped.Add(1)
		t.logger.Warn("Access tracking queue full, dropping update",
			zap.Strings("ids", j.ids),
			zap.Int("capacity", cap(t.queue)),
		)
		return false
	}
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for j := range t.queue {
		t.run(j)
	}
}

func (t *Tracker) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			t.failed.Add(1)
			t.logger.Error("Access tracking panicked",
				zap.Strings("ids", j.ids),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.jobTimeout)
	defer cancel()
	if err := t.store.Touch(ctx, j.ids, j.at); err != nil {
		t.failed.Add(1)
		t.logger.Error("Failed to record access",
			zap.Strings("ids", j.ids),
			zap.Time("at", j.at),
			zap.Error(err),
		)
		return
	}
	t.processed.Add(1)
}

// Stats returns job counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Processed: t.processed.Load(),
		Dropped:   t.dropped.Load(),
		Failed:    t.failed.Load(),
	}
}

// Close stops accepting jobs and waits for queued ones to finish until ctx is done.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("access tracker did not drain: %d jobs left: %w", len(t.queue), ctx.Err())
	}
}
