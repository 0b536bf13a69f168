// Package maintenance runs index compaction and usage diagnostics in the background,
// after every N served requests and on a wall-clock interval.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

// Index is what maintenance needs from the memory index. *vector.Index implements it.
type Index interface {
	Compact(ctx context.Context) (*models.CompactionResult, error)
	Count(ctx context.Context) (int, error)
}

// Scheduler triggers maintenance passes. Request handlers only signal it; passes run
// on the scheduler's own goroutine, one at a time.
type Scheduler struct {
	index       Index
	diag        *Diagnostics
	everyN      uint64
	interval    time.Duration
	passTimeout time.Duration
	logger      *zap.Logger

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
	passes   atomic.Uint64
	passMu   sync.Mutex
}

// NewScheduler creates a scheduler. everyN or interval of zero disables that trigger.
func NewScheduler(index Index, diag *Diagnostics, everyN int, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if diag == nil {
		diag = NewDiagnostics()
	}
	if everyN < 0 {
		everyN = 0
	}
	return &Scheduler{
		index:       index,
		diag:        diag,
		everyN:      uint64(everyN),
		interval:    interval,
		passTimeout: 5 * time.Minute,
		logger:      logger,
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Diagnostics returns the counters the scheduler reports on.
func (s *Scheduler) Diagnostics() *Diagnostics {
	return s.diag
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	s.logger.Info("Maintenance scheduler started",
		zap.Uint64("every_requests", s.everyN),
		zap.Duration("interval", s.interval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-tick:
			s.RunOnce(ctx, "interval")
		case <-s.trigger:
			s.RunOnce(ctx, "requests")
		}
	}
}

// RequestServed counts a request on endpoint and signals a pass every N requests.
// It never blocks.
func (s *Scheduler) RequestServed(endpoint string) {
	n := s.diag.RecordRequest(endpoint)
	if s.everyN == 0 || n%s.everyN != 0 {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunOnce compacts the index, counts records, emits a diagnostics report, and resets
// the counters. Failures are logged and reflected in the report, never returned.
func (s *Scheduler) RunOnce(ctx context.Context, reason string) Report {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	pass := s.passes.Add(1)
	logger := s.logger.With(zap.Uint64("pass", pass), zap.String("reason", reason))

	compaction, err := s.compact(ctx)
	if err != nil {
		logger.Error("Scheduled compaction failed", zap.Error(err))
	}
	count, err := s.index.Count(ctx)
	if err != nil {
		logger.Error("Failed to count records for diagnostics", zap.Error(err))
	}

	report := s.diag.Flush()
	report.MemoryCount = count
	report.Compaction = compaction

	logger.Info("Diagnostics",
		zap.Uint64("total_requests", report.TotalRequests),
		zap.Any("endpoint_hits", report.EndpointHits),
		zap.Int("recall_total", report.Recall.Total),
		zap.Int("recall_with_results", report.Recall.WithResults),
		zap.Int("recall_empty", report.Recall.Empty),
		zap.Float64("recall_hit_rate", report.Recall.HitRate),
		zap.Strings("recent_queries", report.Recall.RecentQueries),
		zap.Int("store_total", report.Store.Total),
		zap.Int("store_duplicates", report.Store.Duplicates),
		zap.Any("store_by_kind", report.Store.ByKind),
		zap.Int("memory_count", report.MemoryCount),
		zap.Any("compaction", report.Compaction),
	)
	return report
}

func (s *Scheduler) compact(ctx context.Context) (res *models.CompactionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compaction panicked: %v", r)
			s.logger.Error("Compaction panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return s.index.Compact(ctx)
}

// Passes returns how many maintenance passes have run.
func (s *Scheduler) Passes() uint64 {
	return s.passes.Load()
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if started {
		<-s.done
	}
}
