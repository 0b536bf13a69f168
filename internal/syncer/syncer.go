// Package syncer runs sync cycles that pull memories from outside the daemon, one at a
// time, on demand, on an interval, or when the inbox watcher sees a new file.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
)

// Trigger statuses.
const (
	StatusTriggered     = "triggered"
	StatusRunning       = "running"
	StatusNotConfigured = "not_configured"
)

var (
	errCycleRunning  = errors.New("sync cycle already running")
	errCyclePanicked = errors.New("sync cycle panicked")
)

// CycleReport summarizes one cycle.
type CycleReport struct {
	Cycle      int64    `json:"cycle"`
	Files      int      `json:"files"`
	Stored     int      `json:"stored"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

// Cycle is one unit of sync work.
type Cycle interface {
	RunOnce(ctx context.Context) (CycleReport, error)
}

// Scheduler runs a Cycle with single-flight semantics: a trigger while a cycle is running
// does not start another one concurrently but schedules one follow-up run.
type Scheduler struct {
	cycle    Cycle
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	pending bool
	count   int64
	last    *CycleReport
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler wraps cycle. interval of zero disables periodic runs.
func NewScheduler(cycle Cycle, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cycle:    cycle,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins periodic runs when an interval is configured. Cycles stop when ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Trigger()
			}
		}
	}()
}

// Trigger starts a cycle in the background unless one is already running, in which
// case a single follow-up run is queued.
func (s *Scheduler) Trigger() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return models.SyncStatus{Status: StatusNotConfigured}
	}
	if s.running {
		s.pending = true
		return models.SyncStatus{Status: StatusRunning, Cycle: s.count + 1}
	}
	s.running = true
	s.wg.Add(1)
	go s.loop()
	return models.SyncStatus{Status: StatusTriggered, Cycle: s.count + 1}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		_, _ = s.run(s.ctx)

		s.mu.Lock()
		if !s.pending || s.ctx.Err() != nil {
			s.running = false
			s.pending = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

// RunOnce runs a cycle synchronously. It returns an error if a cycle is already in flight.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return CycleReport{}, errCycleRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (report CycleReport, err error) {
	start := time.Now()
	s.mu.Lock()
	s.count++
	n := s.count
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sync cycle panicked", zap.Int64("cycle", n), zap.Any("panic", r), zap.Stack("stack"))
			err = errCyclePanicked
		}
		report.Cycle = n
		report.DurationMs = time.Since(start).Milliseconds()
		s.mu.Lock()
		s.last = &report
		s.mu.Unlock()
	}()

	report, err = s.cycle.RunOnce(ctx)
	switch {
	case err != nil:
		s.logger.Error("Sync cycle failed", zap.Int64("cycle", n), zap.Error(err))
	case report.Failed > 0:
		s.logger.Warn("Sync cycle completed with errors",
			zap.Int64("cycle", n),
			zap.Int("files", report.Files),
			zap.Int("stored", report.Stored),
			zap.Int("failed", report.Failed),
			zap.Strings("errors", report.Errors),
		)
	default:
		s.logger.Info("Sync cycle completed",
			zap.Int64("cycle", n),
			zap.Int("files", report.Files),
			zap.Int("stored", report.Stored),
			zap.Int("duplicates", report.Duplicates),
		)
	}
	return report, err
}

// Cycles returns the number of cycles started so far.
func (s *Scheduler) Cycles() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastReport returns the most recent cycle report, if any.
func (s *Scheduler) LastReport() *CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Stop cancels in-flight work and waits for background goroutines.
func (s *Scheduler) Stop() {
	// under mu so no Trigger can pass its ctx check and Add after Wait begins
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
