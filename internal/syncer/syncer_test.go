package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// blockingCycle blocks each run until release receives.
type blockingCycle struct {
	runs    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *blockingCycle) RunOnce(ctx context.Context) (CycleReport, error) {
	c.runs.Add(1)
	c.started <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
		return CycleReport{}, ctx.Err()
	}
	return CycleReport{Files: 1, Stored: 1}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_TriggerCoalesces(t *testing.T) {
	c := &blockingCycle{started: make(chan struct{}, 4), release: make(chan struct{})}
	s := NewScheduler(c, 0, zap.NewNop())
	defer s.Stop()

	st := s.Trigger()
	if st.Status != StatusTriggered || st.Cycle != 1 {
		t.Fatalf("first trigger: %+v", st)
	}
	<-c.started

	for i := 0; i < 3; i++ {
		st = s.Trigger()
		if st.Status != StatusRunning {
			t.Fatalf("trigger while running: %+v", st)
		}
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, errCycleRunning) {
		t.Errorf("RunOnce while running: %v", err)
	}

	c.release <- struct{}{}
	<-c.started
	c.release <- struct{}{}

	waitFor(t, func() bool { return !s.Running() })
	if got := c.runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2 (one follow-up for three coalesced triggers)", got)
	}
	if s.Cycles() != 2 {
		t.Errorf("Cycles() = %d", s.Cycles())
	}
	last := s.LastReport()
	if last == nil || last.Cycle != 2 || last.Stored != 1 {
		t.Errorf("LastReport() = %+v", last)
	}
}

type funcCycle func(ctx context.Context) (CycleReport, error)

func (f funcCycle) RunOnce(ctx context.Context) (CycleReport, error) { return f(ctx) }

func TestScheduler_RunOnceRecoversPanic(t *testing.T) {
	s := NewScheduler(funcCycle(func(context.Context) (CycleReport, error) {
		panic("boom")
	}), 0, zap.NewNop())
	defer s.Stop()

	_, err := s.RunOnce(context.Background())
	if !errors.Is(err, errCyclePanicked) {
		t.Fatalf("err = %v", err)
	}
	if s.Running() {
		t.Error("scheduler still marked running after panic")
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, errCyclePanicked) {
		t.Errorf("second run: %v", err)
	}
}

func TestScheduler_IntervalAndStop(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	s := NewScheduler(funcCycle(func(context.Context) (CycleReport, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return CycleReport{}, nil
	}), 10*time.Millisecond, zap.NewNop())
	s.Start(context.Background())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	})
	s.Stop()
	if st := s.Trigger(); st.Status != StatusNotConfigured {
		t.Errorf("trigger after stop: %+v", st)
	}
}

func TestScheduler_StartContextCancelStops(t *testing.T) {
	s := NewScheduler(funcCycle(func(context.Context) (CycleReport, error) {
		return CycleReport{}, nil
	}), 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	waitFor(t, func() bool { return s.Trigger().Status == StatusNotConfigured })
	s.Stop()
}
