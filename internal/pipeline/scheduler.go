package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chartstream/internal/domain"
	"chartstream/internal/observe"
)

// CycleRunner executes one orchestration pass.
type CycleRunner interface {
	RunCycle(ctx context.Context) domain.CycleResult
}

// Scheduler triggers cycles on a fixed interval. A tick arriving while
// a cycle is still running is recorded as a skip, never a second
// concurrent cycle. The most recent result is kept in memory,
// last cycle wins.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	notifier *observe.Notifier

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last domain.CycleResult
	have bool
}

func NewScheduler(runner CycleRunner, interval time.Duration, notifier *observe.Notifier) *Scheduler {
	if notifier == nil {
		notifier = &observe.Notifier{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{runner: runner, interval: interval, notifier: notifier}
}

// RunOnce executes exactly one cycle synchronously and returns its
// result.
func (s *Scheduler) RunOnce(ctx context.Context) domain.CycleResult {
	res := s.runner.RunCycle(ctx)
	s.setLast(res)
	return res
}

// Run executes an immediate first cycle, then one per interval tick,
// until ctx is cancelled. Cancellation stops new cycles and waits for
// the in-flight cycle to finish rather than aborting it mid-publish.
func (s *Scheduler) Run(ctx context.Context) {
	s.startCycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.startCycle(ctx)
		}
	}
}

func (s *Scheduler) startCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.notifier.TickSkipped()
		return
	}
	// The cycle keeps ctx values but outlives its cancellation, so a
	// shutdown never orphans a partially published region set.
	cycleCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.setLast(s.runner.RunCycle(cycleCtx))
	}()
}

// LastResult reports the most recent cycle result, if any cycle has
// run in this process.
func (s *Scheduler) LastResult() (domain.CycleResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.have
}

func (s *Scheduler) setLast(res domain.CycleResult) {
	s.mu.Lock()
	s.last = res
	s.have = true
	s.mu.Unlock()
}
