package relay

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs deferred one-shot tasks (the artificial auto-reply delay).
// It is owned by the process lifecycle: Shutdown cancels the shared context
// and waits for in-flight tasks, so pending work is abandoned
// deterministically instead of firing into torn-down dependencies.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a running scheduler.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// After runs fn after d, unless the scheduler shuts down first.
// fn receives the scheduler's context so it can observe shutdown mid-task.
func (s *Scheduler) After(d time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			fn(s.ctx)
		}
	}()
}

// Shutdown abandons pending tasks and waits for running ones to finish.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
