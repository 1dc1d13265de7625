package scheduler

import (
	"context"
	"errors"
	"time"
)

// TriggerCycle runs one cycle now and returns its result, then keeps firing
// every interval until the trigger window elapses. A caller invoking it once
// a minute gets continuous coverage without a permanent timer.
func (s *Scheduler) TriggerCycle(ctx context.Context) (*CycleResult, error) {
	if s.running.Load() || !s.triggerActive.CompareAndSwap(false, true) {
		s.metrics.RecordCycleSkipped()
		return nil, ErrCycleActive
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.triggerActive.Store(false)
		return nil, ErrStopped
	}
	s.mu.Unlock()

	deadline := s.now().Add(s.opts.TriggerWindow)
	result, err := s.RunCycle(context.WithoutCancel(ctx))
	if errors.Is(err, ErrCycleActive) {
		s.endTriggerGroup()
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.endTriggerGroup()
		return result, err
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.triggerLoop(s.rootCtx, deadline)

	s.logger.WithField("window_ms", s.opts.TriggerWindow.Milliseconds()).Info("trigger group started")
	return result, err
}

// TriggerActive reports whether a trigger group is currently firing.
func (s *Scheduler) TriggerActive() bool {
	return s.triggerActive.Load()
}

func (s *Scheduler) triggerLoop(ctx context.Context, deadline time.Time) {
	defer s.wg.Done()
	defer s.endTriggerGroup()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.now().Before(deadline) {
				s.logger.Info("trigger window elapsed, group stopped")
				return
			}
			s.runLogged(context.WithoutCancel(ctx), "trigger")
		}
	}
}

func (s *Scheduler) endTriggerGroup() {
	s.triggerActive.Store(false)
	s.mu.Lock()
	continuous := s.continuous
	s.mu.Unlock()
	if !continuous {
		s.state.CompareAndSwap(int32(StateScheduled), int32(StateIdle))
	}
}
