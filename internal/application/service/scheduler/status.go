package scheduler

import "time"

const (
	ModeIdle       = "idle"
	ModeContinuous = "continuous"
	ModeTriggered  = "triggered"
)

// Status is a snapshot for the health endpoint.
type Status struct {
	State        string     `json:"state"`
	Running      bool       `json:"running"`
	Mode         string     `json:"mode"`
	IntervalMS   int64      `json:"interval_ms"`
	LastUpdate   *time.Time `json:"last_update,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	ActiveCycles int        `json:"active_cycles"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	continuous := s.continuous
	s.mu.Unlock()
	triggered := s.triggerActive.Load()

	st := Status{
		State:      State(s.state.Load()).String(),
		Running:    continuous || triggered,
		Mode:       ModeIdle,
		IntervalMS: s.opts.Interval.Milliseconds(),
	}
	switch {
	case continuous:
		st.Mode = ModeContinuous
	case triggered:
		st.Mode = ModeTriggered
	}
	if s.running.Load() {
		st.ActiveCycles = 1
	}

	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	if !s.lastUpdate.IsZero() {
		last := s.lastUpdate
		st.LastUpdate = &last
	}
	if continuous && !s.nextRun.IsZero() {
		next := s.nextRun
		st.NextRun = &next
	}
	return st
}
