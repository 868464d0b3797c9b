// Package sync contains the write scheduler and the orchestration engine
// that keep the local ledger, the local store, and the remote row store
// converged.
package sync

import (
	"sync"
	"time"
)

// debounceTimer is the subset of *time.Timer the scheduler needs,
// abstracted so tests can substitute a hand-driven timer.
type debounceTimer interface {
	Stop() bool
}

// newTimerFunc creates a timer that calls fn once after d. time.AfterFunc
// in production.
type newTimerFunc func(d time.Duration, fn func()) debounceTimer

func realAfterFunc(d time.Duration, fn func()) debounceTimer {
	return time.AfterFunc(d, fn)
}

// DebounceScheduler coalesces a burst of local mutations into a single
// fire per quiet window. Each Schedule call restarts the window; the fire
// callback runs once the window elapses with no further calls. The
// callback reads current state at fire time, so only the latest state is
// ever pushed.
type DebounceScheduler struct {
	interval time.Duration
	fire     func()

	// newTimer is swapped in tests for a deterministic fake.
	newTimer newTimerFunc

	mu    sync.Mutex
	timer debounceTimer
}

// NewDebounceScheduler creates a scheduler that invokes fire after each
// quiet window of the given interval.
func NewDebounceScheduler(interval time.Duration, fire func()) *DebounceScheduler {
	return &DebounceScheduler{
		interval: interval,
		fire:     fire,
		newTimer: realAfterFunc,
	}
}

// Schedule arms the quiet window, restarting it if one is already
// pending. The pending fire inherits no state; it reads state when it
// runs.
func (s *DebounceScheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = s.newTimer(s.interval, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()

		s.fire()
	})
}

// Cancel drops any pending fire without invoking it. Used when the
// pending write must not happen, such as a pairing change.
func (s *DebounceScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Flush invokes the fire callback immediately if a fire is pending, and
// does nothing otherwise. The pending timer is cancelled first so the
// window cannot double-fire.
func (s *DebounceScheduler) Flush() {
	s.mu.Lock()

	if s.timer == nil {
		s.mu.Unlock()
		return
	}

	s.timer.Stop()
	s.timer = nil
	s.mu.Unlock()

	s.fire()
}

// Pending reports whether a fire is currently scheduled.
func (s *DebounceScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.timer != nil
}
