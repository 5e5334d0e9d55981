package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/financehub/syncd/internal/entity"
)

// FireFunc is invoked when an entity's timer fires. Implementations must
// not block: the scheduler's dispatch path does no I/O of its own, and the
// engine's FireFunc only spawns the executor goroutine.
type FireFunc func(key entity.Key, taskID string)

// Scheduler owns the pending-timer map: at most one armed timer per
// entity. It never executes sync work itself — firing hands the task ID to
// the FireFunc and forgets it.
type Scheduler struct {
	mu     sync.Mutex
	timers map[entity.Key]Timer
	clock  Clock
	fire   FireFunc
	logger *slog.Logger
}

// NewScheduler creates a scheduler dispatching through fire.
func NewScheduler(clock Clock, fire FireFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[entity.Key]Timer),
		clock:  clock,
		fire:   fire,
		logger: logger,
	}
}

// Schedule arms (or re-arms) the entity's timer to fire the task at the
// given time. A timer already pending for the entity is replaced: one
// entity never has two armed timers. Times in the past fire immediately.
func (s *Scheduler) Schedule(key entity.Key, taskID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[key]; ok {
		old.Stop()
	}

	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	var t Timer
	t = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		// The map may already hold a replacement armed after this timer
		// fired; that one must stay.
		if s.timers[key] == t {
			delete(s.timers, key)
		}
		s.mu.Unlock()

		s.fire(key, taskID)
	})
	s.timers[key] = t

	s.logger.Debug("timer armed",
		slog.String("entity", key.String()),
		slog.String("task_id", taskID),
		slog.Time("at", at),
	)
}

// Cancel disarms the entity's pending timer, if any. Returns whether a
// timer was pending.
func (s *Scheduler) Cancel(key entity.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}

	t.Stop()
	delete(s.timers, key)

	s.logger.Debug("timer canceled", slog.String("entity", key.String()))

	return true
}

// CancelAll disarms every pending timer. Used by schedule rebuilds.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending reports whether the entity currently has an armed timer.
func (s *Scheduler) Pending(key entity.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.timers[key]

	return ok
}

// PendingCount returns the number of armed timers.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}
