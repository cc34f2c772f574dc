// Package sched provides a single-goroutine queue of cancellable
// one-shot tasks. All components share one Scheduler instead of
// spawning a goroutine per timer.
package sched

import (
	"sync"
	"time"
)

// Task is a scheduled one-shot callback.
//
// Cancel before the deadline guarantees the callback never runs. A Cancel
// racing with an in-flight fire may lose; callbacks must therefore
// re-validate whatever state they were armed for before acting.
type Task struct {
	s        *Scheduler
	deadline time.Time
	fn       func()
	canceled bool
}

// Cancel prevents the task from running if it has not fired yet.
// Safe to call multiple times and on a task that already ran.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.canceled = true
	for i, other := range t.s.tasks {
		if other == t {
			t.s.tasks = append(t.s.tasks[:i], t.s.tasks[i+1:]...)
			break
		}
	}
}

// Scheduler runs scheduled tasks on one dedicated goroutine.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []*Task
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a Scheduler and starts its goroutine.
func New() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Schedule runs fn once after d has elapsed. The returned Task can be
// canceled. Callbacks run sequentially on the scheduler goroutine and
// must not block for long.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Task {
	t := &Task{
		s:        s,
		deadline: time.Now().Add(d),
		fn:       fn,
	}

	s.mu.Lock()
	if s.closed {
		t.canceled = true
		s.mu.Unlock()
		return t
	}
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t
}

// Stop terminates the scheduler goroutine. Pending tasks are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.tasks = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *Scheduler) loop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		next := s.earliestLocked()
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}

		wait := time.Until(next.deadline)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				// Queue changed, recompute the next deadline.
				timer.Stop()
				continue
			case <-s.done:
				timer.Stop()
				return
			}
		}

		s.mu.Lock()
		run := s.removeLocked(next) && !next.canceled
		s.mu.Unlock()

		if run {
			next.fn()
		}
	}
}

// earliestLocked returns the task with the soonest deadline.
func (s *Scheduler) earliestLocked() *Task {
	var next *Task
	for _, t := range s.tasks {
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

// removeLocked removes t from the queue, reporting whether it was
// still queued (a concurrent Cancel may have removed it already).
func (s *Scheduler) removeLocked(t *Task) bool {
	for i, other := range s.tasks {
		if other == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true
		}
	}
	return false
}
