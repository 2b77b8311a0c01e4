package scheduler

import (
	"context"
	"fmt"
	"time"

	"ramsis/internal/domain"
)

// Scheduler owns tasks in insertion order; ties between tasks due at the same
// time are broken by that order. It is not safe for concurrent use; the
// coordinator serializes access.
type Scheduler struct {
	tasks []*Task
}

func New() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) AddTask(t *Task) {
	if t == nil {
		return
	}
	s.tasks = append(s.tasks, t)
}

// Tasks returns the active tasks in insertion order.
func (s *Scheduler) Tasks() []*Task {
	return append([]*Task(nil), s.tasks...)
}

func (s *Scheduler) HasPendingTasks(at time.Time) bool {
	for _, t := range s.tasks {
		if t.IsPending(at) {
			return true
		}
	}
	return false
}

// PendingTasks returns a fresh slice of the tasks due at at.
func (s *Scheduler) PendingTasks(at time.Time) []*Task {
	var out []*Task
	for _, t := range s.tasks {
		if t.IsPending(at) {
			out = append(out, t)
		}
	}
	return out
}

// RunPendingTasks runs every task due at at, in insertion order. Repeating
// tasks advance by one interval from their own next run time; one-shot tasks
// leave the active set. A handler error stops the pass; the failing task is
// not advanced.
func (s *Scheduler) RunPendingTasks(ctx context.Context, at time.Time, rc domain.RunContext) error {
	for _, t := range s.PendingTasks(at) {
		if err := t.Run(ctx, rc); err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
		if t.Repeating() {
			if err := t.ScheduleNext(); err != nil {
				return err
			}
			continue
		}
		s.remove(t)
	}
	return nil
}

// ResetSchedule re-anchors repeating tasks one interval after t0 and drops
// one-shot tasks.
func (s *Scheduler) ResetSchedule(t0 time.Time) {
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.Repeating() {
			continue
		}
		t.Schedule(t0.Add(t.Interval))
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
}

func (s *Scheduler) remove(t *Task) {
	for i, x := range s.tasks {
		if x == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}
