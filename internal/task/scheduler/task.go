package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ramsis/internal/domain"
)

var ErrInvalidOperation = errors.New("invalid operation")

// Handler is invoked with the observation window gathered for the tick.
type Handler func(ctx context.Context, rc domain.RunContext) error

// Task is a schedulable unit of work. An Interval of 0 makes it one-shot.
type Task struct {
	Name     string
	Interval time.Duration
	handler  Handler

	next      time.Time
	scheduled bool
}

func NewTask(name string, interval time.Duration, h Handler) *Task {
	return &Task{Name: name, Interval: interval, handler: h}
}

func (t *Task) Repeating() bool { return t.Interval > 0 }

// NextRunTime returns the next due time; ok is false if never scheduled.
func (t *Task) NextRunTime() (next time.Time, ok bool) {
	return t.next, t.scheduled
}

// Schedule sets the next run time unconditionally. It is the only way to
// schedule a one-shot task.
func (t *Task) Schedule(at time.Time) {
	t.next = at
	t.scheduled = true
}

// ScheduleNext advances the next run time by one interval.
func (t *Task) ScheduleNext() error {
	if !t.Repeating() {
		return fmt.Errorf("%w: task %q is one-shot and cannot be advanced", ErrInvalidOperation, t.Name)
	}
	if !t.scheduled {
		return fmt.Errorf("%w: task %q was never scheduled", ErrInvalidOperation, t.Name)
	}
	t.next = t.next.Add(t.Interval)
	return nil
}

// IsPending reports whether the task is scheduled at or before at.
func (t *Task) IsPending(at time.Time) bool {
	return t.scheduled && !t.next.After(at)
}

// Run invokes the handler once. It does not reschedule.
func (t *Task) Run(ctx context.Context, rc domain.RunContext) error {
	if t.handler == nil {
		return nil
	}
	return t.handler(ctx, rc)
}

func (t *Task) String() string {
	if !t.scheduled {
		return fmt.Sprintf("%s(unscheduled)", t.Name)
	}
	return fmt.Sprintf("%s(next=%s)", t.Name, t.next.Format(time.RFC3339))
}
