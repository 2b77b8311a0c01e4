package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"ramsis/internal/domain"
)

var tRun = time.Date(2011, 10, 14, 17, 23, 0, 0, time.UTC)

func noop(context.Context, domain.RunContext) error { return nil }

func TestTaskScheduleNextOneShotFails(t *testing.T) {
	t.Parallel()

	task := NewTask("once", 0, noop)
	if err := task.ScheduleNext(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("ScheduleNext on unscheduled one-shot: err = %v", err)
	}
	task.Schedule(tRun)
	if err := task.ScheduleNext(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("ScheduleNext on scheduled one-shot: err = %v", err)
	}
	if next, _ := task.NextRunTime(); !next.Equal(tRun) {
		t.Fatalf("next = %v, want %v", next, tRun)
	}
}

func TestTaskScheduleNextRequiresAnchor(t *testing.T) {
	t.Parallel()

	task := NewTask("repeat", time.Hour, noop)
	if err := task.ScheduleNext(); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("err = %v, want ErrInvalidOperation", err)
	}
	task.Schedule(tRun)
	if err := task.ScheduleNext(); err != nil {
		t.Fatal(err)
	}
	if next, _ := task.NextRunTime(); !next.Equal(tRun.Add(time.Hour)) {
		t.Fatalf("next = %v", next)
	}
}

func TestTaskIsPending(t *testing.T) {
	t.Parallel()

	task := NewTask("x", time.Minute, noop)
	if task.IsPending(tRun) {
		t.Fatal("unscheduled task must not be pending")
	}
	task.Schedule(tRun)
	tests := []struct {
		at   time.Time
		want bool
	}{
		{tRun.Add(-time.Second), false},
		{tRun, true},
		{tRun.Add(time.Second), true},
	}
	for _, tt := range tests {
		if got := task.IsPending(tt.at); got != tt.want {
			t.Fatalf("IsPending(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestOneShotNeverFiresTwice(t *testing.T) {
	t.Parallel()

	calls := 0
	task := NewTask("once", 0, func(context.Context, domain.RunContext) error {
		calls++
		return nil
	})
	task.Schedule(tRun)
	s := New()
	s.AddTask(task)

	for _, at := range []time.Time{tRun, tRun.Add(time.Minute)} {
		if err := s.RunPendingTasks(context.Background(), at, domain.RunContext{TRun: at}); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(s.PendingTasks(tRun.Add(time.Hour))) != 0 {
		t.Fatal("one-shot task should leave the active set")
	}
}

func TestRepeatCadenceFromNextRunTime(t *testing.T) {
	t.Parallel()

	task := NewTask("forecast", time.Hour, noop)
	task.Schedule(tRun)
	s := New()
	s.AddTask(task)

	if err := s.RunPendingTasks(context.Background(), tRun, domain.RunContext{TRun: tRun}); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2011, 10, 14, 18, 23, 0, 0, time.UTC)
	if next, _ := task.NextRunTime(); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// A late tick advances by one interval only, from the task's own time.
	late := tRun.Add(3*time.Hour + 10*time.Minute)
	if err := s.RunPendingTasks(context.Background(), late, domain.RunContext{TRun: late}); err != nil {
		t.Fatal(err)
	}
	if next, _ := task.NextRunTime(); !next.Equal(want.Add(time.Hour)) {
		t.Fatalf("next = %v, want %v", next, want.Add(time.Hour))
	}
	if !s.HasPendingTasks(late) {
		t.Fatal("task should still be pending until it catches up")
	}
}

func TestRunPendingInsertionOrder(t *testing.T) {
	t.Parallel()

	var log []string
	mk := func(name string) *Task {
		task := NewTask(name, time.Minute, func(context.Context, domain.RunContext) error {
			log = append(log, name)
			return nil
		})
		task.Schedule(tRun)
		return task
	}
	s := New()
	s.AddTask(mk("rates"))
	s.AddTask(mk("forecast"))

	if err := s.RunPendingTasks(context.Background(), tRun, domain.RunContext{TRun: tRun}); err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[0] != "rates" || log[1] != "forecast" {
		t.Fatalf("call order = %v", log)
	}
}

func TestPendingTasksReturnsFreshSlice(t *testing.T) {
	t.Parallel()

	s := New()
	a := NewTask("a", time.Minute, noop)
	a.Schedule(tRun)
	s.AddTask(a)

	got := s.PendingTasks(tRun)
	got[0] = nil
	if s.PendingTasks(tRun)[0] != a {
		t.Fatal("PendingTasks must not alias the scheduler's storage")
	}
}

func TestRunPendingStopsOnHandlerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	secondRan := false
	first := NewTask("first", time.Minute, func(context.Context, domain.RunContext) error { return boom })
	second := NewTask("second", time.Minute, func(context.Context, domain.RunContext) error {
		secondRan = true
		return nil
	})
	first.Schedule(tRun)
	second.Schedule(tRun)
	s := New()
	s.AddTask(first)
	s.AddTask(second)

	err := s.RunPendingTasks(context.Background(), tRun, domain.RunContext{TRun: tRun})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if secondRan {
		t.Fatal("second task should not run after an error")
	}
	if next, _ := first.NextRunTime(); !next.Equal(tRun) {
		t.Fatalf("failing task advanced to %v", next)
	}
}

func TestResetSchedule(t *testing.T) {
	t.Parallel()

	task1 := NewTask("task1", time.Minute, noop)
	task1.Schedule(tRun.Add(-time.Minute))
	task3 := NewTask("task3", 0, noop)

	s := New()
	s.AddTask(task1)
	s.AddTask(task3)

	s.ResetSchedule(tRun)

	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0] != task1 {
		t.Fatalf("tasks = %v, want [task1]", tasks)
	}
	if next, _ := task1.NextRunTime(); !next.Equal(tRun.Add(time.Minute)) {
		t.Fatalf("task1 next = %v, want %v", next, tRun.Add(time.Minute))
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"6h", 6 * time.Hour, true},
		{"01:30", 90 * time.Minute, true},
		{"interval:10m", 10 * time.Minute, true},
		{"every:00:05", 5 * time.Minute, true},
		{"", 0, false},
		{"0s", 0, false},
		{"00:61", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.raw)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseInterval(%q) err = %v, ok want %v", tt.raw, err, tt.ok)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseInterval(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
