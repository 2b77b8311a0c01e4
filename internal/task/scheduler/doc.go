// Package scheduler decides when coordinator work is due.
//
// A Task is a handler with an optional repeat interval and a next run time.
// A Scheduler owns tasks in insertion order, answers which are pending at a
// given time, runs them sequentially on the caller's goroutine and advances
// repeating tasks by exactly one interval per run.
//
// Execution of long-running work is delegated to internal/task/engine; the
// scheduler itself never starts goroutines.
package scheduler
