// Package clock supplies project time: the wall clock in production, or a
// synthetic clock that a simulation advances explicitly.
package clock

import (
	"context"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Wall is the system clock in UTC.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now().UTC() }

// Sim is a synthetic clock. Listeners registered with OnChange are invoked
// synchronously, in registration order, on every Set or Advance, from the
// caller's goroutine.
type Sim struct {
	mu   sync.Mutex
	now  time.Time
	seq  uint64
	subs []listener
}

type listener struct {
	id uint64
	fn func(time.Time)
}

func NewSim(t0 time.Time) *Sim {
	return &Sim{now: t0}
}

func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Set moves the clock to t (forwards or backwards) and notifies listeners.
func (s *Sim) Set(t time.Time) {
	s.mu.Lock()
	s.now = t
	subs := append([]listener(nil), s.subs...)
	s.mu.Unlock()

	for _, l := range subs {
		l.fn(t)
	}
}

func (s *Sim) Advance(d time.Duration) {
	s.Set(s.Now().Add(d))
}

// OnChange registers fn and returns a function that removes it.
func (s *Sim) OnChange(fn func(time.Time)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.subs = append(s.subs, listener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.subs {
			if l.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Tick calls fn with c.Now() immediately and then every interval until ctx is
// canceled.
func Tick(ctx context.Context, c Clock, every time.Duration, fn func(time.Time)) {
	if every <= 0 {
		every = time.Minute
	}
	fn(c.Now())
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(c.Now())
		}
	}
}
