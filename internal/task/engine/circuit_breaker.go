package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one task key. Once failures
// reach the trip threshold the circuit opens for an exponentially growing
// cooldown; a success closes it.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func (c circuitCfg) enabled() bool { return c.trip > 0 }

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	cc := circuitCfg{
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
	if opt.CircuitTripFailures > 0 {
		cc.trip = opt.CircuitTripFailures
	}
	if cc.trip == 0 {
		cc.trip = 5
	}
	if cc.baseDelay <= 0 {
		cc.baseDelay = 5 * time.Second
	}
	if cc.maxDelay <= 0 {
		cc.maxDelay = 2 * time.Minute
	}
	if cc.resetAfter <= 0 {
		cc.resetAfter = 5 * time.Minute
	}
	return cc
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for key, resetting it if the last failure is
// older than resetAfter. Call with s.mu held.
func (s *circuitStore) getLocked(key string, now time.Time, cc circuitCfg) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		*st = circuitState{}
	}
	return st
}

func (s *circuitStore) isOpen(now time.Time, key string, cc circuitCfg) (bool, time.Time) {
	if !cc.enabled() || key == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(key, now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, key string, cc circuitCfg, err error) {
	if !cc.enabled() || key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(key, now, cc)
	if err == nil {
		*st = circuitState{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip && d < cc.maxDelay; i++ {
		d *= 2
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
