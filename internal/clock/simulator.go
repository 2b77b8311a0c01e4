package clock

import (
	"context"
	"errors"
	"time"

	logx "ramsis/pkg/logx"
)

// SimulatorConfig describes a replay window.
//
// Speed is the time-lapse factor: a step of 1h at speed 3600 takes one real
// second. Speed 0 advances as fast as forecasts complete.
type SimulatorConfig struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
	Speed float64
}

// Simulator advances a Sim clock across a window. After every step it waits
// while Busy reports true; Resume wakes it early.
type Simulator struct {
	cfg   SimulatorConfig
	clock *Sim
	busy  func() bool
	log   logx.Logger

	wake chan struct{}
}

func NewSimulator(cfg SimulatorConfig, c *Sim, busy func() bool, log logx.Logger) (*Simulator, error) {
	if c == nil {
		return nil, errors.New("simulator: clock is nil")
	}
	if !cfg.End.After(cfg.Start) {
		return nil, errors.New("simulator: end must be after start")
	}
	if cfg.Step <= 0 {
		return nil, errors.New("simulator: step must be > 0")
	}
	if busy == nil {
		busy = func() bool { return false }
	}
	return &Simulator{cfg: cfg, clock: c, busy: busy, log: log, wake: make(chan struct{}, 1)}, nil
}

// Resume signals that the in-flight forecast finished. Safe to call from any
// goroutine; extra calls are coalesced.
func (s *Simulator) Resume() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run replays the window. The clock is set to Start first and then advanced
// by Step until End (inclusive). It returns ctx.Err() if canceled.
func (s *Simulator) Run(ctx context.Context) error {
	var realStep time.Duration
	if s.cfg.Speed > 0 {
		realStep = time.Duration(float64(s.cfg.Step) / s.cfg.Speed)
	}

	s.log.Info("simulation started",
		logx.Time("start", s.cfg.Start),
		logx.Time("end", s.cfg.End),
		logx.Duration("step", s.cfg.Step),
		logx.Float64("speed", s.cfg.Speed),
	)

	steps := 0
	for t := s.cfg.Start; !t.After(s.cfg.End); t = t.Add(s.cfg.Step) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.clock.Set(t)
		steps++
		if err := s.waitIdle(ctx); err != nil {
			return err
		}
		if realStep > 0 {
			timer := time.NewTimer(realStep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	s.log.Info("simulation finished", logx.Int("steps", steps))
	return nil
}

func (s *Simulator) waitIdle(ctx context.Context) error {
	if !s.busy() {
		return nil
	}
	s.log.Debug("simulation paused; forecast in flight", logx.Time("t", s.clock.Now()))
	// Poll as a fallback in case a Resume raced with the busy check.
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for s.busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-poll.C:
		}
	}
	return nil
}
