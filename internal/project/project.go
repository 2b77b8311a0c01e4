// Package project binds a monitored site to its clock, its observation
// source and its injection plan.
package project

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ramsis/internal/clock"
	"ramsis/internal/domain"
	"ramsis/internal/observation"
	logx "ramsis/pkg/logx"
)

type Config struct {
	Name          string
	Clock         clock.Clock
	Source        observation.Source
	InjectionPlan []domain.HydraulicSample
	// Tick is how often a wall clock reports time changes.
	Tick time.Duration
}

type Project struct {
	name   string
	clk    clock.Clock
	source observation.Source
	plan   []domain.HydraulicSample
	tick   time.Duration
	log    logx.Logger

	mu   sync.Mutex
	seq  uint64
	subs []subscriber

	unsubClock func()
}

type subscriber struct {
	id uint64
	fn func(time.Time)
}

func New(cfg Config, log logx.Logger) (*Project, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Wall{}
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("project %s: observation source is required", cfg.Name)
	}
	p := &Project{
		name:   cfg.Name,
		clk:    cfg.Clock,
		source: cfg.Source,
		plan:   append([]domain.HydraulicSample(nil), cfg.InjectionPlan...),
		tick:   cfg.Tick,
		log:    log.With(logx.String("project", cfg.Name)),
	}
	if sim, ok := cfg.Clock.(*clock.Sim); ok {
		p.unsubClock = sim.OnChange(p.notify)
	}
	return p, nil
}

func (p *Project) Name() string { return p.name }

func (p *Project) ProjectTime() time.Time { return p.clk.Now() }

func (p *Project) Clock() clock.Clock { return p.clk }

// OnTimeChanged registers fn for project time changes. Delivery is
// synchronous and in registration order.
func (p *Project) OnTimeChanged(fn func(time.Time)) (unsubscribe func()) {
	p.mu.Lock()
	p.seq++
	id := p.seq
	p.subs = append(p.subs, subscriber{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

func (p *Project) notify(t time.Time) {
	p.mu.Lock()
	subs := append([]subscriber(nil), p.subs...)
	p.mu.Unlock()
	for _, s := range subs {
		s.fn(t)
	}
}

// Run drives time-change notifications from a wall clock until ctx is
// canceled. For a simulated clock the simulator drives them and Run only
// waits.
func (p *Project) Run(ctx context.Context) {
	if _, ok := p.clk.(*clock.Sim); ok {
		<-ctx.Done()
		return
	}
	clock.Tick(ctx, p.clk, p.tick, p.notify)
}

// Close detaches from a simulated clock.
func (p *Project) Close() {
	if p.unsubClock != nil {
		p.unsubClock()
		p.unsubClock = nil
	}
}

// Gather assembles the observation window for t: seismic events and
// hydraulic samples strictly before t, and the injection plan from t on.
// The fetches run concurrently and the first error aborts the others.
func (p *Project) Gather(ctx context.Context, t time.Time) (domain.RunContext, error) {
	rc := domain.RunContext{TRun: t}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ev, err := p.source.Seismic(gctx, time.Time{}, t)
		if err != nil {
			return fmt.Errorf("seismic: %w", err)
		}
		rc.SeismicEvents = domain.SeismicBefore(ev, t)
		return nil
	})
	g.Go(func() error {
		hs, err := p.source.Hydraulic(gctx, time.Time{}, t)
		if err != nil {
			return fmt.Errorf("hydraulic: %w", err)
		}
		rc.HydraulicEvents = domain.HydraulicBefore(hs, t)
		return nil
	})
	g.Go(func() error {
		rc.InjectionPlan = domain.HydraulicFrom(p.plan, t)
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.RunContext{}, fmt.Errorf("gather %s at %s: %w", p.name, t.Format(time.RFC3339), err)
	}
	p.log.Debug("observations gathered",
		logx.Time("t", t),
		logx.Int("seismic", len(rc.SeismicEvents)),
		logx.Int("hydraulic", len(rc.HydraulicEvents)),
		logx.Int("plan", len(rc.InjectionPlan)),
	)
	return rc, nil
}
