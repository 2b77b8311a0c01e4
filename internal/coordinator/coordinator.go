// Package coordinator owns the task schedule of a project, reacts to
// project time changes and drives at most one forecast run at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ramsis/internal/domain"
	"ramsis/internal/eventbus"
	"ramsis/internal/pipeline"
	"ramsis/internal/task/scheduler"
	logx "ramsis/pkg/logx"
)

var (
	ErrAlreadyObserving = errors.New("coordinator already observes a project")
	ErrNotObserving     = errors.New("coordinator observes no project")
	ErrBusy             = errors.New("forecast run already in flight")
)

// Project is the observed site.
type Project interface {
	Name() string
	ProjectTime() time.Time
	OnTimeChanged(fn func(time.Time)) (unsubscribe func())
	Gather(ctx context.Context, t time.Time) (domain.RunContext, error)
}

// ResultSink persists run records. Each call receives a full snapshot.
type ResultSink interface {
	CreateRun(ctx context.Context, r *domain.ForecastRun) error
	UpdateRun(ctx context.Context, r *domain.ForecastRun) error
}

type RateUpdater interface {
	Update(ctx context.Context, rc domain.RunContext) (*domain.RateEstimate, error)
}

// Settings are the static forecast settings.
type Settings struct {
	ForecastInterval time.Duration
	// RateInterval of 0 disables the rate-update task.
	RateInterval   time.Duration
	BinSize        time.Duration
	Bins           int
	MagnitudeRange domain.MagnitudeRange
	Persist        bool
	Stages         []pipeline.Stage
}

type Coordinator struct {
	settings Settings
	sink     ResultSink
	rates    RateUpdater
	bus      eventbus.Bus
	log      logx.Logger

	// tickMu serializes schedule access; the scheduler itself is not safe
	// for concurrent use.
	tickMu sync.Mutex
	sched  *scheduler.Scheduler

	mu        sync.Mutex
	state     State
	project   Project
	unsub     func()
	active    *activeRun
	listeners []Listener
}

type activeRun struct {
	rec  *domain.ForecastRun
	job  *pipeline.Job
	done chan struct{}
	err  error
}

func New(settings Settings, sink ResultSink, rates RateUpdater, bus eventbus.Bus, log logx.Logger) (*Coordinator, error) {
	if settings.ForecastInterval <= 0 {
		return nil, errors.New("forecast interval must be > 0")
	}
	if len(settings.Stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	if sink == nil {
		return nil, errors.New("result sink is required")
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	c := &Coordinator{
		settings: settings,
		sink:     sink,
		rates:    rates,
		bus:      bus,
		log:      log,
		sched:    scheduler.New(),
	}
	// Rate update goes first so a forecast due at the same tick sees the
	// newest rate.
	if settings.RateInterval > 0 && rates != nil {
		c.sched.AddTask(scheduler.NewTask("rate_update", settings.RateInterval, c.UpdateRates))
	}
	c.sched.AddTask(scheduler.NewTask("forecast", settings.ForecastInterval, c.RunForecast))
	return c, nil
}

// AddListener registers l. Listeners are called in registration order.
func (c *Coordinator) AddListener(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a run is in flight.
func (c *Coordinator) Busy() bool { return c.State() == StateBusy }

// ActiveRun returns a snapshot of the in-flight run, or nil.
func (c *Coordinator) ActiveRun() *domain.ForecastRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	return c.active.rec.Clone()
}

// Tasks exposes the schedule for inspection.
func (c *Coordinator) Tasks() []*scheduler.Task {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.sched.Tasks()
}

// TaskInfo is a point-in-time copy of one scheduled task.
type TaskInfo struct {
	Name      string
	Interval  time.Duration
	Next      time.Time
	Scheduled bool
}

// Schedule copies the task schedule under the tick lock.
func (c *Coordinator) Schedule() []TaskInfo {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	var out []TaskInfo
	for _, t := range c.sched.Tasks() {
		next, ok := t.NextRunTime()
		out = append(out, TaskInfo{Name: t.Name, Interval: t.Interval, Next: next, Scheduled: ok})
	}
	return out
}

// ObserveProject attaches p, anchors the schedule at p's current time and
// subscribes to its time changes. ctx bounds the work done on those changes.
func (c *Coordinator) ObserveProject(ctx context.Context, p Project) error {
	if p == nil {
		return errors.New("project is nil")
	}
	c.mu.Lock()
	if c.project != nil {
		c.mu.Unlock()
		return ErrAlreadyObserving
	}
	c.project = p
	c.mu.Unlock()

	c.Reset(p.ProjectTime())
	unsub := p.OnTimeChanged(func(t time.Time) {
		if err := c.OnTimeChanged(ctx, t); err != nil {
			c.log.Error("time change handling failed", logx.Time("t", t), logx.Err(err))
		}
	})

	c.mu.Lock()
	c.unsub = unsub
	evs := c.transitionLocked(StateReady)
	c.mu.Unlock()
	c.emit(evs...)

	c.log.Info("observing project", logx.String("project", p.Name()), logx.Time("t", p.ProjectTime()))
	return nil
}

// DetachProject stops observing. A run in flight finishes but the
// coordinator stays inactive.
func (c *Coordinator) DetachProject() error {
	c.mu.Lock()
	if c.project == nil {
		c.mu.Unlock()
		return ErrNotObserving
	}
	unsub := c.unsub
	name := c.project.Name()
	c.project, c.unsub = nil, nil
	evs := c.transitionLocked(StateInactive)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.emit(evs...)
	c.log.Info("project detached", logx.String("project", name))
	return nil
}

// Reset re-anchors the schedule at t0. It has no visible effect while
// inactive beyond the anchoring itself.
func (c *Coordinator) Reset(t0 time.Time) {
	c.tickMu.Lock()
	c.sched.ResetSchedule(t0)
	c.tickMu.Unlock()
	c.log.Debug("schedule reset", logx.Time("t0", t0))
}

// OnTimeChanged runs every task due at t with the observation window
// gathered for t. It is a no-op while inactive.
func (c *Coordinator) OnTimeChanged(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	p := c.project
	inactive := c.state == StateInactive
	c.mu.Unlock()
	if inactive || p == nil {
		return nil
	}

	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if !c.sched.HasPendingTasks(t) {
		return nil
	}

	rc, err := p.Gather(ctx, t)
	if err != nil {
		c.mu.Lock()
		var evs []Event
		if c.state == StateReady {
			evs = c.transitionLocked(StateFailed)
		}
		c.mu.Unlock()
		c.emit(evs...)
		return err
	}
	return c.sched.RunPendingTasks(ctx, t, rc)
}

// RunForecast is the forecast task handler. While a run is in flight the
// request is dropped with a warning.
func (c *Coordinator) RunForecast(ctx context.Context, rc domain.RunContext) error {
	_, err := c.start(ctx, rc, runOptions{})
	if errors.Is(err, ErrBusy) {
		return nil
	}
	return err
}

// UpdateRates is the rate-update task handler.
func (c *Coordinator) UpdateRates(ctx context.Context, rc domain.RunContext) error {
	if c.rates == nil {
		return nil
	}
	est, err := c.rates.Update(ctx, rc)
	if err != nil {
		return fmt.Errorf("rate update: %w", err)
	}
	if est != nil {
		c.emit(Event{Kind: EventRatesUpdated, Time: rc.TRun, Project: est.Project, Rate: est})
	}
	return nil
}

type runOptions struct {
	runID    string
	seriesID string
}

type RunOption func(*runOptions)

// WithRunID fixes the run id, e.g. to match a forecast claim.
func WithRunID(id string) RunOption { return func(o *runOptions) { o.runID = id } }

func WithSeriesID(id string) RunOption { return func(o *runOptions) { o.seriesID = id } }

// RunOnce gathers observations for t, runs one forecast and waits for it to
// finish. It returns ErrBusy instead of dropping silently.
func (c *Coordinator) RunOnce(ctx context.Context, t time.Time, opts ...RunOption) (*domain.ForecastRun, error) {
	c.mu.Lock()
	p := c.project
	c.mu.Unlock()
	if p == nil {
		return nil, ErrNotObserving
	}
	var o runOptions
	for _, fn := range opts {
		fn(&o)
	}

	rc, err := p.Gather(ctx, t)
	if err != nil {
		return nil, err
	}
	ar, err := c.start(ctx, rc, o)
	if err != nil {
		return nil, err
	}
	select {
	case <-ar.done:
	case <-ctx.Done():
		return ar.snapshot(&c.mu), ctx.Err()
	}
	return ar.snapshot(&c.mu), ar.err
}

func (a *activeRun) snapshot(mu *sync.Mutex) *domain.ForecastRun {
	mu.Lock()
	defer mu.Unlock()
	return a.rec.Clone()
}

func (c *Coordinator) start(ctx context.Context, rc domain.RunContext, o runOptions) (*activeRun, error) {
	c.mu.Lock()
	switch {
	case c.project == nil:
		c.mu.Unlock()
		return nil, ErrNotObserving
	case c.state == StateBusy || c.active != nil:
		runID := ""
		if c.active != nil {
			runID = c.active.rec.ID
		}
		c.mu.Unlock()
		c.log.Warn("forecast already in flight; request dropped", logx.Time("t", rc.TRun), logx.String("active_run", runID))
		c.emit(Event{Kind: EventForecastSkipped, Time: rc.TRun})
		return nil, ErrBusy
	}

	id := o.runID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := &domain.ForecastRun{
		ID:             id,
		Project:        c.project.Name(),
		SeriesID:       o.seriesID,
		TRun:           rc.TRun,
		Status:         domain.RunRunning,
		BinSize:        c.settings.BinSize,
		MagnitudeRange: c.settings.MagnitudeRange,
		NumSeismic:     len(rc.SeismicEvents),
		NumHydraulic:   len(rc.HydraulicEvents),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ar := &activeRun{rec: rec, done: make(chan struct{})}
	c.active = ar
	evs := c.transitionLocked(StateBusy)
	snap := rec.Clone()
	c.mu.Unlock()

	// Stage callbacks outlive the tick that started the run.
	jobCtx := context.WithoutCancel(ctx)

	c.emit(evs...)
	if c.settings.Persist {
		if err := c.sink.CreateRun(jobCtx, snap); err != nil {
			err = fmt.Errorf("persist run: %w", err)
			c.fail(jobCtx, ar, err)
			return nil, err
		}
	}
	c.emit(Event{Kind: EventForecastStarted, Time: rc.TRun, Project: snap.Project, Run: snap})
	c.log.Info("forecast started", logx.String("run", id), logx.Time("t_run", rc.TRun),
		logx.Int("seismic", snap.NumSeismic), logx.Int("hydraulic", snap.NumHydraulic))

	job, err := pipeline.NewJob(c.settings.Stages, pipeline.Hooks{
		OnStageComplete: func(ctx context.Context, out pipeline.Output) error { return c.OnStageComplete(ctx, out) },
		OnFailed:        func(ctx context.Context, out pipeline.Output) { c.fail(ctx, ar, out.Err) },
	})
	if err != nil {
		c.fail(jobCtx, ar, err)
		return nil, err
	}
	c.mu.Lock()
	ar.job = job
	c.mu.Unlock()

	in := pipeline.Input{
		RunID:          id,
		Project:        snap.Project,
		Context:        rc,
		BinSize:        c.settings.BinSize,
		Bins:           c.settings.Bins,
		MagnitudeRange: c.settings.MagnitudeRange,
	}
	if err := job.Run(jobCtx, in); err != nil {
		c.fail(jobCtx, ar, err)
		return nil, err
	}
	return ar, nil
}

// OnStageComplete records a stage result on the active run and persists it.
// After the last stage the coordinator returns to ready.
func (c *Coordinator) OnStageComplete(ctx context.Context, out pipeline.Output) error {
	kind, err := pipeline.ParseStageKind(out.StageID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ar := c.active
	if ar == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: stage %q completed with no run in flight", pipeline.ErrStageProtocol, out.StageID)
	}
	rec := ar.rec
	switch kind {
	case pipeline.StageSeismicity:
		rec.ISForecastResult = out.ModelResults
	case pipeline.StageHazard:
		rec.HazardCalcID = out.CalcID
	case pipeline.StageRisk:
		rec.RiskCalcID = out.CalcID
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", pipeline.ErrUnknownStage, kind)
	}
	rec.StagesDone = append(rec.StagesDone, kind.ID())
	rec.UpdatedAt = time.Now().UTC()
	if out.Last {
		rec.Status = domain.RunComplete
		rec.FinishedAt = rec.UpdatedAt
	}
	snap := rec.Clone()
	c.mu.Unlock()

	if err := c.sink.UpdateRun(ctx, snap); err != nil {
		c.mu.Lock()
		rec.Status = domain.RunRunning
		rec.FinishedAt = time.Time{}
		c.mu.Unlock()
		return fmt.Errorf("persist run: %w", err)
	}
	c.emit(Event{Kind: EventStageComplete, Time: snap.TRun, Project: snap.Project, Run: snap, Stage: kind.ID()})
	c.log.Info("stage complete", logx.String("run", snap.ID), logx.String("stage", kind.ID()))

	if !out.Last {
		return nil
	}

	c.mu.Lock()
	var evs []Event
	if c.active == ar {
		c.active = nil
		if c.state == StateBusy {
			evs = c.transitionLocked(StateReady)
		}
	}
	c.mu.Unlock()
	close(ar.done)

	c.emit(evs...)
	c.emit(Event{Kind: EventForecastComplete, Time: snap.TRun, Project: snap.Project, Run: snap})
	c.log.Info("forecast complete", logx.String("run", snap.ID), logx.Time("t_run", snap.TRun))
	return nil
}

// fail marks ar failed, releases the busy guard and reports the failure.
func (c *Coordinator) fail(ctx context.Context, ar *activeRun, cause error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	c.mu.Lock()
	if ar.rec.Status == domain.RunFailed {
		c.mu.Unlock()
		return
	}
	ar.rec.Status = domain.RunFailed
	ar.rec.Error = cause.Error()
	ar.rec.UpdatedAt = time.Now().UTC()
	ar.rec.FinishedAt = ar.rec.UpdatedAt
	ar.err = cause
	snap := ar.rec.Clone()
	var evs []Event
	if c.active == ar {
		c.active = nil
		if c.state == StateBusy {
			evs = c.transitionLocked(StateFailed)
		}
	}
	c.mu.Unlock()

	if err := c.sink.UpdateRun(ctx, snap); err != nil {
		c.log.Error("persist failed run", logx.String("run", snap.ID), logx.Err(err))
	}
	close(ar.done)
	c.emit(evs...)
	c.emit(Event{Kind: EventForecastFailed, Time: snap.TRun, Project: snap.Project, Run: snap, Err: cause})
	c.log.Error("forecast failed", logx.String("run", snap.ID), logx.Time("t_run", snap.TRun), logx.Err(cause))
}

// transitionLocked moves to s and returns the event to emit once c.mu is
// released.
func (c *Coordinator) transitionLocked(s State) []Event {
	if c.state == s {
		return nil
	}
	prev := c.state
	c.state = s
	name := ""
	if c.project != nil {
		name = c.project.Name()
	}
	c.log.Debug("state changed", logx.String("from", prev.String()), logx.String("to", s.String()))
	return []Event{{Kind: EventStateChanged, Time: time.Now().UTC(), Project: name, From: prev, To: s}}
}

func (c *Coordinator) emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	c.mu.Lock()
	ls := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, e := range evs {
		for _, l := range ls {
			l(e)
		}
		c.bus.Publish(eventbus.Event{Type: e.Kind.busType(), Time: e.Time, Data: e})
	}
}
