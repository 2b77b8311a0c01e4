package coordinator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/pipeline"
	"ramsis/internal/storage"
	logx "ramsis/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeProject struct {
	mu  sync.Mutex
	now time.Time
	fns []func(time.Time)
}

func (p *fakeProject) Name() string { return "bedretto" }

func (p *fakeProject) ProjectTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

func (p *fakeProject) OnTimeChanged(fn func(time.Time)) func() {
	p.mu.Lock()
	p.fns = append(p.fns, fn)
	idx := len(p.fns) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.fns[idx] = nil
		p.mu.Unlock()
	}
}

func (p *fakeProject) Gather(_ context.Context, t time.Time) (domain.RunContext, error) {
	return domain.RunContext{TRun: t, SeismicEvents: []domain.SeismicEvent{{DateTime: t.Add(-time.Minute)}}}, nil
}

func (p *fakeProject) set(t time.Time) {
	p.mu.Lock()
	p.now = t
	fns := append(([]func(time.Time))(nil), p.fns...)
	p.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(t)
		}
	}
}

// heldStage keeps its completion until the test releases it.
type heldStage struct {
	kind pipeline.StageKind

	mu    sync.Mutex
	dones []pipeline.Completion
}

func (s *heldStage) Kind() pipeline.StageKind { return s.kind }

func (s *heldStage) Start(_ context.Context, _ pipeline.Input, done pipeline.Completion) {
	s.mu.Lock()
	s.dones = append(s.dones, done)
	s.mu.Unlock()
}

func (s *heldStage) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dones)
}

func (s *heldStage) release(t *testing.T, out pipeline.Output) {
	t.Helper()
	s.mu.Lock()
	if len(s.dones) == 0 {
		s.mu.Unlock()
		t.Fatalf("stage %s was never started", s.kind.ID())
	}
	done := s.dones[len(s.dones)-1]
	s.mu.Unlock()
	out.StageID = s.kind.ID()
	if err := done(out); err != nil {
		t.Fatalf("completion of %s: %v", s.kind.ID(), err)
	}
}

type syncStage struct {
	kind pipeline.StageKind
	err  error
}

func (s syncStage) Kind() pipeline.StageKind { return s.kind }

func (s syncStage) Start(_ context.Context, _ pipeline.Input, done pipeline.Completion) {
	_ = done(pipeline.Output{StageID: s.kind.ID(), CalcID: s.kind.ID() + "-calc", Err: s.err})
}

func newCoordinator(t *testing.T, store storage.RunStore, stages ...pipeline.Stage) (*Coordinator, *fakeProject) {
	t.Helper()
	c, err := New(Settings{
		ForecastInterval: time.Hour,
		BinSize:          time.Hour,
		Bins:             6,
		Persist:          true,
		Stages:           stages,
	}, store, nil, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := &fakeProject{now: t0}
	if err := c.ObserveProject(context.Background(), p); err != nil {
		t.Fatalf("ObserveProject: %v", err)
	}
	return c, p
}

func TestObserveProjectTwice(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, storage.NewMemory(), syncStage{kind: pipeline.StageSeismicity})
	if got := c.State(); got != StateReady {
		t.Fatalf("State = %v, want ready", got)
	}
	if err := c.ObserveProject(context.Background(), &fakeProject{}); !errors.Is(err, ErrAlreadyObserving) {
		t.Fatalf("second ObserveProject error = %v, want ErrAlreadyObserving", err)
	}
	if err := c.DetachProject(); err != nil {
		t.Fatalf("DetachProject: %v", err)
	}
	if got := c.State(); got != StateInactive {
		t.Fatalf("State after detach = %v, want inactive", got)
	}
	if err := c.DetachProject(); !errors.Is(err, ErrNotObserving) {
		t.Fatalf("second DetachProject error = %v, want ErrNotObserving", err)
	}
}

func TestBusyDropsForecastRequest(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	stage := &heldStage{kind: pipeline.StageSeismicity}
	c, p := newCoordinator(t, store, stage)

	var skipped int
	c.AddListener(func(e Event) {
		if e.Kind == EventForecastSkipped {
			skipped++
		}
	})

	p.set(t0.Add(time.Hour))
	if !c.Busy() {
		t.Fatal("expected busy after the first forecast tick")
	}
	p.set(t0.Add(2 * time.Hour))
	if stage.started() != 1 {
		t.Fatalf("stage started %d times, want 1", stage.started())
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}

	stage.release(t, pipeline.Output{})
	if got := c.State(); got != StateReady {
		t.Fatalf("State = %v, want ready", got)
	}

	// The dropped tick was consumed; the next one is at t0+3h.
	p.set(t0.Add(2*time.Hour + 30*time.Minute))
	if stage.started() != 1 {
		t.Fatalf("stage started %d times before next tick, want 1", stage.started())
	}
	p.set(t0.Add(3 * time.Hour))
	if stage.started() != 2 {
		t.Fatalf("stage started %d times, want 2", stage.started())
	}

	runs, err := store.ListRuns(context.Background(), storage.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
}

func TestReadyOnlyAfterLastStage(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seis := &heldStage{kind: pipeline.StageSeismicity}
	haz := &heldStage{kind: pipeline.StageHazard}
	risk := &heldStage{kind: pipeline.StageRisk}
	c, p := newCoordinator(t, store, seis, haz, risk)

	var kinds []EventKind
	c.AddListener(func(e Event) { kinds = append(kinds, e.Kind) })

	p.set(t0.Add(time.Hour))
	seis.release(t, pipeline.Output{ModelResults: []domain.ModelResult{{Model: "poisson", Status: domain.RunComplete}}})
	if got := c.State(); got != StateBusy {
		t.Fatalf("State after seismicity = %v, want busy", got)
	}
	haz.release(t, pipeline.Output{CalcID: "h-7"})
	if got := c.State(); got != StateBusy {
		t.Fatalf("State after hazard = %v, want busy", got)
	}
	risk.release(t, pipeline.Output{CalcID: "r-9"})
	if got := c.State(); got != StateReady {
		t.Fatalf("State after risk = %v, want ready", got)
	}

	runs, _ := store.ListRuns(context.Background(), storage.RunFilter{})
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	r := runs[0]
	if r.Status != domain.RunComplete || r.HazardCalcID != "h-7" || r.RiskCalcID != "r-9" {
		t.Fatalf("run = %+v", r)
	}
	if want := []string{"is_forecast", "psha", "risk_poe"}; !reflect.DeepEqual(r.StagesDone, want) {
		t.Fatalf("StagesDone = %v, want %v", r.StagesDone, want)
	}
	if !r.TRun.Equal(t0.Add(time.Hour)) {
		t.Fatalf("TRun = %v", r.TRun)
	}

	want := []EventKind{EventStateChanged, EventForecastStarted, EventStageComplete, EventStageComplete, EventStageComplete, EventStateChanged, EventForecastComplete}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
}

func TestStageFailureReleasesBusy(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	boom := errors.New("model crashed")
	c, p := newCoordinator(t, store, syncStage{kind: pipeline.StageSeismicity, err: boom})

	var failed error
	c.AddListener(func(e Event) {
		if e.Kind == EventForecastFailed {
			failed = e.Err
		}
	})

	p.set(t0.Add(time.Hour))
	if got := c.State(); got != StateFailed {
		t.Fatalf("State = %v, want failed", got)
	}
	if !errors.Is(failed, boom) {
		t.Fatalf("failure event error = %v, want %v", failed, boom)
	}
	runs, _ := store.ListRuns(context.Background(), storage.RunFilter{})
	if len(runs) != 1 || runs[0].Status != domain.RunFailed || runs[0].Error == "" {
		t.Fatalf("runs = %+v", runs)
	}

	// Failed admits the next run.
	p.set(t0.Add(2 * time.Hour))
	runs, _ = store.ListRuns(context.Background(), storage.RunFilter{})
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
}

func TestInactiveIgnoresTimeChanges(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	c, _ := newCoordinator(t, store, syncStage{kind: pipeline.StageSeismicity})
	if err := c.DetachProject(); err != nil {
		t.Fatalf("DetachProject: %v", err)
	}
	if err := c.OnTimeChanged(context.Background(), t0.Add(5*time.Hour)); err != nil {
		t.Fatalf("OnTimeChanged: %v", err)
	}
	runs, _ := store.ListRuns(context.Background(), storage.RunFilter{})
	if len(runs) != 0 {
		t.Fatalf("len(runs) = %d, want 0", len(runs))
	}
}

func TestRunOnceWaitsForCompletion(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	c, _ := newCoordinator(t, store, syncStage{kind: pipeline.StageSeismicity}, syncStage{kind: pipeline.StageHazard})

	at := t0.Add(90 * time.Minute)
	run, err := c.RunOnce(context.Background(), at, WithSeriesID("s-1"), WithRunID("run-1"))
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if run.ID != "run-1" || run.SeriesID != "s-1" || run.Status != domain.RunComplete {
		t.Fatalf("run = %+v", run)
	}
	if run.NumSeismic != 1 {
		t.Fatalf("NumSeismic = %d, want 1", run.NumSeismic)
	}
	got, err := store.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.HazardCalcID != "psha-calc" {
		t.Fatalf("HazardCalcID = %q", got.HazardCalcID)
	}
}

func TestRunOnceWhileBusy(t *testing.T) {
	t.Parallel()
	stage := &heldStage{kind: pipeline.StageSeismicity}
	c, p := newCoordinator(t, storage.NewMemory(), stage)
	p.set(t0.Add(time.Hour))

	if _, err := c.RunOnce(context.Background(), t0.Add(time.Hour)); !errors.Is(err, ErrBusy) {
		t.Fatalf("RunOnce error = %v, want ErrBusy", err)
	}
	stage.release(t, pipeline.Output{})
}

func TestListenersInRegistrationOrder(t *testing.T) {
	t.Parallel()
	c, p := newCoordinator(t, storage.NewMemory(), syncStage{kind: pipeline.StageSeismicity})

	var order []string
	c.AddListener(func(e Event) {
		if e.Kind == EventForecastComplete {
			order = append(order, "first")
		}
	})
	c.AddListener(func(e Event) {
		if e.Kind == EventForecastComplete {
			order = append(order, "second")
		}
	})
	p.set(t0.Add(time.Hour))
	if want := []string{"first", "second"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

type failingSink struct{ storage.RunStore }

func (failingSink) CreateRun(context.Context, *domain.ForecastRun) error {
	return errors.New("disk full")
}

func TestPersistFailureFailsRun(t *testing.T) {
	t.Parallel()
	c, _ := newCoordinator(t, failingSink{storage.NewMemory()}, syncStage{kind: pipeline.StageSeismicity})
	if _, err := c.RunOnce(context.Background(), t0.Add(time.Hour)); err == nil {
		t.Fatal("expected persist error")
	}
	if got := c.State(); got != StateFailed {
		t.Fatalf("State = %v, want failed", got)
	}
}
