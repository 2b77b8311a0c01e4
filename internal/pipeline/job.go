package pipeline

import (
	"context"
	"fmt"
	"sync"

	"ramsis/internal/domain"
)

type StageState int

const (
	StatePending StageState = iota
	StateRunning
	StateComplete
	StateFailed
)

func (s StageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Hooks receive stage results. OnStageComplete may reject a result; the job
// then fails with that error. OnFailed is called once when the job fails.
type Hooks struct {
	OnStageComplete func(ctx context.Context, out Output) error
	OnFailed        func(ctx context.Context, out Output)
}

// Job executes its stages strictly in order.
type Job struct {
	stages []Stage
	hooks  Hooks

	mu     sync.Mutex
	ctx    context.Context
	states []StageState
	active int
	input  Input
	done   bool
}

func NewJob(stages []Stage, hooks Hooks) (*Job, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("job has no stages")
	}
	return &Job{
		stages: append([]Stage(nil), stages...),
		hooks:  hooks,
		states: make([]StageState, len(stages)),
		active: -1,
	}, nil
}

// Run starts the first stage.
func (j *Job) Run(ctx context.Context, in Input) error {
	j.mu.Lock()
	if j.active >= 0 {
		j.mu.Unlock()
		return fmt.Errorf("%w: job already started", ErrStageProtocol)
	}
	j.ctx = ctx
	j.input = in
	j.mu.Unlock()
	j.startNext()
	return nil
}

// States returns a copy of the per-stage states.
func (j *Job) States() []StageState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]StageState(nil), j.states...)
}

// Done reports whether the job completed or failed.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

func (j *Job) startNext() {
	j.mu.Lock()
	next := j.active + 1
	if next >= len(j.stages) || j.done {
		j.mu.Unlock()
		return
	}
	j.active = next
	j.states[next] = StateRunning
	stage := j.stages[next]
	in := j.input
	ctx := j.ctx
	j.mu.Unlock()

	stage.Start(ctx, in, func(out Output) error { return j.complete(next, out) })
}

// complete handles a stage report. A report from a stage that is not the
// active one, or a stage id that does not match, fails the job.
func (j *Job) complete(idx int, out Output) error {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return fmt.Errorf("%w: stage %q reported after job finished", ErrStageProtocol, out.StageID)
	}
	ctx := j.ctx
	if idx != j.active || j.states[idx] != StateRunning {
		j.mu.Unlock()
		err := fmt.Errorf("%w: stage %q is not active", ErrStageProtocol, out.StageID)
		j.fail(ctx, idx, Output{StageID: out.StageID, Err: err})
		return err
	}
	want := j.stages[idx].Kind()
	kind, perr := ParseStageKind(out.StageID)
	if perr == nil && kind != want {
		perr = fmt.Errorf("%w: reported %q while %q is active", ErrStageProtocol, out.StageID, want.ID())
	}
	out.Last = idx == len(j.stages)-1
	if perr == nil && out.Err == nil {
		j.states[idx] = StateComplete
	}
	j.mu.Unlock()

	if perr != nil {
		out.Err = perr
		j.fail(ctx, idx, out)
		return perr
	}
	if out.Err != nil {
		j.fail(ctx, idx, out)
		return nil
	}

	if j.hooks.OnStageComplete != nil {
		if err := j.hooks.OnStageComplete(ctx, out); err != nil {
			out.Err = err
			j.fail(ctx, idx, out)
			return err
		}
	}

	j.mu.Lock()
	switch kind {
	case StageSeismicity:
		j.input.SourceParams = completedResults(out.ModelResults)
	case StageHazard:
		j.input.HazardCalcID = out.CalcID
	case StageRisk:
	}
	if out.Last {
		j.done = true
	}
	j.mu.Unlock()

	if !out.Last {
		j.startNext()
	}
	return nil
}

func (j *Job) fail(ctx context.Context, idx int, out Output) {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	j.done = true
	if idx >= 0 && idx < len(j.states) {
		j.states[idx] = StateFailed
	}
	j.mu.Unlock()
	if j.hooks.OnFailed != nil {
		j.hooks.OnFailed(ctx, out)
	}
}

func completedResults(in []domain.ModelResult) []domain.ModelResult {
	out := make([]domain.ModelResult, 0, len(in))
	for _, r := range in {
		if r.Status == domain.RunComplete {
			out = append(out, r)
		}
	}
	return out
}
