package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/model"
	"ramsis/internal/task/engine"
	logx "ramsis/pkg/logx"
)

// Runner is the job runner stages delegate their work to.
type Runner interface {
	Enqueue(t engine.Task) error
}

func request(kind StageKind, in Input) model.Request {
	return model.Request{
		Stage:          kind.ID(),
		RunID:          in.RunID,
		Project:        in.Project,
		TRun:           in.Context.TRun,
		BinSize:        in.BinSize.Seconds(),
		Bins:           in.Bins,
		MagnitudeRange: in.MagnitudeRange,
		Seismic:        in.Context.SeismicEvents,
		Hydraulic:      in.Context.HydraulicEvents,
		InjectionPlan:  in.Context.InjectionPlan,
		SourceParams:   in.SourceParams,
		HazardCalcID:   in.HazardCalcID,
	}
}

func taskOptions() engine.TaskOptions {
	// Concurrent runs of the same stage kind are dropped, not queued.
	return engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}
}

// SeismicityStage runs every configured forecast model. A model that
// reports a structured failure is recorded as failed; the stage fails only
// when no model completes.
type SeismicityStage struct {
	Runner  Runner
	Models  []model.Invoker
	Timeout time.Duration
	Log     logx.Logger
}

func (s *SeismicityStage) Kind() StageKind { return StageSeismicity }

func (s *SeismicityStage) Start(_ context.Context, in Input, done Completion) {
	id := StageSeismicity.ID()
	if len(s.Models) == 0 {
		report(s.Log, done, Output{StageID: id, Err: errors.New("no seismicity models configured")})
		return
	}

	req := request(StageSeismicity, in)
	var mu sync.Mutex
	results := make([]*domain.ModelResult, len(s.Models))

	run := func(ctx context.Context) error {
		var transient error
		for i, inv := range s.Models {
			mu.Lock()
			have := results[i] != nil
			mu.Unlock()
			if have {
				continue
			}
			resp, err := inv.Invoke(ctx, req)
			var res *domain.ModelResult
			switch {
			case err == nil:
				res = &domain.ModelResult{Model: inv.Name(), Status: domain.RunComplete, Rates: resp.Rates}
			case engine.IsNoRetry(err):
				s.Log.Warn("model failed", logx.String("model", inv.Name()), logx.Err(err))
				res = &domain.ModelResult{Model: inv.Name(), Status: domain.RunFailed, Reason: err.Error()}
			default:
				transient = errors.Join(transient, err)
				continue
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
		}
		return transient
	}

	finish := func(r engine.Result) {
		mu.Lock()
		out := make([]domain.ModelResult, 0, len(results))
		completed := 0
		for i, res := range results {
			if res == nil {
				reason := "not run"
				if r.Err != nil {
					reason = r.Err.Error()
				}
				res = &domain.ModelResult{Model: s.Models[i].Name(), Status: domain.RunFailed, Reason: reason}
			}
			if res.Status == domain.RunComplete {
				completed++
			}
			out = append(out, *res)
		}
		mu.Unlock()

		o := Output{StageID: id, ModelResults: out}
		if completed == 0 {
			o.Err = fmt.Errorf("all %d models failed", len(out))
			if r.Err != nil {
				o.Err = fmt.Errorf("all %d models failed: %w", len(out), r.Err)
			}
		}
		report(s.Log, done, o)
	}

	enqueue(s.Runner, s.Log, in, StageSeismicity, s.Timeout, run, finish, done)
}

// CalcStage runs a hazard or risk calculator and reports its calc id.
type CalcStage struct {
	StageKind StageKind
	Runner    Runner
	Calc      model.Invoker
	Timeout   time.Duration
	Log       logx.Logger
}

func (s *CalcStage) Kind() StageKind { return s.StageKind }

func (s *CalcStage) Start(_ context.Context, in Input, done Completion) {
	id := s.StageKind.ID()
	if s.Calc == nil {
		report(s.Log, done, Output{StageID: id, Err: fmt.Errorf("no calculator configured for %s", id)})
		return
	}
	if s.StageKind == StageRisk && in.HazardCalcID == "" {
		report(s.Log, done, Output{StageID: id, Err: errors.New("risk stage requires a hazard calc id")})
		return
	}

	req := request(s.StageKind, in)
	var calcID string
	run := func(ctx context.Context) error {
		resp, err := s.Calc.Invoke(ctx, req)
		if err != nil {
			return err
		}
		if resp.CalcID == "" {
			return engine.NoRetry(fmt.Errorf("%s: calculator %s returned no calc id", id, s.Calc.Name()))
		}
		calcID = resp.CalcID
		return nil
	}
	finish := func(r engine.Result) {
		report(s.Log, done, Output{StageID: id, CalcID: calcID, Err: r.Err})
	}

	enqueue(s.Runner, s.Log, in, s.StageKind, s.Timeout, run, finish, done)
}

func enqueue(r Runner, log logx.Logger, in Input, kind StageKind, timeout time.Duration, run func(context.Context) error, finish func(engine.Result), done Completion) {
	err := r.Enqueue(engine.Task{
		ID:      in.RunID + "/" + kind.ID(),
		Name:    "stage." + kind.ID(),
		Key:     "stage:" + kind.ID(),
		Timeout: timeout,
		Run:     run,
		Done:    finish,
		Opt:     taskOptions(),
	})
	if err != nil {
		if errors.Is(err, engine.ErrOverlapSkip) {
			log.Warn("stage already running elsewhere; dropped", logx.String("stage", kind.ID()), logx.String("run", in.RunID))
		}
		report(log, done, Output{StageID: kind.ID(), Err: fmt.Errorf("enqueue %s: %w", kind.ID(), err)})
	}
}

func report(log logx.Logger, done Completion, out Output) {
	if err := done(out); err != nil {
		log.Error("stage completion rejected", logx.String("stage", out.StageID), logx.Err(err))
	}
}

// BuildStages constructs the engine-backed stages for kinds, in order.
func BuildStages(kinds []StageKind, r Runner, models []model.Invoker, hazard, risk model.Invoker, timeout time.Duration, log logx.Logger) ([]Stage, error) {
	out := make([]Stage, 0, len(kinds))
	for _, k := range kinds {
		switch k {
		case StageSeismicity:
			out = append(out, &SeismicityStage{Runner: r, Models: models, Timeout: timeout, Log: log})
		case StageHazard:
			out = append(out, &CalcStage{StageKind: k, Runner: r, Calc: hazard, Timeout: timeout, Log: log})
		case StageRisk:
			out = append(out, &CalcStage{StageKind: k, Runner: r, Calc: risk, Timeout: timeout, Log: log})
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnknownStage, k)
		}
	}
	return out, nil
}
