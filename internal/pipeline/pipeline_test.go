package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/model"
	"ramsis/internal/task/engine"
	logx "ramsis/pkg/logx"
)

// syncStage completes inside Start, like a stage that runs in-process.
type syncStage struct {
	kind   StageKind
	report string
	out    Output
	seen   *[]Input
}

func (s *syncStage) Kind() StageKind { return s.kind }

func (s *syncStage) Start(_ context.Context, in Input, done Completion) {
	if s.seen != nil {
		*s.seen = append(*s.seen, in)
	}
	out := s.out
	out.StageID = s.kind.ID()
	if s.report != "" {
		out.StageID = s.report
	}
	_ = done(out)
}

func TestParseStageKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id   string
		want StageKind
	}{
		{id: "is_forecast", want: StageSeismicity},
		{id: "psha", want: StageHazard},
		{id: " RISK_POE ", want: StageRisk},
	}
	for _, tt := range tests {
		got, err := ParseStageKind(tt.id)
		if err != nil {
			t.Fatalf("ParseStageKind(%q) error: %v", tt.id, err)
		}
		if got != tt.want {
			t.Fatalf("ParseStageKind(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
	if _, err := ParseStageKind("etas"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	if _, err := ParseStageKinds([]string{"psha", "psha"}); err == nil {
		t.Fatal("expected duplicate stage error")
	}
}

func TestJobRunsStagesInOrder(t *testing.T) {
	t.Parallel()
	var seen []Input
	stages := []Stage{
		&syncStage{kind: StageSeismicity, seen: &seen, out: Output{ModelResults: []domain.ModelResult{
			{Model: "a", Status: domain.RunComplete},
			{Model: "b", Status: domain.RunFailed},
		}}},
		&syncStage{kind: StageHazard, seen: &seen, out: Output{CalcID: "h-1"}},
		&syncStage{kind: StageRisk, seen: &seen, out: Output{CalcID: "r-1"}},
	}

	var got []string
	var last []bool
	job, err := NewJob(stages, Hooks{
		OnStageComplete: func(_ context.Context, out Output) error {
			got = append(got, out.StageID)
			last = append(last, out.Last)
			return nil
		},
		OnFailed: func(context.Context, Output) { t.Fatal("unexpected failure") },
	})
	if err != nil {
		t.Fatalf("NewJob error: %v", err)
	}
	if err := job.Run(context.Background(), Input{RunID: "r"}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if want := []string{"is_forecast", "psha", "risk_poe"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("stage order = %v, want %v", got, want)
	}
	if want := []bool{false, false, true}; !reflect.DeepEqual(last, want) {
		t.Fatalf("Last flags = %v, want %v", last, want)
	}
	if !job.Done() {
		t.Fatal("job should be done")
	}
	if len(seen[1].SourceParams) != 1 || seen[1].SourceParams[0].Model != "a" {
		t.Fatalf("hazard SourceParams = %+v, want only completed model a", seen[1].SourceParams)
	}
	if seen[2].HazardCalcID != "h-1" {
		t.Fatalf("risk HazardCalcID = %q, want h-1", seen[2].HazardCalcID)
	}
}

func TestJobRejectsMismatchedStageID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		report string
	}{
		{name: "unknown id", report: "oq_hazard"},
		{name: "wrong stage", report: "risk_poe"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var failed Output
			calls := 0
			job, _ := NewJob([]Stage{&syncStage{kind: StageSeismicity, report: tt.report}}, Hooks{
				OnStageComplete: func(context.Context, Output) error { calls++; return nil },
				OnFailed:        func(_ context.Context, out Output) { failed = out },
			})
			_ = job.Run(context.Background(), Input{})
			if calls != 0 {
				t.Fatalf("OnStageComplete called %d times, want 0", calls)
			}
			if failed.Err == nil {
				t.Fatal("expected job failure")
			}
			if !errors.Is(failed.Err, ErrStageProtocol) && !errors.Is(failed.Err, ErrUnknownStage) {
				t.Fatalf("failure = %v, want protocol error", failed.Err)
			}
			if st := job.States(); st[0] != StateFailed {
				t.Fatalf("state = %v, want failed", st[0])
			}
		})
	}
}

func TestJobStopsOnStageError(t *testing.T) {
	t.Parallel()
	started := 0
	stages := []Stage{
		&syncStage{kind: StageSeismicity, out: Output{Err: errors.New("models diverged")}},
		&syncStage{kind: StageHazard, seen: &[]Input{}},
	}
	var failures int
	job, _ := NewJob(stages, Hooks{
		OnStageComplete: func(context.Context, Output) error { started++; return nil },
		OnFailed:        func(context.Context, Output) { failures++ },
	})
	_ = job.Run(context.Background(), Input{})
	if started != 0 || failures != 1 {
		t.Fatalf("completions=%d failures=%d, want 0 and 1", started, failures)
	}
	if st := job.States(); st[1] != StatePending {
		t.Fatalf("hazard state = %v, want pending", st[1])
	}
}

func TestDuplicateCompletionIsRejected(t *testing.T) {
	t.Parallel()
	var done Completion
	stage := &captureStage{kind: StageSeismicity, capture: func(c Completion) { done = c }}
	job, _ := NewJob([]Stage{stage}, Hooks{})
	_ = job.Run(context.Background(), Input{})

	if err := done(Output{StageID: "is_forecast"}); err != nil {
		t.Fatalf("first completion error: %v", err)
	}
	if err := done(Output{StageID: "is_forecast"}); !errors.Is(err, ErrStageProtocol) {
		t.Fatalf("second completion error = %v, want ErrStageProtocol", err)
	}
}

type captureStage struct {
	kind    StageKind
	capture func(Completion)
}

func (s *captureStage) Kind() StageKind                               { return s.kind }
func (s *captureStage) Start(_ context.Context, _ Input, d Completion) { s.capture(d) }

func TestEngineStagesEndToEnd(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Workers: 1, RetryBase: time.Millisecond}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	poisson, _ := model.NewBuiltin("poisson", model.BuiltinPoisson, nil)
	noop, _ := model.NewBuiltin("noop", model.BuiltinNoop, nil)
	stages, err := BuildStages([]StageKind{StageSeismicity, StageHazard, StageRisk}, eng, []model.Invoker{poisson}, noop, noop, time.Second, logx.Nop())
	if err != nil {
		t.Fatalf("BuildStages error: %v", err)
	}

	outs := make(chan Output, 3)
	finished := make(chan struct{})
	job, _ := NewJob(stages, Hooks{
		OnStageComplete: func(_ context.Context, out Output) error {
			outs <- out
			if out.Last {
				close(finished)
			}
			return nil
		},
		OnFailed: func(_ context.Context, out Output) { t.Errorf("job failed: %v", out.Err) },
	})
	tRun := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = job.Run(context.Background(), Input{RunID: "run-1", Context: domain.RunContext{TRun: tRun}, BinSize: time.Hour, Bins: 1})

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for job")
	}
	close(outs)
	var ids []string
	for o := range outs {
		ids = append(ids, o.StageID)
		if o.StageID != "is_forecast" && o.CalcID == "" {
			t.Fatalf("stage %s reported no calc id", o.StageID)
		}
	}
	if want := []string{"is_forecast", "psha", "risk_poe"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("stage order = %v, want %v", ids, want)
	}
}

func TestSeismicityStageAllModelsFail(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	si, _ := model.NewBuiltin("si", model.BuiltinSeismogenicIndex, nil)
	stage := &SeismicityStage{Runner: eng, Models: []model.Invoker{si}, Log: logx.Nop()}

	got := make(chan Output, 1)
	stage.Start(context.Background(), Input{RunID: "x"}, func(o Output) error { got <- o; return nil })
	select {
	case o := <-got:
		if o.Err == nil {
			t.Fatal("expected stage error when every model fails")
		}
		if len(o.ModelResults) != 1 || o.ModelResults[0].Status != domain.RunFailed {
			t.Fatalf("ModelResults = %+v", o.ModelResults)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}
