package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ramsis/internal/domain"
	logx "ramsis/pkg/logx"
)

var base = time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "ramsis.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestRunSnapshots(t *testing.T) {
	t.Parallel()
	for name, st := range openBoth(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := &domain.ForecastRun{ID: "r1", Project: "p", TRun: base, Status: domain.RunRunning}
			if err := st.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			run.HazardCalcID = "h-1"
			run.Status = domain.RunComplete
			if err := st.UpdateRun(ctx, run); err != nil {
				t.Fatalf("UpdateRun: %v", err)
			}
			run.RiskCalcID = "mutated after persist"

			got, err := st.GetRun(ctx, "r1")
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if got.HazardCalcID != "h-1" || got.Status != domain.RunComplete || got.RiskCalcID != "" {
				t.Fatalf("unexpected snapshot: %+v", got)
			}
			if _, err := st.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetRun(missing) err = %v, want ErrNotFound", err)
			}

			_ = st.CreateRun(ctx, &domain.ForecastRun{ID: "r2", Project: "p", SeriesID: "s", TRun: base.Add(time.Hour)})
			all, _ := st.ListRuns(ctx, RunFilter{Project: "p"})
			if len(all) != 2 || all[0].ID != "r2" {
				t.Fatalf("ListRuns order = %+v", all)
			}
			bySeries, _ := st.ListRuns(ctx, RunFilter{SeriesID: "s"})
			if len(bySeries) != 1 {
				t.Fatalf("ListRuns(series) = %d, want 1", len(bySeries))
			}
		})
	}
}

func TestClaimForecastFirstWins(t *testing.T) {
	t.Parallel()
	for name, st := range openBoth(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, id, err := st.ClaimForecast(ctx, "s1", base, "run-a")
			if err != nil || !ok || id != "run-a" {
				t.Fatalf("first claim = (%v, %q, %v)", ok, id, err)
			}
			ok, id, err = st.ClaimForecast(ctx, "s1", base, "run-b")
			if err != nil || ok || id != "run-a" {
				t.Fatalf("second claim = (%v, %q, %v), want (false, run-a, nil)", ok, id, err)
			}
			ok, _, _ = st.ClaimForecast(ctx, "s1", base.Add(time.Hour), "run-c")
			if !ok {
				t.Fatal("different start should be claimable")
			}

			if err := st.ReleaseClaim(ctx, "s1", base, "run-b"); err != nil {
				t.Fatalf("ReleaseClaim(other run): %v", err)
			}
			if ok, _, _ = st.ClaimForecast(ctx, "s1", base, "run-d"); ok {
				t.Fatal("claim released by a non-owner")
			}
			if err := st.ReleaseClaim(ctx, "s1", base, "run-a"); err != nil {
				t.Fatalf("ReleaseClaim: %v", err)
			}
			if ok, id, _ := st.ClaimForecast(ctx, "s1", base, "run-e"); !ok || id != "run-e" {
				t.Fatalf("reclaim after release = (%v, %q)", ok, id)
			}
		})
	}
}

func TestObservationsDedupAndRange(t *testing.T) {
	t.Parallel()
	for name, st := range openBoth(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			events := []domain.SeismicEvent{
				{DateTime: base.Add(2 * time.Hour), Magnitude: 1.1, PublicID: "b"},
				{DateTime: base, Magnitude: 0.8, PublicID: "a"},
				{DateTime: base.Add(4 * time.Hour), Magnitude: 2.0, PublicID: "c"},
			}
			n, err := st.AddSeismic(ctx, "p", events)
			if err != nil || n != 3 {
				t.Fatalf("AddSeismic = (%d, %v)", n, err)
			}
			n, _ = st.AddSeismic(ctx, "p", events[:1])
			if n != 0 {
				t.Fatalf("duplicate AddSeismic added %d", n)
			}

			got, err := st.SeismicBetween(ctx, "p", time.Time{}, base.Add(4*time.Hour))
			if err != nil {
				t.Fatalf("SeismicBetween: %v", err)
			}
			if len(got) != 2 || got[0].PublicID != "a" || got[1].PublicID != "b" {
				t.Fatalf("SeismicBetween = %+v", got)
			}

			_, _ = st.AddHydraulic(ctx, "p", []domain.HydraulicSample{{DateTime: base, Flow: 1}, {DateTime: base.Add(time.Hour), Flow: 2}})
			h, _ := st.HydraulicBetween(ctx, "p", base.Add(time.Minute), base.Add(2*time.Hour))
			if len(h) != 1 || h[0].Flow != 2 {
				t.Fatalf("HydraulicBetween = %+v", h)
			}
		})
	}
}

func TestSeriesCRUD(t *testing.T) {
	t.Parallel()
	for name, st := range openBoth(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := &domain.ForecastSeries{ID: "id-1", Name: "weekly", ScheduleStart: domain.TimePtr(base), ScheduleInterval: time.Hour}
			if err := st.PutSeries(ctx, s); err != nil {
				t.Fatalf("PutSeries: %v", err)
			}
			got, err := st.GetSeries(ctx, "weekly")
			if err != nil {
				t.Fatalf("GetSeries by name: %v", err)
			}
			if got.ID != "id-1" || got.ScheduleInterval != time.Hour || !got.ScheduleStart.Equal(base) {
				t.Fatalf("GetSeries = %+v", got)
			}
			if err := st.DeleteSeries(ctx, "id-1"); err != nil {
				t.Fatalf("DeleteSeries: %v", err)
			}
			if err := st.DeleteSeries(ctx, "id-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second DeleteSeries err = %v", err)
			}
		})
	}
}

func TestRatesKeepLatest(t *testing.T) {
	t.Parallel()
	for name, st := range openBoth(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				_ = st.AppendRate(ctx, domain.RateEstimate{Project: "p", At: base.Add(time.Duration(i) * time.Hour), Count: i})
			}
			got, _ := st.ListRates(ctx, "p", 2)
			if len(got) != 2 || got[0].Count != 3 || got[1].Count != 4 {
				t.Fatalf("ListRates = %+v", got)
			}
		})
	}
}
