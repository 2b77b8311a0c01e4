package rates

import (
	"context"
	"math"
	"testing"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/storage"
	logx "ramsis/pkg/logx"
)

var at = time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)

func TestEstimate(t *testing.T) {
	t.Parallel()
	events := []domain.SeismicEvent{
		{DateTime: at.Add(-30 * time.Hour), Magnitude: 3},
		{DateTime: at.Add(-10 * time.Hour), Magnitude: 1},
		{DateTime: at.Add(-5 * time.Hour), Magnitude: 2},
		{DateTime: at, Magnitude: 4},
	}
	tests := []struct {
		name   string
		window time.Duration
		count  int
		rate   float64
	}{
		{name: "window", window: 24 * time.Hour, count: 2, rate: 2.0 / 24},
		{name: "unbounded", window: 0, count: 3, rate: 3.0 / 30},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			est, ok := Estimate(events, at, tt.window)
			if !ok {
				t.Fatal("expected estimate")
			}
			if est.Count != tt.count || math.Abs(est.Rate-tt.rate) > 1e-9 {
				t.Fatalf("estimate = %+v, want count %d rate %v", est, tt.count, tt.rate)
			}
		})
	}
}

func TestBValue(t *testing.T) {
	t.Parallel()
	est, _ := Estimate([]domain.SeismicEvent{
		{DateTime: at.Add(-2 * time.Hour), Magnitude: 1},
		{DateTime: at.Add(-1 * time.Hour), Magnitude: 2},
	}, at, 0)
	// mean - min = 0.5
	if want := math.Log10(math.E) / 0.5; math.Abs(est.BValue-want) > 1e-9 {
		t.Fatalf("BValue = %v, want %v", est.BValue, want)
	}
}

func TestUpdateSkipsEmptyWindow(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	h := &History{Store: st, Project: "p", Window: time.Hour, Log: logx.Nop()}

	got, err := h.Update(context.Background(), domain.RunContext{TRun: at})
	if err != nil || got != nil {
		t.Fatalf("Update(empty) = (%v, %v), want (nil, nil)", got, err)
	}
	list, _ := st.ListRates(context.Background(), "p", 0)
	if len(list) != 0 {
		t.Fatalf("rates stored for empty window: %+v", list)
	}

	rc := domain.RunContext{TRun: at, SeismicEvents: []domain.SeismicEvent{{DateTime: at.Add(-time.Minute), Magnitude: 1}}}
	if got, err := h.Update(context.Background(), rc); err != nil || got == nil || got.Project != "p" {
		t.Fatalf("Update = (%+v, %v)", got, err)
	}
	list, _ = st.ListRates(context.Background(), "p", 0)
	if len(list) != 1 {
		t.Fatalf("len(rates) = %d, want 1", len(list))
	}
}
