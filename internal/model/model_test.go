package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/task/engine"
)

var tRun = time.Date(2011, 10, 14, 17, 23, 0, 0, time.UTC)

func TestPoissonRate(t *testing.T) {
	t.Parallel()
	inv, err := NewBuiltin("poisson", "", map[string]float64{"window_hours": 10})
	if err != nil {
		t.Fatalf("NewBuiltin error: %v", err)
	}
	req := Request{
		Stage:          "is_forecast",
		TRun:           tRun,
		BinSize:        3600,
		Bins:           2,
		MagnitudeRange: domain.MagnitudeRange{Min: 1, Max: 3},
		Seismic: []domain.SeismicEvent{
			{DateTime: tRun.Add(-11 * time.Hour), Magnitude: 2},   // outside window
			{DateTime: tRun.Add(-5 * time.Hour), Magnitude: 0.5},  // below mc
			{DateTime: tRun.Add(-2 * time.Hour), Magnitude: 1.2},
			{DateTime: tRun.Add(-1 * time.Hour), Magnitude: 1.5},
		},
	}
	resp, err := inv.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if len(resp.Rates) != 2 {
		t.Fatalf("len(Rates) = %d, want 2", len(resp.Rates))
	}
	if got, want := resp.Rates[0].Rate.Value, 0.2; math.Abs(got-want) > 1e-9 {
		t.Fatalf("Rate = %v, want %v", got, want)
	}
	if !resp.Rates[1].Start.Equal(tRun.Add(time.Hour)) {
		t.Fatalf("second bin start = %v", resp.Rates[1].Start)
	}
	if p := resp.Rates[0].Probability; p <= 0 || p >= 1 {
		t.Fatalf("Probability = %v, want in (0,1)", p)
	}
}

func TestSeismogenicIndexUsesPlan(t *testing.T) {
	t.Parallel()
	inv, err := NewBuiltin("si", BuiltinSeismogenicIndex, map[string]float64{"sigma": 0, "b": 1})
	if err != nil {
		t.Fatalf("NewBuiltin error: %v", err)
	}
	req := Request{
		TRun:           tRun,
		BinSize:        100,
		Bins:           1,
		MagnitudeRange: domain.MagnitudeRange{Min: 1},
		InjectionPlan: []domain.HydraulicSample{
			{DateTime: tRun, Flow: 0.5},
			{DateTime: tRun.Add(50 * time.Second), Flow: 1},
		},
	}
	resp, err := inv.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	// V = 0.5*50 + 1*50 = 75; N = 75 * 10^(0-1)
	if got := resp.Rates[0].Rate.Value; math.Abs(got-7.5) > 1e-9 {
		t.Fatalf("Rate = %v, want 7.5", got)
	}
}

func TestSeismogenicIndexWithoutDataFailsPermanently(t *testing.T) {
	t.Parallel()
	inv, _ := NewBuiltin("si", BuiltinSeismogenicIndex, nil)
	_, err := inv.Invoke(context.Background(), Request{TRun: tRun})
	if !errors.Is(err, ErrModelFailed) {
		t.Fatalf("err = %v, want ErrModelFailed", err)
	}
	if !engine.IsNoRetry(err) {
		t.Fatal("structured failure should not be retried")
	}
}

func TestNoopCalcDeterministic(t *testing.T) {
	t.Parallel()
	inv, _ := NewBuiltin("hazard", BuiltinNoop, nil)
	req := Request{Stage: "psha", RunID: "r1", TRun: tRun, SourceParams: []domain.ModelResult{{Model: "poisson"}}}
	a, err := inv.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	b, _ := inv.Invoke(context.Background(), req)
	if a.CalcID == "" || a.CalcID != b.CalcID {
		t.Fatalf("CalcID not deterministic: %q vs %q", a.CalcID, b.CalcID)
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	t.Parallel()
	tests := []Spec{
		{Name: "a", Kind: "grpc"},
		{Name: "b", Kind: "builtin", Builtin: "etas"},
	}
	for _, spec := range tests {
		if _, err := New(spec); err == nil {
			t.Fatalf("New(%+v) expected error", spec)
		}
	}
}

func TestHTTPInvoker(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		permanent bool
	}{
		{name: "ok", status: 200, body: `{"status":"ok","rates":[{"start":"2011-10-14T17:23:00Z","end":"2011-10-14T18:23:00Z","rate":{"value":1.5},"min_magnitude":1}]}`},
		{name: "structured failure", status: 200, body: `{"status":"error","reason":"diverged"}`, wantErr: true, permanent: true},
		{name: "bad request", status: 400, body: `{"detail":"bad"}`, wantErr: true, permanent: true},
		{name: "unavailable", status: 503, body: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req Request
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model != "remote" {
					w.WriteHeader(http.StatusUnprocessableEntity)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			inv := NewHTTP("remote", srv.URL, time.Second, nil)
			resp, err := inv.Invoke(context.Background(), Request{Stage: "is_forecast", TRun: tRun})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if engine.IsNoRetry(err) != tt.permanent {
					t.Fatalf("IsNoRetry = %v, want %v (%v)", engine.IsNoRetry(err), tt.permanent, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Invoke error: %v", err)
			}
			if len(resp.Rates) != 1 || resp.Rates[0].Rate.Value != 1.5 {
				t.Fatalf("unexpected rates: %+v", resp.Rates)
			}
		})
	}
}

func TestExecInvoker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	t.Parallel()
	inv := NewExec("script", []string{"sh", "-c", `cat >/dev/null; echo '{"status":"ok","calc_id":"c-1"}'`}, nil)
	resp, err := inv.Invoke(context.Background(), Request{Stage: "psha"})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if resp.CalcID != "c-1" {
		t.Fatalf("CalcID = %q, want c-1", resp.CalcID)
	}

	failing := NewExec("script", []string{"sh", "-c", "cat >/dev/null; echo boom >&2; exit 3"}, nil)
	if _, err := failing.Invoke(context.Background(), Request{}); err == nil || engine.IsNoRetry(err) {
		t.Fatalf("non-zero exit should be a retryable error, got %v", err)
	}
}
