package project

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"ramsis/internal/clock"
	"ramsis/internal/domain"
	"ramsis/internal/observation"
	logx "ramsis/pkg/logx"
)

var t0 = time.Date(2011, 10, 14, 17, 0, 0, 0, time.UTC)

func TestGatherWindow(t *testing.T) {
	t.Parallel()
	src := observation.Static{
		Events: []domain.SeismicEvent{
			{DateTime: t0.Add(-time.Hour), Magnitude: 1},
			{DateTime: t0, Magnitude: 2},
		},
		Samples: []domain.HydraulicSample{
			{DateTime: t0.Add(-time.Minute), Flow: 1},
			{DateTime: t0.Add(time.Minute), Flow: 2},
		},
	}
	plan := []domain.HydraulicSample{{DateTime: t0.Add(-time.Hour), Flow: 9}, {DateTime: t0, Flow: 3}}
	p, err := New(Config{Name: "basel", Clock: clock.NewSim(t0), Source: src, InjectionPlan: plan}, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rc, err := p.Gather(context.Background(), t0)
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	if len(rc.SeismicEvents) != 1 || rc.SeismicEvents[0].Magnitude != 1 {
		t.Fatalf("SeismicEvents = %+v, want only the event strictly before t", rc.SeismicEvents)
	}
	if len(rc.HydraulicEvents) != 1 || rc.HydraulicEvents[0].Flow != 1 {
		t.Fatalf("HydraulicEvents = %+v", rc.HydraulicEvents)
	}
	if len(rc.InjectionPlan) != 1 || rc.InjectionPlan[0].Flow != 3 {
		t.Fatalf("InjectionPlan = %+v", rc.InjectionPlan)
	}
}

type failingSource struct{ observation.Static }

func (failingSource) Seismic(context.Context, time.Time, time.Time) ([]domain.SeismicEvent, error) {
	return nil, errors.New("catalog unavailable")
}

func TestGatherPropagatesErrors(t *testing.T) {
	t.Parallel()
	p, _ := New(Config{Name: "p", Source: failingSource{}}, logx.Nop())
	if _, err := p.Gather(context.Background(), t0); err == nil {
		t.Fatal("expected gather error")
	}
}

func TestSimClockNotifiesInOrder(t *testing.T) {
	t.Parallel()
	sim := clock.NewSim(t0)
	p, _ := New(Config{Name: "p", Clock: sim, Source: observation.Static{}}, logx.Nop())
	defer p.Close()

	var got []string
	p.OnTimeChanged(func(time.Time) { got = append(got, "first") })
	unsub := p.OnTimeChanged(func(time.Time) { got = append(got, "second") })

	sim.Advance(time.Minute)
	unsub()
	sim.Advance(time.Minute)

	if want := []string{"first", "second", "first"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	if !p.ProjectTime().Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("ProjectTime = %v", p.ProjectTime())
	}
}

func TestNewRequiresNameAndSource(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Source: observation.Static{}}, logx.Nop()); err == nil {
		t.Fatal("expected error without name")
	}
	if _, err := New(Config{Name: "p"}, logx.Nop()); err == nil {
		t.Fatal("expected error without source")
	}
}
