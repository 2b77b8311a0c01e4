package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ramsis/internal/coordinator"
	"ramsis/internal/domain"
	"ramsis/internal/eventbus"
	logx "ramsis/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	ch    chan string
}

func newFakeSender(fails int) *fakeSender {
	return &fakeSender{fails: fails, ch: make(chan string, 16)}
}

func (f *fakeSender) Send(_ context.Context, _ Target, text string) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("telegram 502")
	}
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	select {
	case f.ch <- text:
	default:
	}
	return nil
}

func (f *fakeSender) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a send")
	}
	return ""
}

func startService(t *testing.T, cfg Config, s Sender) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	svc := New(cfg, s, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func TestNotifyRetriesAndPrefixes(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(2)
	svc := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sender)

	if err := svc.Notify(context.Background(), Notification{Priority: 8, Text: "Forecast failed"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := sender.wait(t)
	if !strings.HasSuffix(got, "Forecast failed") || got == "Forecast failed" {
		t.Fatalf("sent %q, want prefixed text", got)
	}
	if h := svc.Snapshot(); len(h) != 1 {
		t.Fatalf("history = %d, want 1", len(h))
	}
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(0)
	svc := startService(t, Config{DedupWindow: time.Minute}, sender)

	n := Notification{Target: Target{ChatID: 7}, Text: "same"}
	for i := 0; i < 3; i++ {
		if err := svc.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify #%d: %v", i, err)
		}
	}
	_ = svc.Notify(context.Background(), Notification{Target: Target{ChatID: 7}, Text: "other"})
	sender.wait(t)
	sender.wait(t)
	select {
	case extra := <-sender.ch:
		t.Fatalf("unexpected extra send %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, newFakeSender(0), logx.Nop(), nil)
	if err := off.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify error = %v, want ErrDisabled", err)
	}

	on := New(Config{Enabled: true}, newFakeSender(0), logx.Nop(), nil)
	if err := on.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started Notify error = %v, want ErrStopped", err)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	run := &domain.ForecastRun{
		ID:         "0123456789abcdef",
		TRun:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		StagesDone: []string{"is_forecast", "psha"},
		ISForecastResult: []domain.ModelResult{
			{Model: "poisson", Status: domain.RunComplete},
		},
	}
	tests := []struct {
		name     string
		ev       eventbus.Event
		ok       bool
		priority int
		contains string
	}{
		{
			name:     "complete",
			ev:       eventbus.Event{Data: coordinator.Event{Kind: coordinator.EventForecastComplete, Project: "bedretto", Run: run}},
			ok:       true,
			priority: 5,
			contains: "stages is_forecast, psha",
		},
		{
			name:     "failed",
			ev:       eventbus.Event{Data: coordinator.Event{Kind: coordinator.EventForecastFailed, Project: "bedretto", Run: run, Err: errors.New("model timeout")}},
			ok:       true,
			priority: 8,
			contains: "model timeout",
		},
		{
			name:     "series without schedule",
			ev:       eventbus.Event{Type: eventbus.TypeSeriesScheduled, Data: &domain.ForecastSeries{Name: "hourly"}},
			ok:       true,
			priority: 3,
			contains: "no future schedule",
		},
		{
			name: "stage complete is silent",
			ev:   eventbus.Event{Data: coordinator.Event{Kind: coordinator.EventStageComplete, Run: run}},
		},
		{
			name: "foreign payload",
			ev:   eventbus.Event{Data: "hello"},
		},
	}
	for _, tt := range tests {
		n, ok := Format(tt.ev)
		if ok != tt.ok {
			t.Fatalf("%s: ok = %v, want %v", tt.name, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if n.Priority != tt.priority {
			t.Fatalf("%s: priority = %d, want %d", tt.name, n.Priority, tt.priority)
		}
		if !strings.Contains(n.Text, tt.contains) {
			t.Fatalf("%s: text %q does not contain %q", tt.name, n.Text, tt.contains)
		}
	}
}

func TestForwardSendsForecastEvents(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(0)
	svc := startService(t, Config{}, sender)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() {
		close(ready)
		Forward(ctx, bus, svc, Target{ChatID: 1}, nil, logx.Nop())
	}()
	<-ready

	run := &domain.ForecastRun{ID: "run-1", TRun: time.Now()}
	deadline := time.After(3 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeForecastComplete, Data: coordinator.Event{Kind: coordinator.EventForecastComplete, Project: "p", Run: run}})
		select {
		case got := <-sender.ch:
			if !strings.Contains(got, "Forecast complete: p") {
				t.Fatalf("sent %q", got)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no notification forwarded")
		}
	}
}
