package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ramsis/internal/coordinator"
	"ramsis/internal/domain"
	"ramsis/internal/eventbus"
	logx "ramsis/pkg/logx"
)

// DefaultEvents are forwarded when no event filter is configured.
var DefaultEvents = []string{eventbus.TypeForecastComplete, eventbus.TypeForecastFailed}

// Forward turns bus events into notifications for to until ctx ends.
func Forward(ctx context.Context, bus eventbus.Bus, svc *Service, to Target, types []string, log logx.Logger) {
	if len(types) == 0 {
		types = DefaultEvents
	}
	ch, unsub := bus.Subscribe(64, types...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n, ok := Format(ev)
			if !ok {
				continue
			}
			n.Target = to
			if err := svc.Notify(ctx, n); err != nil && ctx.Err() == nil {
				log.Debug("notification not queued", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// Format renders a bus event. ok is false for events without a message.
func Format(ev eventbus.Event) (Notification, bool) {
	switch d := ev.Data.(type) {
	case coordinator.Event:
		return formatCoordinator(d)
	case *domain.ForecastSeries:
		switch ev.Type {
		case eventbus.TypeSeriesCatchup:
			return Notification{Priority: 3, Text: fmt.Sprintf("Catch-up started for series %s", d.Name)}, true
		case eventbus.TypeSeriesScheduled:
			if d.ScheduleID == "" {
				return Notification{Priority: 3, Text: fmt.Sprintf("Series %s has no future schedule", d.Name)}, true
			}
			return Notification{Priority: 3, Text: fmt.Sprintf("Series %s scheduled (active=%t)", d.Name, d.ScheduleActive != nil && *d.ScheduleActive)}, true
		}
	}
	return Notification{}, false
}

func formatCoordinator(e coordinator.Event) (Notification, bool) {
	switch e.Kind {
	case coordinator.EventForecastComplete:
		var b strings.Builder
		fmt.Fprintf(&b, "Forecast complete: %s\nt_run %s\nrun %s", e.Project, stamp(e.Run.TRun), shortID(e.Run.ID))
		if len(e.Run.StagesDone) > 0 {
			fmt.Fprintf(&b, "\nstages %s", strings.Join(e.Run.StagesDone, ", "))
		}
		for _, m := range e.Run.ISForecastResult {
			fmt.Fprintf(&b, "\n%s: %s", m.Model, m.Status)
		}
		return Notification{Priority: 5, Text: b.String()}, true
	case coordinator.EventForecastFailed:
		msg := "unknown error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return Notification{Priority: 8, Text: fmt.Sprintf("Forecast failed: %s\nt_run %s\nrun %s\n%s", e.Project, stamp(e.Run.TRun), shortID(e.Run.ID), msg)}, true
	case coordinator.EventForecastSkipped:
		return Notification{Priority: 6, Text: fmt.Sprintf("Forecast at %s skipped: a run is in flight", stamp(e.Time))}, true
	case coordinator.EventStateChanged:
		return Notification{Priority: 1, Text: fmt.Sprintf("Coordinator %s: %s -> %s", e.Project, e.From, e.To)}, true
	case coordinator.EventRatesUpdated:
		if e.Rate == nil {
			return Notification{}, false
		}
		return Notification{Priority: 1, Text: fmt.Sprintf("Rate %s: %.3f/h over %s (%d events)", e.Rate.Project, e.Rate.Rate, e.Rate.Window, e.Rate.Count)}, true
	default:
		return Notification{}, false
	}
}

func stamp(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 MST") }

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
