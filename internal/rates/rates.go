// Package rates keeps the seismicity rate history of a project.
package rates

import (
	"context"
	"math"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/storage"
	logx "ramsis/pkg/logx"
)

// Estimate computes the event rate over the window ending at at. A zero
// window spans from the first event. ok is false when the window holds no
// events.
func Estimate(events []domain.SeismicEvent, at time.Time, window time.Duration) (est domain.RateEstimate, ok bool) {
	from := time.Time{}
	if window > 0 {
		from = at.Add(-window)
	}
	var mags []float64
	first := at
	for _, e := range events {
		if !e.DateTime.Before(at) || (!from.IsZero() && e.DateTime.Before(from)) {
			continue
		}
		mags = append(mags, e.Magnitude)
		if e.DateTime.Before(first) {
			first = e.DateTime
		}
	}
	if len(mags) == 0 {
		return domain.RateEstimate{}, false
	}

	span := window
	if span <= 0 {
		span = at.Sub(first)
	}
	est = domain.RateEstimate{At: at, Window: window, Count: len(mags)}
	if span > 0 {
		est.Rate = float64(len(mags)) / span.Hours()
	}
	est.BValue = akiBValue(mags)
	return est, true
}

// akiBValue is the maximum-likelihood b-value with the smallest magnitude in
// the sample as completeness.
func akiBValue(mags []float64) float64 {
	if len(mags) < 2 {
		return 0
	}
	minM, sum := mags[0], 0.0
	for _, m := range mags {
		sum += m
		if m < minM {
			minM = m
		}
	}
	mean := sum / float64(len(mags))
	if mean-minM <= 0 {
		return 0
	}
	return math.Log10(math.E) / (mean - minM)
}

// History appends rate estimates for one project.
type History struct {
	Store   storage.RateStore
	Project string
	Window  time.Duration
	Log     logx.Logger
}

// Update estimates the rate from rc and appends it. It returns nil when the
// window has no events.
func (h *History) Update(ctx context.Context, rc domain.RunContext) (*domain.RateEstimate, error) {
	est, ok := Estimate(rc.SeismicEvents, rc.TRun, h.Window)
	if !ok {
		h.Log.Debug("rate update skipped; no events in window", logx.Time("t", rc.TRun))
		return nil, nil
	}
	est.Project = h.Project
	if err := h.Store.AppendRate(ctx, est); err != nil {
		return nil, err
	}
	h.Log.Info("rate updated",
		logx.Time("t", rc.TRun),
		logx.Int("count", est.Count),
		logx.Float64("rate_per_hour", est.Rate),
		logx.Float64("b_value", est.BValue),
	)
	return &est, nil
}
