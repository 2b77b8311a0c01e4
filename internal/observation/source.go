// Package observation supplies seismic and hydraulic histories to the
// coordinator, either from storage or from remote FDSN/HYDWS services.
package observation

import (
	"context"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/storage"
)

// Source returns observations in [from, to), ordered by time. A zero from
// means unbounded.
type Source interface {
	Seismic(ctx context.Context, from, to time.Time) ([]domain.SeismicEvent, error)
	Hydraulic(ctx context.Context, from, to time.Time) ([]domain.HydraulicSample, error)
}

// StoreSource reads what was imported into storage for one project.
type StoreSource struct {
	Store   storage.ObservationStore
	Project string
}

func (s StoreSource) Seismic(ctx context.Context, from, to time.Time) ([]domain.SeismicEvent, error) {
	return s.Store.SeismicBetween(ctx, s.Project, from, to)
}

func (s StoreSource) Hydraulic(ctx context.Context, from, to time.Time) ([]domain.HydraulicSample, error) {
	return s.Store.HydraulicBetween(ctx, s.Project, from, to)
}

// Static serves fixed slices; used by tests and the simulate command when
// observations are loaded from files.
type Static struct {
	Events  []domain.SeismicEvent
	Samples []domain.HydraulicSample
}

func (s Static) Seismic(_ context.Context, from, to time.Time) ([]domain.SeismicEvent, error) {
	out := make([]domain.SeismicEvent, 0, len(s.Events))
	for _, e := range s.Events {
		if (from.IsZero() || !e.DateTime.Before(from)) && e.DateTime.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s Static) Hydraulic(_ context.Context, from, to time.Time) ([]domain.HydraulicSample, error) {
	out := make([]domain.HydraulicSample, 0, len(s.Samples))
	for _, h := range s.Samples {
		if (from.IsZero() || !h.DateTime.Before(from)) && h.DateTime.Before(to) {
			out = append(out, h)
		}
	}
	return out, nil
}
