package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ramsis/internal/domain"
)

type claimKey struct {
	series string
	start  int64
}

type seismicKey struct {
	at        int64
	magnitude float64
	publicID  string
}

// Memory is a process-local Store. Every read and write copies, so callers
// never share state with it.
type Memory struct {
	mu        sync.Mutex
	runs      map[string]*domain.ForecastRun
	rates     map[string][]domain.RateEstimate
	series    map[string]*domain.ForecastSeries
	claims    map[claimKey]string
	seismic   map[string]map[seismicKey]domain.SeismicEvent
	hydraulic map[string]map[int64]domain.HydraulicSample
}

func NewMemory() *Memory {
	return &Memory{
		runs:      map[string]*domain.ForecastRun{},
		rates:     map[string][]domain.RateEstimate{},
		series:    map[string]*domain.ForecastSeries{},
		claims:    map[claimKey]string{},
		seismic:   map[string]map[seismicKey]domain.SeismicEvent{},
		hydraulic: map[string]map[int64]domain.HydraulicSample{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateRun(ctx context.Context, r *domain.ForecastRun) error {
	return m.putRun(r)
}

func (m *Memory) UpdateRun(ctx context.Context, r *domain.ForecastRun) error {
	return m.putRun(r)
}

func (m *Memory) putRun(r *domain.ForecastRun) error {
	if r == nil || r.ID == "" {
		return errors.New("run id is required")
	}
	m.mu.Lock()
	m.runs[r.ID] = r.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*domain.ForecastRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *Memory) ListRuns(ctx context.Context, f RunFilter) ([]*domain.ForecastRun, error) {
	m.mu.Lock()
	var out []*domain.ForecastRun
	for _, r := range m.runs {
		if f.Project != "" && r.Project != f.Project {
			continue
		}
		if f.SeriesID != "" && r.SeriesID != f.SeriesID {
			continue
		}
		out = append(out, r.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TRun.After(out[j].TRun) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) AppendRate(ctx context.Context, r domain.RateEstimate) error {
	m.mu.Lock()
	m.rates[r.Project] = append(m.rates[r.Project], r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListRates(ctx context.Context, project string, limit int) ([]domain.RateEstimate, error) {
	m.mu.Lock()
	out := append([]domain.RateEstimate(nil), m.rates[project]...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) PutSeries(ctx context.Context, s *domain.ForecastSeries) error {
	if s == nil || s.ID == "" {
		return errors.New("series id is required")
	}
	m.mu.Lock()
	m.series[s.ID] = s.Clone()
	m.mu.Unlock()
	return nil
}

// GetSeries looks up by id, then by name.
func (m *Memory) GetSeries(ctx context.Context, id string) (*domain.ForecastSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[id]; ok {
		return s.Clone(), nil
	}
	for _, s := range m.series {
		if s.Name == id {
			return s.Clone(), nil
		}
	}
	return nil, fmt.Errorf("series %s: %w", id, ErrNotFound)
}

func (m *Memory) ListSeries(ctx context.Context) ([]*domain.ForecastSeries, error) {
	m.mu.Lock()
	out := make([]*domain.ForecastSeries, 0, len(m.series))
	for _, s := range m.series {
		out = append(out, s.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteSeries(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.series[id]; !ok {
		return fmt.Errorf("series %s: %w", id, ErrNotFound)
	}
	delete(m.series, id)
	return nil
}

func (m *Memory) ClaimForecast(ctx context.Context, seriesID string, start time.Time, runID string) (bool, string, error) {
	k := claimKey{series: seriesID, start: ms(start)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.claims[k]; ok {
		return false, existing, nil
	}
	m.claims[k] = runID
	return true, runID, nil
}

func (m *Memory) ReleaseClaim(ctx context.Context, seriesID string, start time.Time, runID string) error {
	k := claimKey{series: seriesID, start: ms(start)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims[k] == runID {
		delete(m.claims, k)
	}
	return nil
}

func (m *Memory) AddSeismic(ctx context.Context, project string, events []domain.SeismicEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.seismic[project]
	if bucket == nil {
		bucket = map[seismicKey]domain.SeismicEvent{}
		m.seismic[project] = bucket
	}
	added := 0
	for _, e := range events {
		k := seismicKey{at: ms(e.DateTime), magnitude: e.Magnitude, publicID: e.PublicID}
		if _, ok := bucket[k]; ok {
			continue
		}
		e.DateTime = fromMS(k.at)
		bucket[k] = e
		added++
	}
	return added, nil
}

func (m *Memory) AddHydraulic(ctx context.Context, project string, samples []domain.HydraulicSample) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.hydraulic[project]
	if bucket == nil {
		bucket = map[int64]domain.HydraulicSample{}
		m.hydraulic[project] = bucket
	}
	added := 0
	for _, h := range samples {
		k := ms(h.DateTime)
		if _, ok := bucket[k]; ok {
			continue
		}
		h.DateTime = fromMS(k)
		bucket[k] = h
		added++
	}
	return added, nil
}

func (m *Memory) SeismicBetween(ctx context.Context, project string, from, to time.Time) ([]domain.SeismicEvent, error) {
	lo, hi := lowerBound(from), ms(to)
	m.mu.Lock()
	var out []domain.SeismicEvent
	for k, e := range m.seismic[project] {
		if k.at >= lo && k.at < hi {
			out = append(out, e)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}

func (m *Memory) HydraulicBetween(ctx context.Context, project string, from, to time.Time) ([]domain.HydraulicSample, error) {
	lo, hi := lowerBound(from), ms(to)
	m.mu.Lock()
	var out []domain.HydraulicSample
	for k, h := range m.hydraulic[project] {
		if k >= lo && k < hi {
			out = append(out, h)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}
