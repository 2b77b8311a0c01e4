package storage

import (
	"context"
	"errors"
	"time"

	"ramsis/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunStore is the result sink. Both calls insert or update by run id and
// write a complete snapshot.
type RunStore interface {
	CreateRun(ctx context.Context, r *domain.ForecastRun) error
	UpdateRun(ctx context.Context, r *domain.ForecastRun) error
	GetRun(ctx context.Context, id string) (*domain.ForecastRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*domain.ForecastRun, error)
}

// RunFilter narrows ListRuns. Results are ordered by t_run, newest first.
type RunFilter struct {
	Project  string
	SeriesID string
	Limit    int
}

type RateStore interface {
	AppendRate(ctx context.Context, r domain.RateEstimate) error
	ListRates(ctx context.Context, project string, limit int) ([]domain.RateEstimate, error)
}

type SeriesStore interface {
	PutSeries(ctx context.Context, s *domain.ForecastSeries) error
	GetSeries(ctx context.Context, id string) (*domain.ForecastSeries, error)
	ListSeries(ctx context.Context) ([]*domain.ForecastSeries, error)
	DeleteSeries(ctx context.Context, id string) error
}

// ClaimStore records which (series, forecast start) pairs already have a
// run. The first claim wins; later claims return the winning run id.
// ReleaseClaim drops a claim only if it is still held by runID.
type ClaimStore interface {
	ClaimForecast(ctx context.Context, seriesID string, start time.Time, runID string) (claimed bool, existing string, err error)
	ReleaseClaim(ctx context.Context, seriesID string, start time.Time, runID string) error
}

// ObservationStore holds imported observations. Adds skip duplicates and
// return how many rows were new. Range queries are [from, to) ordered by
// time; a zero from means unbounded.
type ObservationStore interface {
	AddSeismic(ctx context.Context, project string, events []domain.SeismicEvent) (int, error)
	AddHydraulic(ctx context.Context, project string, samples []domain.HydraulicSample) (int, error)
	SeismicBetween(ctx context.Context, project string, from, to time.Time) ([]domain.SeismicEvent, error)
	HydraulicBetween(ctx context.Context, project string, from, to time.Time) ([]domain.HydraulicSample, error)
}

type Store interface {
	RunStore
	RateStore
	SeriesStore
	ClaimStore
	ObservationStore
	Close() error
}
