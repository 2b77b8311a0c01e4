package series

import (
	"context"
	"errors"
	"time"
)

var ErrRegistrationNotFound = errors.New("schedule registration not found")

// Registration is a named recurrence in a scheduling backend. Inactive
// registrations are kept but never fire.
type Registration struct {
	ID       string
	SeriesID string
	Name     string
	Rule     Recurrence
	Active   bool
}

// Backend is the registry that fires recurrences.
type Backend interface {
	Create(ctx context.Context, reg Registration) (id string, err error)
	Update(ctx context.Context, reg Registration) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Registration, error)
}

// FireFunc is called by a backend for each occurrence of a registration.
// at is the canonical occurrence time, not the wall time of the call.
type FireFunc func(ctx context.Context, seriesID string, at time.Time)
