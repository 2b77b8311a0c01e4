package series

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ramsis/internal/clock"
	"ramsis/internal/domain"
	"ramsis/internal/eventbus"
	"ramsis/internal/storage"
	logx "ramsis/pkg/logx"
)

var ErrNoSchedule = errors.New("series has no schedule registration")

// Mode selects how catch-up forecasts run.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeDeploy Mode = "deploy"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLocal:
		return ModeLocal, nil
	case ModeDeploy:
		return ModeDeploy, nil
	default:
		return "", fmt.Errorf("unknown catch-up mode %q (want local or deploy)", s)
	}
}

type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeDispatched
	OutcomeExisting
)

// ForecastCreator runs or dispatches the forecast of one occurrence. It
// owns idempotency: an occurrence that already has a forecast is reported
// as OutcomeExisting.
type ForecastCreator interface {
	CreateForecast(ctx context.Context, s *domain.ForecastSeries, at time.Time, mode Mode) (Outcome, error)
}

// Summary reports a catch-up pass.
type Summary struct {
	Occurrences []time.Time
	Created     int
	Dispatched  int
	Existing    int
	Failed      int
}

type Options struct {
	Store   storage.SeriesStore
	Backend Backend
	Creator ForecastCreator
	Clock   clock.Clock
	Bus     eventbus.Bus
	Log     logx.Logger
}

type Scheduler struct {
	store   storage.SeriesStore
	backend Backend
	creator ForecastCreator
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
}

func New(opt Options) (*Scheduler, error) {
	if opt.Store == nil {
		return nil, errors.New("series store is required")
	}
	if opt.Backend == nil {
		return nil, errors.New("scheduling backend is required")
	}
	if opt.Clock == nil {
		opt.Clock = clock.Wall{}
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop{}
	}
	return &Scheduler{
		store:   opt.Store,
		backend: opt.Backend,
		creator: opt.Creator,
		clock:   opt.Clock,
		bus:     opt.Bus,
		log:     opt.Log,
	}, nil
}

// Create validates and stores a new series, then schedules it.
func (s *Scheduler) Create(ctx context.Context, fs *domain.ForecastSeries) error {
	if strings.TrimSpace(fs.Name) == "" {
		return errors.New("series name is required")
	}
	if _, err := FromSeries(fs).Normalize(); err != nil {
		return err
	}
	if fs.ID == "" {
		fs.ID = uuid.NewString()
	}
	now := s.clock.Now()
	fs.CreatedAt, fs.UpdatedAt = now, now
	fs.ScheduleID = ""
	return s.Schedule(ctx, fs)
}

// Schedule brings the backend registration in line with the series and
// persists the series:
//   - a schedule entirely in the past drops any registration and records
//     "no schedule";
//   - an existing registration is updated in place;
//   - otherwise a registration is created and its id recorded.
func (s *Scheduler) Schedule(ctx context.Context, fs *domain.ForecastSeries) error {
	norm, err := FromSeries(fs).Normalize()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	fs.UpdatedAt = now

	// The effective end is the explicit schedule end, else the forecast end;
	// the derived end from Normalize only bounds the recurrence.
	if FromSeries(fs).IsInPast(now) {
		if fs.ScheduleID != "" {
			if err := s.backend.Delete(ctx, fs.ScheduleID); err != nil && !errors.Is(err, ErrRegistrationNotFound) {
				return fmt.Errorf("delete registration: %w", err)
			}
			s.log.Info("past schedule unregistered", logx.String("series", fs.Name), logx.String("registration", fs.ScheduleID))
		}
		fs.ScheduleID = ""
		fs.ScheduleActive = nil
		if err := s.store.PutSeries(ctx, fs); err != nil {
			return err
		}
		s.publish(fs, now)
		return nil
	}

	rule, err := norm.Rule(true, now)
	if err != nil {
		return err
	}
	active := fs.ScheduleActive == nil || *fs.ScheduleActive
	reg := Registration{ID: fs.ScheduleID, SeriesID: fs.ID, Name: fs.Name, Rule: rule, Active: active}

	updated := false
	if fs.ScheduleID != "" {
		err := s.backend.Update(ctx, reg)
		switch {
		case err == nil:
			updated = true
		case errors.Is(err, ErrRegistrationNotFound):
			s.log.Warn("registration vanished; recreating", logx.String("series", fs.Name), logx.String("registration", fs.ScheduleID))
		default:
			return fmt.Errorf("update registration: %w", err)
		}
	}
	if !updated {
		id, err := s.backend.Create(ctx, reg)
		if err != nil {
			return fmt.Errorf("create registration: %w", err)
		}
		fs.ScheduleID = id
	}
	fs.ScheduleActive = domain.BoolPtr(active)
	if err := s.store.PutSeries(ctx, fs); err != nil {
		return err
	}
	s.log.Info("series scheduled", logx.String("series", fs.Name), logx.String("registration", fs.ScheduleID),
		logx.Time("first", rule.Start), logx.Duration("interval", rule.Interval), logx.Bool("active", active), logx.Bool("updated", updated))
	s.publish(fs, now)
	return nil
}

// SetActive toggles whether the registration fires. The registration is
// kept either way. A registration this backend does not hold, e.g. an
// in-process one made by another process, is recreated with the new state.
func (s *Scheduler) SetActive(ctx context.Context, fs *domain.ForecastSeries, active bool) error {
	if fs.ScheduleID == "" {
		return fmt.Errorf("%w: %s", ErrNoSchedule, fs.Name)
	}
	reg, err := s.backend.Get(ctx, fs.ScheduleID)
	if err == nil {
		reg.Active = active
		err = s.backend.Update(ctx, reg)
	}
	if errors.Is(err, ErrRegistrationNotFound) {
		s.log.Warn("registration not held by this backend; recreating", logx.String("series", fs.Name), logx.String("registration", fs.ScheduleID))
		fs.ScheduleActive = domain.BoolPtr(active)
		return s.Schedule(ctx, fs)
	}
	if err != nil {
		return err
	}
	fs.ScheduleActive = domain.BoolPtr(active)
	fs.UpdatedAt = s.clock.Now()
	if err := s.store.PutSeries(ctx, fs); err != nil {
		return err
	}
	s.log.Info("series activation changed", logx.String("series", fs.Name), logx.Bool("active", active))
	return nil
}

// Delete removes the registration and the series.
func (s *Scheduler) Delete(ctx context.Context, fs *domain.ForecastSeries) error {
	if fs.ScheduleID != "" {
		if err := s.backend.Delete(ctx, fs.ScheduleID); err != nil && !errors.Is(err, ErrRegistrationNotFound) {
			return err
		}
	}
	return s.store.DeleteSeries(ctx, fs.ID)
}

// Restore re-registers every stored series, e.g. after a restart of an
// in-process backend that lost its registrations.
func (s *Scheduler) Restore(ctx context.Context) error {
	all, err := s.store.ListSeries(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, fs := range all {
		if fs.ScheduleID == "" && fs.ScheduleActive == nil && FromSeries(fs).IsInPast(s.clock.Now()) {
			continue
		}
		if err := s.Schedule(ctx, fs); err != nil {
			errs = append(errs, fmt.Errorf("series %s: %w", fs.Name, err))
		}
	}
	return errors.Join(errs...)
}

// RunPastForecasts creates the forecast of every occurrence of the original
// recurrence at or before now. Each occurrence is passed at its canonical
// time so a repeated pass finds the forecasts of the previous one. Failures
// do not stop the pass; they are joined into the returned error.
func (s *Scheduler) RunPastForecasts(ctx context.Context, fs *domain.ForecastSeries, mode Mode) (Summary, error) {
	if s.creator == nil {
		return Summary{}, errors.New("no forecast creator configured")
	}
	norm, err := FromSeries(fs).Normalize()
	if err != nil {
		return Summary{}, err
	}
	now := s.clock.Now()
	rule, err := norm.Rule(false, now)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Occurrences: rule.Occurrences(now)}
	s.log.Info("catch-up started", logx.String("series", fs.Name), logx.String("mode", string(mode)), logx.Int("occurrences", len(sum.Occurrences)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSeriesCatchup, Time: now, Data: fs.Clone()})

	var errs []error
	for _, at := range sum.Occurrences {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out, err := s.creator.CreateForecast(ctx, fs, at, mode)
		if err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("occurrence %s: %w", at.Format(time.RFC3339), err))
			s.log.Warn("catch-up occurrence failed", logx.String("series", fs.Name), logx.Time("at", at), logx.Err(err))
			continue
		}
		switch out {
		case OutcomeCreated:
			sum.Created++
		case OutcomeDispatched:
			sum.Dispatched++
		case OutcomeExisting:
			sum.Existing++
		}
	}
	s.log.Info("catch-up finished", logx.String("series", fs.Name), logx.Int("created", sum.Created),
		logx.Int("dispatched", sum.Dispatched), logx.Int("existing", sum.Existing), logx.Int("failed", sum.Failed))
	return sum, errors.Join(errs...)
}

func (s *Scheduler) publish(fs *domain.ForecastSeries, now time.Time) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSeriesScheduled, Time: now, Data: fs.Clone()})
}
