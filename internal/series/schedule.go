// Package series schedules forecast series: it validates the recurrence of
// a series, keeps its registration in a scheduling backend in sync, and
// catches up on occurrences that already passed.
package series

import (
	"errors"
	"fmt"
	"time"

	"ramsis/internal/domain"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is the recurrence part of a forecast series.
type Schedule struct {
	ScheduleStart    *time.Time
	ScheduleInterval time.Duration
	ScheduleEnd      *time.Time

	ForecastStart    *time.Time
	ForecastEnd      *time.Time
	ForecastDuration time.Duration
}

func FromSeries(s *domain.ForecastSeries) Schedule {
	return Schedule{
		ScheduleStart:    s.ScheduleStart,
		ScheduleInterval: s.ScheduleInterval,
		ScheduleEnd:      s.ScheduleEnd,
		ForecastStart:    s.ForecastStart,
		ForecastEnd:      s.ForecastEnd,
		ForecastDuration: s.ForecastDuration,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}

// Validate checks the schedule constraints and names the first one violated.
func (s Schedule) Validate() error {
	if s.ScheduleStart == nil || s.ScheduleInterval <= 0 {
		return invalid("schedule_starttime and schedule_interval must be set")
	}
	if s.ForecastEnd == nil && s.ForecastDuration <= 0 {
		return invalid("either forecast_endtime or forecast_duration must be set")
	}
	if s.ForecastDuration < 0 {
		return invalid("forecast_duration must be positive")
	}
	if s.ScheduleEnd != nil && s.ScheduleEnd.Before(*s.ScheduleStart) {
		return invalid("schedule_endtime must not precede schedule_starttime")
	}
	if s.ScheduleEnd != nil && s.ForecastEnd != nil && !s.ScheduleEnd.Before(*s.ForecastEnd) {
		return invalid("schedule_endtime must be before forecast_endtime")
	}
	if s.ForecastStart != nil && s.ScheduleEnd != nil && s.ForecastStart.Before(*s.ScheduleEnd) {
		return invalid("forecast_starttime must not precede schedule_endtime")
	}
	return nil
}

// Normalize validates s and derives ScheduleEnd when unset: the forecast
// start if set, else one interval before the forecast end.
func (s Schedule) Normalize() (Schedule, error) {
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	if s.ScheduleEnd != nil {
		return s, nil
	}
	switch {
	case s.ForecastStart != nil:
		s.ScheduleEnd = domain.TimePtr(*s.ForecastStart)
	case s.ForecastEnd != nil:
		s.ScheduleEnd = domain.TimePtr(s.ForecastEnd.Add(-s.ScheduleInterval))
	}
	if s.ScheduleEnd != nil && s.ScheduleEnd.Before(*s.ScheduleStart) {
		return Schedule{}, invalid("derived schedule_endtime %s precedes schedule_starttime", s.ScheduleEnd.Format(time.RFC3339))
	}
	return s, nil
}

// IsInPast reports whether the effective end (schedule end, else forecast
// end) is strictly before now. A schedule without either never ends.
func (s Schedule) IsInPast(now time.Time) bool {
	switch {
	case s.ScheduleEnd != nil:
		return s.ScheduleEnd.Before(now)
	case s.ForecastEnd != nil:
		return s.ForecastEnd.Before(now)
	default:
		return false
	}
}

// Rule builds the recurrence. With future set the first occurrence is the
// next one strictly after now on the original grid.
func (s Schedule) Rule(future bool, now time.Time) (Recurrence, error) {
	if err := s.Validate(); err != nil {
		return Recurrence{}, err
	}
	r := Recurrence{Start: s.ScheduleStart.UTC(), Interval: s.ScheduleInterval}
	if s.ScheduleEnd != nil {
		r.Until = s.ScheduleEnd.UTC()
	}
	if future {
		next := r.Next(now)
		if next.IsZero() {
			// Nothing left; an empty rule starting past its end.
			r.Start = now.UTC().Add(s.ScheduleInterval)
			if r.Until.IsZero() || !r.Until.Before(r.Start) {
				r.Until = r.Start.Add(-time.Nanosecond)
			}
			return r, nil
		}
		r.Start = next
	}
	return r, nil
}

// Window returns the forecast window for the occurrence at start.
func (s Schedule) Window(start time.Time) (from, to time.Time) {
	from = start
	if s.ForecastStart != nil {
		from = *s.ForecastStart
	}
	if s.ForecastDuration > 0 {
		return from, start.Add(s.ForecastDuration)
	}
	if s.ForecastEnd != nil {
		return from, *s.ForecastEnd
	}
	return from, start
}
