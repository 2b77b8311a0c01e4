package domain

import "time"

// ForecastSeries is a recurring forecast definition. The schedule fields
// describe when forecasts are produced; the forecast fields bound what the
// recurrence may produce. ScheduleID is the handle of the registration in
// the scheduling backend; ScheduleActive is nil when the series has no
// future schedule.
type ForecastSeries struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Project string `json:"project"`

	ScheduleStart    *time.Time    `json:"schedule_starttime,omitempty"`
	ScheduleInterval time.Duration `json:"schedule_interval,omitempty"`
	ScheduleEnd      *time.Time    `json:"schedule_endtime,omitempty"`

	ForecastStart    *time.Time    `json:"forecast_starttime,omitempty"`
	ForecastEnd      *time.Time    `json:"forecast_endtime,omitempty"`
	ForecastDuration time.Duration `json:"forecast_duration,omitempty"`

	ScheduleID     string `json:"schedule_id,omitempty"`
	ScheduleActive *bool  `json:"schedule_active,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *ForecastSeries) Clone() *ForecastSeries {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ScheduleStart = cloneTime(s.ScheduleStart)
	cp.ScheduleEnd = cloneTime(s.ScheduleEnd)
	cp.ForecastStart = cloneTime(s.ForecastStart)
	cp.ForecastEnd = cloneTime(s.ForecastEnd)
	if s.ScheduleActive != nil {
		v := *s.ScheduleActive
		cp.ScheduleActive = &v
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
