package series

import "time"

// Recurrence fires at Start + k*Interval up to and including Until (zero
// means unbounded). It satisfies cron.Schedule.
type Recurrence struct {
	Start    time.Time
	Interval time.Duration
	Until    time.Time
}

func (r Recurrence) bounded(t time.Time) bool {
	return r.Until.IsZero() || !t.After(r.Until)
}

// Next returns the first occurrence strictly after t, or the zero time when
// the recurrence has ended.
func (r Recurrence) Next(t time.Time) time.Time {
	if r.Interval <= 0 {
		return time.Time{}
	}
	var next time.Time
	if t.Before(r.Start) {
		next = r.Start
	} else {
		k := t.Sub(r.Start)/r.Interval + 1
		next = r.Start.Add(k * r.Interval)
	}
	if !r.bounded(next) {
		return time.Time{}
	}
	return next
}

// Latest returns the last occurrence at or before t.
func (r Recurrence) Latest(t time.Time) (time.Time, bool) {
	if r.Interval <= 0 || t.Before(r.Start) {
		return time.Time{}, false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		t = r.Until
		if t.Before(r.Start) {
			return time.Time{}, false
		}
	}
	k := t.Sub(r.Start) / r.Interval
	return r.Start.Add(k * r.Interval), true
}

// Occurrences lists every occurrence at or before t, oldest first.
func (r Recurrence) Occurrences(t time.Time) []time.Time {
	last, ok := r.Latest(t)
	if !ok {
		return nil
	}
	out := make([]time.Time, 0, int(last.Sub(r.Start)/r.Interval)+1)
	for at := r.Start; !at.After(last); at = at.Add(r.Interval) {
		out = append(out, at)
	}
	return out
}
