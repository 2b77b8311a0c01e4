package coordinator

import (
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/eventbus"
)

type State int

const (
	StateInactive State = iota
	StateReady
	StateBusy
	// StateFailed follows a run that failed. It admits the next run like
	// StateReady.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventForecastStarted
	EventStageComplete
	EventForecastComplete
	EventForecastFailed
	EventForecastSkipped
	EventRatesUpdated
)

func (k EventKind) busType() string {
	switch k {
	case EventStateChanged:
		return eventbus.TypeStateChanged
	case EventForecastStarted:
		return eventbus.TypeForecastStarted
	case EventStageComplete:
		return eventbus.TypeStageComplete
	case EventForecastComplete:
		return eventbus.TypeForecastComplete
	case EventForecastFailed:
		return eventbus.TypeForecastFailed
	case EventForecastSkipped:
		return eventbus.TypeForecastSkipped
	case EventRatesUpdated:
		return eventbus.TypeRateUpdated
	default:
		return "coordinator.unknown"
	}
}

// Event is delivered to listeners and published on the bus. Run is a
// snapshot the receiver may keep.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Project string
	From    State
	To      State
	Run     *domain.ForecastRun
	Stage   string
	Err     error
	Rate    *domain.RateEstimate
}

// Listener receives coordinator events synchronously, in registration
// order, on the goroutine that caused them. It must not call back into the
// coordinator.
type Listener func(Event)
