package domain

import (
	"time"
)

type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// RateBin is the expected number of events above MinMagnitude within one bin.
type RateBin struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Rate         Quantity  `json:"rate"`
	BValue       float64   `json:"b_value,omitempty"`
	MinMagnitude float64   `json:"min_magnitude"`
	// Probability of at least one event with magnitude >= MaxMagnitude
	// of the forecast's magnitude range within the bin.
	Probability float64 `json:"probability,omitempty"`
}

// ModelResult is what one seismicity model produced for a run.
type ModelResult struct {
	Model  string    `json:"model"`
	Status RunStatus `json:"status"`
	Reason string    `json:"reason,omitempty"`
	Rates  []RateBin `json:"rates,omitempty"`
}

// ForecastRun is the run record. It is created when a run starts and
// mutated in place as stages complete; stores always receive a full copy.
type ForecastRun struct {
	ID       string    `json:"id"`
	Project  string    `json:"project"`
	SeriesID string    `json:"series_id,omitempty"`
	TRun     time.Time `json:"t_run"`
	Status   RunStatus `json:"status"`
	Error    string    `json:"error,omitempty"`

	BinSize        time.Duration  `json:"bin_size"`
	MagnitudeRange MagnitudeRange `json:"magnitude_range"`
	NumSeismic     int            `json:"num_seismic"`
	NumHydraulic   int            `json:"num_hydraulic"`

	// Per-stage results; empty until the stage completes.
	ISForecastResult []ModelResult `json:"is_forecast_result,omitempty"`
	HazardCalcID     string        `json:"hazard_calc_id,omitempty"`
	RiskCalcID       string        `json:"risk_calc_id,omitempty"`
	StagesDone       []string      `json:"stages_done,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy, used for persistence snapshots and for
// handing the record to listeners.
func (r *ForecastRun) Clone() *ForecastRun {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ISForecastResult != nil {
		cp.ISForecastResult = make([]ModelResult, len(r.ISForecastResult))
		for i, m := range r.ISForecastResult {
			m.Rates = append([]RateBin(nil), m.Rates...)
			cp.ISForecastResult[i] = m
		}
	}
	cp.StagesDone = append([]string(nil), r.StagesDone...)
	return &cp
}

// RateEstimate is one entry of the seismicity rate history.
type RateEstimate struct {
	Project string        `json:"project"`
	At      time.Time     `json:"at"`
	Window  time.Duration `json:"window"`
	Count   int           `json:"count"`
	// Events per hour within Window.
	Rate float64 `json:"rate"`
	// Aki maximum-likelihood b-value; 0 when fewer than two events.
	BValue float64 `json:"b_value,omitempty"`
}
