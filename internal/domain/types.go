// Package domain holds the value types shared by the scheduling core,
// the forecast pipeline and the stores.
package domain

import (
	"time"
)

// SeismicEvent is a catalog entry.
type SeismicEvent struct {
	DateTime  time.Time `json:"datetime"`
	Magnitude float64   `json:"magnitude"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Depth     float64   `json:"depth,omitempty"`
	PublicID  string    `json:"public_id,omitempty"`
}

// HydraulicSample is one borehole injection measurement (or plan entry).
type HydraulicSample struct {
	DateTime time.Time `json:"datetime"`
	Flow     float64   `json:"flow"`
	Pressure float64   `json:"pressure"`
}

// Quantity is a value with optional uncertainty bounds.
type Quantity struct {
	Value            float64  `json:"value"`
	Uncertainty      *float64 `json:"uncertainty,omitempty"`
	LowerUncertainty *float64 `json:"lower_uncertainty,omitempty"`
	UpperUncertainty *float64 `json:"upper_uncertainty,omitempty"`
	ConfidenceLevel  *float64 `json:"confidence_level,omitempty"`
}

// Q returns a Quantity without uncertainty.
func Q(v float64) Quantity { return Quantity{Value: v} }

// MagnitudeRange bounds the magnitudes a forecast reports rates for.
type MagnitudeRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RunContext is the observation window handed to scheduled task handlers.
// Event slices are ordered by DateTime and contain only entries strictly
// before TRun.
type RunContext struct {
	TRun            time.Time
	SeismicEvents   []SeismicEvent
	HydraulicEvents []HydraulicSample
	InjectionPlan   []HydraulicSample
}

// SeismicBefore returns the events strictly before t.
func SeismicBefore(events []SeismicEvent, t time.Time) []SeismicEvent {
	out := make([]SeismicEvent, 0, len(events))
	for _, e := range events {
		if e.DateTime.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// HydraulicBefore returns the samples strictly before t.
func HydraulicBefore(samples []HydraulicSample, t time.Time) []HydraulicSample {
	out := make([]HydraulicSample, 0, len(samples))
	for _, s := range samples {
		if s.DateTime.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// HydraulicFrom returns the samples at or after t.
func HydraulicFrom(samples []HydraulicSample, t time.Time) []HydraulicSample {
	out := make([]HydraulicSample, 0, len(samples))
	for _, s := range samples {
		if !s.DateTime.Before(t) {
			out = append(out, s)
		}
	}
	return out
}
