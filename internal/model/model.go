// Package model invokes forecast models and hazard/risk calculators across a
// JSON boundary. Requests and responses carry only numbers, strings, lists,
// maps and RFC3339 timestamps, so a model may run in-process, as a child
// process or behind an HTTP endpoint.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ramsis/internal/domain"
	"ramsis/internal/task/engine"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the serialized input of one invocation. Stage names the
// pipeline stage ("is_forecast", "psha", "risk_poe").
type Request struct {
	Stage   string             `json:"stage"`
	Model   string             `json:"model"`
	RunID   string             `json:"run_id"`
	Project string             `json:"project"`
	TRun    time.Time          `json:"t_run"`
	Params  map[string]float64 `json:"params,omitempty"`

	BinSize        float64               `json:"bin_size_seconds"`
	Bins           int                   `json:"bins"`
	MagnitudeRange domain.MagnitudeRange `json:"magnitude_range"`

	Seismic       []domain.SeismicEvent    `json:"seismic,omitempty"`
	Hydraulic     []domain.HydraulicSample `json:"hydraulic,omitempty"`
	InjectionPlan []domain.HydraulicSample `json:"injection_plan,omitempty"`

	SourceParams []domain.ModelResult `json:"source_params,omitempty"`
	HazardCalcID string               `json:"hazard_calc_id,omitempty"`
}

// Response is what a model reports back. A status of "error" is a
// structured failure with a reason.
type Response struct {
	Status string           `json:"status"`
	Reason string           `json:"reason,omitempty"`
	Rates  []domain.RateBin `json:"rates,omitempty"`
	CalcID string           `json:"calc_id,omitempty"`
}

// Invoker runs one model.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ErrModelFailed wraps structured failures reported by a model.
var ErrModelFailed = errors.New("model failed")

// Check turns a structured failure into a permanent error; the engine does
// not retry it.
func Check(name string, resp Response) error {
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "", StatusOK:
		return nil
	case StatusError:
		reason := resp.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return engine.NoRetry(fmt.Errorf("%w: %s: %s", ErrModelFailed, name, reason))
	default:
		return engine.NoRetry(fmt.Errorf("%w: %s: unknown status %q", ErrModelFailed, name, resp.Status))
	}
}

// Spec is the constructor input for New.
type Spec struct {
	Name    string
	Kind    string
	Builtin string
	Command []string
	URL     string
	Timeout time.Duration
	Params  map[string]float64
}

// New builds an invoker for spec.
func New(spec Spec) (Invoker, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "", "builtin":
		return NewBuiltin(spec.Name, spec.Builtin, spec.Params)
	case "exec":
		return NewExec(spec.Name, spec.Command, spec.Params), nil
	case "http":
		return NewHTTP(spec.Name, spec.URL, spec.Timeout, spec.Params), nil
	default:
		return nil, fmt.Errorf("model %s: unknown kind %q", spec.Name, spec.Kind)
	}
}

// withParams fills req.Params from defaults without overriding caller values.
func withParams(req Request, params map[string]float64) Request {
	if len(params) == 0 {
		return req
	}
	merged := make(map[string]float64, len(params)+len(req.Params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range req.Params {
		merged[k] = v
	}
	req.Params = merged
	return req
}
