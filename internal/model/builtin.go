package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"ramsis/internal/domain"
)

// Builtin reference models. They are simple enough to run inside a
// forecast tick and stand in for external models in tests and replays.
const (
	BuiltinPoisson          = "poisson"
	BuiltinSeismogenicIndex = "seismogenic_index"
	BuiltinNoop             = "noop"
)

type builtinFunc func(req Request) Response

type Builtin struct {
	name   string
	kind   string
	params map[string]float64
	fn     builtinFunc
}

func NewBuiltin(name, kind string, params map[string]float64) (*Builtin, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		kind = name
	}
	var fn builtinFunc
	switch kind {
	case BuiltinPoisson:
		fn = poisson
	case BuiltinSeismogenicIndex:
		fn = seismogenicIndex
	case BuiltinNoop:
		fn = noopCalc
	default:
		return nil, fmt.Errorf("model %s: unknown builtin %q", name, kind)
	}
	return &Builtin{name: name, kind: kind, params: params, fn: fn}, nil
}

func (b *Builtin) Name() string { return b.name }

func (b *Builtin) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	req.Model = b.name
	resp := b.fn(withParams(req, b.params))
	return resp, Check(b.name, resp)
}

func param(req Request, key string, def float64) float64 {
	if v, ok := req.Params[key]; ok {
		return v
	}
	return def
}

func binning(req Request) (time.Duration, int) {
	bin := time.Duration(req.BinSize * float64(time.Second))
	if bin <= 0 {
		bin = 24 * time.Hour
	}
	n := req.Bins
	if n <= 0 {
		n = 1
	}
	return bin, n
}

// poisson extrapolates the recent event rate above the completeness
// magnitude mc with a Gutenberg-Richter b-value.
func poisson(req Request) Response {
	if req.Stage != "" && req.Stage != "is_forecast" {
		return Response{Status: StatusError, Reason: "poisson only serves is_forecast"}
	}
	mr := req.MagnitudeRange
	mc := param(req, "mc", mr.Min)
	b := param(req, "b", 1.0)
	window := time.Duration(param(req, "window_hours", 168) * float64(time.Hour))
	if window <= 0 {
		return Response{Status: StatusError, Reason: "window_hours must be positive"}
	}

	from := req.TRun.Add(-window)
	n := 0
	for _, e := range req.Seismic {
		if e.Magnitude >= mc && !e.DateTime.Before(from) && e.DateTime.Before(req.TRun) {
			n++
		}
	}
	perSec := float64(n) / window.Seconds()

	bin, bins := binning(req)
	out := Response{Status: StatusOK, Rates: make([]domain.RateBin, 0, bins)}
	for i := 0; i < bins; i++ {
		start := req.TRun.Add(time.Duration(i) * bin)
		expected := perSec * bin.Seconds()
		rb := domain.RateBin{
			Start:        start,
			End:          start.Add(bin),
			Rate:         domain.Q(expected * math.Pow(10, -b*(mr.Min-mc))),
			BValue:       b,
			MinMagnitude: mr.Min,
		}
		if mr.Max > mr.Min {
			rb.Probability = 1 - math.Exp(-expected*math.Pow(10, -b*(mr.Max-mc)))
		}
		out.Rates = append(out.Rates, rb)
	}
	return out
}

// seismogenicIndex follows N(M>=m) = V * 10^(sigma - b*m), with V the volume
// injected within the bin according to the plan, or the last observed flow
// held constant when there is no plan.
func seismogenicIndex(req Request) Response {
	if req.Stage != "" && req.Stage != "is_forecast" {
		return Response{Status: StatusError, Reason: "seismogenic_index only serves is_forecast"}
	}
	sigma := param(req, "sigma", -1.0)
	b := param(req, "b", 1.0)
	mr := req.MagnitudeRange

	plan := req.InjectionPlan
	if len(plan) == 0 {
		if len(req.Hydraulic) == 0 {
			return Response{Status: StatusError, Reason: "no hydraulic data or injection plan"}
		}
		last := req.Hydraulic[len(req.Hydraulic)-1]
		plan = []domain.HydraulicSample{{DateTime: req.TRun, Flow: last.Flow, Pressure: last.Pressure}}
	}

	bin, bins := binning(req)
	out := Response{Status: StatusOK, Rates: make([]domain.RateBin, 0, bins)}
	for i := 0; i < bins; i++ {
		start := req.TRun.Add(time.Duration(i) * bin)
		end := start.Add(bin)
		v := injectedVolume(plan, start, end)
		rb := domain.RateBin{
			Start:        start,
			End:          end,
			Rate:         domain.Q(v * math.Pow(10, sigma-b*mr.Min)),
			BValue:       b,
			MinMagnitude: mr.Min,
		}
		if mr.Max > mr.Min {
			rb.Probability = 1 - math.Exp(-v*math.Pow(10, sigma-b*mr.Max))
		}
		out.Rates = append(out.Rates, rb)
	}
	return out
}

// injectedVolume integrates a piecewise-constant flow (m3/s, each sample
// holding until the next) over [from, to). Negative flow counts as zero.
func injectedVolume(plan []domain.HydraulicSample, from, to time.Time) float64 {
	var v float64
	for i, s := range plan {
		segStart := s.DateTime
		segEnd := to
		if i+1 < len(plan) {
			segEnd = plan[i+1].DateTime
		}
		if segStart.Before(from) {
			segStart = from
		}
		if segEnd.After(to) {
			segEnd = to
		}
		if !segEnd.After(segStart) || s.Flow <= 0 {
			continue
		}
		v += s.Flow * segEnd.Sub(segStart).Seconds()
	}
	return v
}

// noopCalc stands in for hazard and risk calculators; the calc id is derived
// from the input so repeated runs over the same input agree.
func noopCalc(req Request) Response {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", req.Stage, req.RunID, req.TRun.UTC().Format(time.RFC3339), req.HazardCalcID)
	for _, sp := range req.SourceParams {
		fmt.Fprintf(h, "|%s:%d", sp.Model, len(sp.Rates))
	}
	stage := req.Stage
	if stage == "" {
		stage = "calc"
	}
	return Response{Status: StatusOK, CalcID: fmt.Sprintf("%s-%016x", stage, h.Sum64())}
}
