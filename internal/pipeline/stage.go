// Package pipeline runs a forecast job: an ordered list of stages, one active
// at a time, each completing through a callback that may fire long after the
// stage was started.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ramsis/internal/domain"
)

var (
	ErrUnknownStage  = errors.New("unknown stage")
	ErrStageProtocol = errors.New("stage protocol violation")
)

type StageKind int

const (
	StageSeismicity StageKind = iota + 1
	StageHazard
	StageRisk
)

// ID returns the stable wire id of the stage kind.
func (k StageKind) ID() string {
	switch k {
	case StageSeismicity:
		return "is_forecast"
	case StageHazard:
		return "psha"
	case StageRisk:
		return "risk_poe"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

func (k StageKind) String() string { return k.ID() }

func ParseStageKind(id string) (StageKind, error) {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "is_forecast":
		return StageSeismicity, nil
	case "psha":
		return StageHazard, nil
	case "risk_poe":
		return StageRisk, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStage, id)
	}
}

// ParseStageKinds parses an ordered stage list; empty means seismicity only.
func ParseStageKinds(ids []string) ([]StageKind, error) {
	if len(ids) == 0 {
		return []StageKind{StageSeismicity}, nil
	}
	out := make([]StageKind, 0, len(ids))
	seen := map[StageKind]bool{}
	for _, id := range ids {
		k, err := ParseStageKind(id)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			return nil, fmt.Errorf("duplicate stage %q", id)
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}

// Input is the job input. SourceParams and HazardCalcID are filled in as
// earlier stages complete.
type Input struct {
	RunID          string
	Project        string
	Context        domain.RunContext
	BinSize        time.Duration
	Bins           int
	MagnitudeRange domain.MagnitudeRange

	SourceParams []domain.ModelResult
	HazardCalcID string
}

// Output is what a stage reports on completion. StageID is the wire id the
// stage reported; Last is set by the job.
type Output struct {
	StageID      string
	ModelResults []domain.ModelResult
	CalcID       string
	Err          error
	Last         bool
}

// Completion is handed to a stage and must be called exactly once.
type Completion func(Output) error

// Stage starts its work and returns. It reports through done, possibly from
// another goroutine and possibly before Start returns.
type Stage interface {
	Kind() StageKind
	Start(ctx context.Context, in Input, done Completion)
}
