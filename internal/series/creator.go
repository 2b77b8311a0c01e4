package series

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ramsis/internal/domain"
	"ramsis/internal/storage"
	"ramsis/internal/task/engine"
	logx "ramsis/pkg/logx"
)

// RunFunc runs the forecast of fs at t under runID and waits for it. It
// returns a nil run when the run never started.
type RunFunc func(ctx context.Context, fs *domain.ForecastSeries, at time.Time, runID string) (*domain.ForecastRun, error)

// Dispatcher queues deploy-mode forecasts.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

// Creator claims (series, occurrence) before running so each occurrence gets
// at most one forecast. A claim is released when its run never started.
type Creator struct {
	claims   storage.ClaimStore
	run      RunFunc
	dispatch Dispatcher
	log      logx.Logger

	// DeployTimeout bounds one dispatched forecast; 0 uses the engine default.
	DeployTimeout time.Duration
	// DeployRetry is the retry policy for dispatched forecasts that could not
	// start, e.g. because another run is in flight.
	DeployRetry engine.TaskOptions
}

func NewCreator(claims storage.ClaimStore, run RunFunc, dispatch Dispatcher, log logx.Logger) *Creator {
	return &Creator{
		claims:   claims,
		run:      run,
		dispatch: dispatch,
		log:      log,
		DeployRetry: engine.TaskOptions{
			RetryMax:            8,
			RetryBase:           10 * time.Second,
			RetryMaxDelay:       5 * time.Minute,
			CircuitTripFailures: -1,
		},
	}
}

func (c *Creator) CreateForecast(ctx context.Context, fs *domain.ForecastSeries, at time.Time, mode Mode) (Outcome, error) {
	runID := uuid.NewString()
	claimed, existing, err := c.claims.ClaimForecast(ctx, fs.ID, at, runID)
	if err != nil {
		return 0, fmt.Errorf("claim forecast: %w", err)
	}
	if !claimed {
		c.log.Debug("occurrence already claimed", logx.String("series", fs.Name), logx.Time("at", at), logx.String("run", existing))
		return OutcomeExisting, nil
	}

	switch mode {
	case ModeLocal:
		run, err := c.run(ctx, fs, at, runID)
		if err != nil && run == nil {
			c.release(fs, at, runID)
		}
		return OutcomeCreated, err
	case ModeDeploy:
		if c.dispatch == nil {
			c.release(fs, at, runID)
			return 0, errors.New("deploy mode needs a dispatcher")
		}
		return OutcomeDispatched, c.enqueue(fs.Clone(), at, runID)
	default:
		c.release(fs, at, runID)
		return 0, fmt.Errorf("unknown catch-up mode %q", mode)
	}
}

// Fire is the backend callback for a scheduled occurrence.
func (c *Creator) Fire(ctx context.Context, fs *domain.ForecastSeries, at time.Time) {
	if _, err := c.CreateForecast(ctx, fs, at, ModeDeploy); err != nil {
		c.log.Error("scheduled forecast not dispatched", logx.String("series", fs.Name), logx.Time("at", at), logx.Err(err))
	}
}

func (c *Creator) enqueue(fs *domain.ForecastSeries, at time.Time, runID string) error {
	var started bool
	err := c.dispatch.Enqueue(engine.Task{
		ID:      runID,
		Name:    "forecast:" + fs.Name,
		Timeout: c.DeployTimeout,
		Opt:     c.DeployRetry,
		Run: func(ctx context.Context) error {
			run, err := c.run(ctx, fs, at, runID)
			if run != nil {
				started = true
				// A run that started and failed is final.
				return engine.NoRetry(err)
			}
			return err
		},
		Done: func(r engine.Result) {
			if r.Err != nil && !started {
				c.log.Warn("dispatched forecast never started", logx.String("series", fs.Name), logx.Time("at", at), logx.Err(r.Err))
				c.release(fs, at, runID)
			}
		},
	})
	if err != nil {
		c.release(fs, at, runID)
		return fmt.Errorf("dispatch forecast: %w", err)
	}
	return nil
}

func (c *Creator) release(fs *domain.ForecastSeries, at time.Time, runID string) {
	// The caller's ctx may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.claims.ReleaseClaim(ctx, fs.ID, at, runID); err != nil {
		c.log.Error("release claim", logx.String("series", fs.Name), logx.Time("at", at), logx.Err(err))
	}
}
