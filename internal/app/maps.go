package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ramsis/internal/clock"
	"ramsis/internal/config"
	"ramsis/internal/coordinator"
	"ramsis/internal/domain"
	"ramsis/internal/model"
	"ramsis/internal/notifier"
	"ramsis/internal/observability/ops"
	"ramsis/internal/observation"
	"ramsis/internal/pipeline"
	"ramsis/internal/series"
	"ramsis/internal/storage"
	"ramsis/internal/task/engine"
	"ramsis/internal/task/scheduler"
	logx "ramsis/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Workers:       2,
		QueueSize:     64,
		HistorySize:   200,
		RetryMax:      3,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 30 * time.Second,
	}
	if cfg == nil || cfg.TaskEngine == nil {
		return out, nil
	}
	te := cfg.TaskEngine
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize != 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize != 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax != 0 {
		out.RetryMax = te.RetryMax
	}
	out.CircuitTripFailures = te.CircuitTripFailures

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, out.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("task_engine.retry_max_delay", te.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// dispatchQueueSize bounds deploy-mode forecasts waiting for the coordinator.
const dispatchQueueSize = 1024

// mapDispatchConfig derives the dispatch lane from the stage engine config.
// Dispatched forecasts block until their stages finish, so they must not
// share workers with the stages. One worker matches the coordinator, which
// admits one run at a time.
func mapDispatchConfig(stages engine.Config) engine.Config {
	return engine.Config{
		Workers:             1,
		QueueSize:           max(stages.QueueSize, dispatchQueueSize),
		HistorySize:         stages.HistorySize,
		RetryMax:            stages.RetryMax,
		RetryBase:           stages.RetryBase,
		RetryMaxDelay:       stages.RetryMaxDelay,
		CircuitTripFailures: -1,
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	if o == nil {
		return ops.Config{}, nil
	}
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	wt, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   2 * time.Minute,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, notifier.Target) {
	out := notifier.Config{
		Workers:       1,
		QueueSize:     64,
		RatePerSec:    1,
		RetryMax:      3,
		RetryBase:     time.Second,
		RetryMaxDelay: 30 * time.Second,
		DedupWindow:   10 * time.Minute,
		DedupMax:      512,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, notifier.Target{}
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	if n.Telegram.RatePerSec > 0 {
		out.RatePerSec = n.Telegram.RatePerSec
	}
	return out, notifier.Target{ChatID: n.Telegram.ChatID, ThreadID: n.Telegram.ThreadID}
}

func notifierEvents(cfg *config.Config) []string {
	if cfg == nil || cfg.Notifier == nil || len(cfg.Notifier.Events) == 0 {
		return notifier.DefaultEvents
	}
	return cfg.Notifier.Events
}

func mapModelSpec(mc config.ModelConfig) (model.Spec, error) {
	timeout, err := config.ParseDurationField("model "+mc.Name+".timeout", mc.Timeout)
	if err != nil {
		return model.Spec{}, err
	}
	return model.Spec{
		Name:    mc.Name,
		Kind:    mc.Kind,
		Builtin: mc.Builtin,
		Command: mc.Command,
		URL:     mc.URL,
		Timeout: timeout,
		Params:  mc.Params,
	}, nil
}

func buildInvoker(mc *config.ModelConfig) (model.Invoker, error) {
	if mc == nil {
		return nil, nil
	}
	spec, err := mapModelSpec(*mc)
	if err != nil {
		return nil, err
	}
	return model.New(spec)
}

// buildStages builds the ordered pipeline. Models with enabled=false are
// skipped.
func buildStages(cfg *config.Config, r pipeline.Runner, stageTimeout time.Duration, log logx.Logger) ([]pipeline.Stage, error) {
	c := cfg.Coordinator
	kinds, err := pipeline.ParseStageKinds(c.Stages)
	if err != nil {
		return nil, fmt.Errorf("coordinator.stages: %w", err)
	}

	var models []model.Invoker
	for _, mc := range c.Models {
		if mc.Enabled != nil && !*mc.Enabled {
			log.Info("model disabled", logx.String("model", mc.Name))
			continue
		}
		inv, err := buildInvoker(&mc)
		if err != nil {
			return nil, err
		}
		models = append(models, inv)
	}
	for _, k := range kinds {
		if k == pipeline.StageSeismicity && len(models) == 0 {
			return nil, fmt.Errorf("coordinator.models: at least one enabled model is required for %s", k.ID())
		}
	}

	hazard, err := buildInvoker(c.Hazard)
	if err != nil {
		return nil, err
	}
	risk, err := buildInvoker(c.Risk)
	if err != nil {
		return nil, err
	}
	return pipeline.BuildStages(kinds, r, models, hazard, risk, stageTimeout, log)
}

func mapCoordinatorSettings(cfg *config.Config, stages []pipeline.Stage) (coordinator.Settings, error) {
	c := cfg.Coordinator
	forecast, err := scheduler.ParseInterval(c.ForecastInterval)
	if err != nil {
		return coordinator.Settings{}, fmt.Errorf("coordinator.forecast_interval: %w", err)
	}
	var rate time.Duration
	if strings.TrimSpace(c.RateInterval) != "" {
		if rate, err = scheduler.ParseInterval(c.RateInterval); err != nil {
			return coordinator.Settings{}, fmt.Errorf("coordinator.rate_interval: %w", err)
		}
	}
	bin, err := config.ParseDurationOrDefault("coordinator.bin_size", c.BinSize, forecast)
	if err != nil {
		return coordinator.Settings{}, err
	}
	bins := c.Bins
	if bins <= 0 {
		bins = 1
	}
	mr := domain.MagnitudeRange{Min: c.MagnitudeMin, Max: c.MagnitudeMax}
	if mr.Max == 0 {
		mr.Max = 10
	}
	return coordinator.Settings{
		ForecastInterval: forecast,
		RateInterval:     rate,
		BinSize:          bin,
		Bins:             bins,
		MagnitudeRange:   mr,
		Persist:          c.Persist,
		Stages:           stages,
	}, nil
}

func rateWindow(cfg *config.Config, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault("coordinator.rate_window", cfg.Coordinator.RateWindow, def)
}

// buildClock returns the project clock and, in sim mode, the simulator
// replaying the configured window.
func buildClock(cfg *config.Config) (clock.Clock, *clock.Sim, clock.SimulatorConfig, error) {
	cc := cfg.Project.Clock
	if !strings.EqualFold(strings.TrimSpace(cc.Mode), "sim") {
		return clock.Wall{}, nil, clock.SimulatorConfig{}, nil
	}
	start, err := config.ParseTimeField("project.clock.start", cc.Start)
	if err != nil {
		return nil, nil, clock.SimulatorConfig{}, err
	}
	end, err := config.ParseTimeField("project.clock.end", cc.End)
	if err != nil {
		return nil, nil, clock.SimulatorConfig{}, err
	}
	step, err := config.ParseDurationOrDefault("project.clock.step", cc.Step, time.Hour)
	if err != nil {
		return nil, nil, clock.SimulatorConfig{}, err
	}
	sim := clock.NewSim(start)
	return sim, sim, clock.SimulatorConfig{Start: start, End: end, Step: step, Speed: cc.Speed}, nil
}

func buildSource(cfg *config.Config, st storage.ObservationStore, log logx.Logger) (observation.Source, error) {
	o := cfg.Project.Observations
	if !strings.EqualFold(strings.TrimSpace(o.Source), "remote") {
		return observation.StoreSource{Store: st, Project: cfg.Project.Name}, nil
	}
	timeout, err := config.ParseDurationOrDefault("project.observations.timeout", o.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	delay, err := config.ParseDurationOrDefault("project.observations.retry_delay", o.RetryDelay, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return observation.NewRemote(observation.RemoteConfig{
		SeismicURL:   o.SeismicURL,
		HydraulicURL: o.HydraulicURL,
		Timeout:      timeout,
		RetryMax:     o.RetryMax,
		RetryDelay:   delay,
		RatePerSec:   o.RatePerSec,
	}, log), nil
}

func loadInjectionPlan(cfg *config.Config) ([]domain.HydraulicSample, error) {
	path := strings.TrimSpace(cfg.Project.InjectionPlan)
	if path == "" {
		return nil, nil
	}
	plan, err := observation.ReadHydraulicFile(path)
	if err != nil {
		return nil, fmt.Errorf("project.injection_plan: %w", err)
	}
	return plan, nil
}

// buildBackend returns the series backend. backend "none" uses an in-process
// cron backend that is never started: registrations are kept but nothing
// fires.
func buildBackend(cfg *config.Config, fire series.FireFunc, log logx.Logger) (series.Backend, *series.CronBackend, error) {
	sc := cfg.Series
	switch strings.ToLower(strings.TrimSpace(sc.Backend)) {
	case "http":
		timeout, err := config.ParseDurationOrDefault("series.timeout", sc.Timeout, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return series.NewHTTPBackend(series.HTTPOptions{
			BaseURL:    sc.URL,
			Token:      sc.Token,
			Timeout:    timeout,
			RetryCount: 2,
			RetryDelay: time.Second,
		}), nil, nil
	default:
		var opts []cron.Option
		if tz := strings.TrimSpace(sc.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, nil, fmt.Errorf("series.timezone: %w", err)
			}
			opts = append(opts, cron.WithLocation(loc))
		}
		b := series.NewCronBackend(fire, log, opts...)
		return b, b, nil
	}
}

func seriesFiresLocally(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Series.Backend), "cron") || strings.TrimSpace(cfg.Series.Backend) == ""
}

// fireSeries looks the series up by id and hands the occurrence to the
// creator.
func fireSeries(store storage.SeriesStore, creator *series.Creator, log logx.Logger) series.FireFunc {
	return func(ctx context.Context, seriesID string, at time.Time) {
		fs, err := store.GetSeries(ctx, seriesID)
		if err != nil {
			log.Error("scheduled series not found", logx.String("series", seriesID), logx.Time("at", at), logx.Err(err))
			return
		}
		creator.Fire(ctx, fs, at)
	}
}
