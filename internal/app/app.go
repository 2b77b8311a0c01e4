package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ramsis/internal/clock"
	"ramsis/internal/config"
	"ramsis/internal/coordinator"
	"ramsis/internal/domain"
	"ramsis/internal/eventbus"
	"ramsis/internal/notifier"
	"ramsis/internal/observability/ops"
	"ramsis/internal/observation"
	"ramsis/internal/project"
	"ramsis/internal/rates"
	rtsup "ramsis/internal/runtime/supervisor"
	"ramsis/internal/series"
	"ramsis/internal/storage"
	"ramsis/internal/task/engine"
	logx "ramsis/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine  *engine.Service
	project *project.Project
	coord   *coordinator.Coordinator
	series  *series.Scheduler
	creator *series.Creator

	// dispatch runs deploy-mode forecasts apart from the stage workers.
	dispatch *engine.Service

	// cron is nil for the http backend; fireLocal is false for "none".
	cron      *series.CronBackend
	fireLocal bool

	sim     *clock.Sim
	simCfg  clock.SimulatorConfig
	simDone chan struct{}

	notif  *notifier.Service
	target notifier.Target
	events []string

	ops *ops.Server

	sdNotify bool
}

type Option func(*options)

type options struct {
	source observation.Source
}

// WithSource replaces the configured observation source, e.g. with files
// loaded by the simulate command.
func WithSource(src observation.Source) Option {
	return func(o *options) { o.source = src }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMapped(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", storeDriver(sc)))

	a, err := build(cfg, o, log, store, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = appLog
	return a, nil
}

func storeDriver(sc storage.Config) string {
	if sc.Driver == "" {
		return "memory"
	}
	return sc.Driver
}

// validateMapped rejects configs that parse but cannot be mapped onto
// components; it runs on load and on every hot reload.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := buildClock(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}

func build(cfg *config.Config, o options, log logx.Logger, store storage.Store, bus eventbus.Bus) (*App, error) {
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	dispatchSvc := engine.New(mapDispatchConfig(engCfg), log.With(logx.String("comp", "dispatch")), bus)

	stages, err := buildStages(cfg, engineSvc, engCfg.DefaultTimeout, log.With(logx.String("comp", "pipeline")))
	if err != nil {
		return nil, err
	}
	settings, err := mapCoordinatorSettings(cfg, stages)
	if err != nil {
		return nil, err
	}

	clk, sim, simCfg, err := buildClock(cfg)
	if err != nil {
		return nil, err
	}
	src := o.source
	if src == nil {
		if src, err = buildSource(cfg, store, log.With(logx.String("comp", "observation"))); err != nil {
			return nil, err
		}
	}
	plan, err := loadInjectionPlan(cfg)
	if err != nil {
		return nil, err
	}
	tick, err := config.ParseDurationOrDefault("project.clock.tick", cfg.Project.Clock.Tick, time.Minute)
	if err != nil {
		return nil, err
	}
	prj, err := project.New(project.Config{
		Name:          cfg.Project.Name,
		Clock:         clk,
		Source:        src,
		InjectionPlan: plan,
		Tick:          tick,
	}, log.With(logx.String("comp", "project")))
	if err != nil {
		return nil, err
	}

	window, err := rateWindow(cfg, settings.ForecastInterval)
	if err != nil {
		return nil, err
	}
	hist := &rates.History{Store: store, Project: prj.Name(), Window: window, Log: log.With(logx.String("comp", "rates"))}
	coord, err := coordinator.New(settings, store, hist, bus, log.With(logx.String("comp", "coordinator")))
	if err != nil {
		return nil, err
	}

	seriesLog := log.With(logx.String("comp", "series"))
	creator := series.NewCreator(store, func(ctx context.Context, fs *domain.ForecastSeries, at time.Time, runID string) (*domain.ForecastRun, error) {
		return coord.RunOnce(ctx, at, coordinator.WithSeriesID(fs.ID), coordinator.WithRunID(runID))
	}, dispatchSvc, seriesLog)
	creator.DeployTimeout = 2 * settings.ForecastInterval

	backend, cronB, err := buildBackend(cfg, fireSeries(store, creator, seriesLog), seriesLog.With(logx.String("backend", "cron")))
	if err != nil {
		return nil, err
	}
	sched, err := series.New(series.Options{
		Store:   store,
		Backend: backend,
		Creator: creator,
		Clock:   clock.Wall{},
		Bus:     bus,
		Log:     seriesLog,
	})
	if err != nil {
		return nil, err
	}

	ncfg, target := mapNotifierConfig(cfg)
	var notif *notifier.Service
	if cfg.Notifier != nil && strings.TrimSpace(cfg.Notifier.Telegram.Token) != "" {
		sender, err := notifier.NewTelegramSender(cfg.Notifier.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		notif = notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus)
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		log:       log,
		bus:       bus,
		store:     store,
		engine:    engineSvc,
		dispatch:  dispatchSvc,
		project:   prj,
		coord:     coord,
		series:    sched,
		creator:   creator,
		cron:      cronB,
		fireLocal: cronB != nil && seriesFiresLocally(cfg),
		sim:       sim,
		simCfg:    simCfg,
		simDone:   make(chan struct{}),
		notif:     notif,
		target:    target,
		events:    notifierEvents(cfg),
		sdNotify:  cfg.Systemd.Notify,
	}
	a.ops = ops.New(opsCfg, func() any { return a.Status() }, log)
	return a, nil
}

func (a *App) Config() *config.Config                { return a.cfgm.Get() }
func (a *App) Log() logx.Logger                      { return a.log }
func (a *App) Bus() eventbus.Bus                     { return a.bus }
func (a *App) Store() storage.Store                  { return a.store }
func (a *App) Engine() *engine.Service               { return a.engine }
func (a *App) Project() *project.Project             { return a.project }
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }
func (a *App) Series() *series.Scheduler             { return a.series }

// Simulated reports whether the project runs on a replayed clock.
func (a *App) Simulated() bool { return a.sim != nil }

// SimulationDone is closed when a replay reaches its end. It never closes
// on a wall clock.
func (a *App) SimulationDone() <-chan struct{} { return a.simDone }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Open starts the task engine and attaches the coordinator to the project
// without driving project time. One-shot commands use it instead of Start.
func (a *App) Open(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	}
	a.engine.Start(a.sup.Context())
	a.dispatch.Start(a.sup.Context())
	return a.coord.ObserveProject(a.sup.Context(), a.project)
}

// Start runs the service: project time, the series backend, notifications
// and config hot reload.
func (a *App) Start(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}
	runCtx := a.sup.Context()

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.ops.Start(runCtx)
	if a.notif != nil {
		a.sup.Go0("notifier.forward", func(c context.Context) {
			notifier.Forward(c, a.bus, a.notif, a.target, a.events, a.log.With(logx.String("comp", "notifier")))
		})
	}

	if err := a.series.Restore(runCtx); err != nil {
		a.log.Warn("series restore incomplete", logx.Err(err))
	}
	if a.fireLocal {
		a.cron.Start(runCtx)
	}

	if a.sim != nil {
		sim, err := clock.NewSimulator(a.simCfg, a.sim, a.coord.Busy, a.log.With(logx.String("comp", "simulator")))
		if err != nil {
			return err
		}
		a.coord.AddListener(func(ev coordinator.Event) {
			if ev.Kind == coordinator.EventForecastComplete || ev.Kind == coordinator.EventForecastFailed {
				sim.Resume()
			}
		})
		a.sup.Go("simulator", func(c context.Context) error {
			err := sim.Run(c)
			if err == nil {
				close(a.simDone)
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		a.sup.Go0("project.clock", a.project.Run)
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.sdNotify {
		a.startSystemd()
	}

	a.log.Info("app started",
		logx.String("project", a.project.Name()),
		logx.Bool("simulated", a.sim != nil),
		logx.Bool("series_local", a.fireLocal),
	)
	return nil
}

// startSystemd reports readiness and, when the unit sets WatchdogSec, pings
// the watchdog at half the interval.
func (a *App) startSystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if !ok {
		a.log.Debug("sd_notify not supported (NOTIFY_SOCKET unset)")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			prev := lastApplied
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			if restart := config.RestartRequired(sections); len(restart) > 0 {
				a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
			}

			a.logs.Apply(mapLoggingConfig(newCfg))

			if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
				a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
			} else {
				a.engine.Apply(c, engCfg)
			}

			a.applyNotifier(c, prev, newCfg)

			if opsCfg, err := mapOpsConfig(newCfg); err != nil {
				a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
			} else {
				a.ops.Reconfigure(c, opsCfg)
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) applyNotifier(c context.Context, prev, next *config.Config) {
	ncfg, target := mapNotifierConfig(next)
	if a.notif == nil {
		if ncfg.Enabled {
			a.log.Warn("notifier enabled without a token at startup; restart required")
		}
		return
	}
	if target != a.target || (prev.Notifier != nil && next.Notifier != nil && prev.Notifier.Telegram.Token != next.Notifier.Telegram.Token) {
		a.log.Warn("notifier target or token changed; restart required")
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}

// WaitIdle blocks until both engines have no queued or running tasks and no
// forecast is in flight, e.g. after a deploy-mode catch-up. Idle must hold on
// two consecutive polls since a worker briefly holds a dequeued task before
// counting it in flight.
func (a *App) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	idle := 0
	for {
		if engineIdle(a.engine.Snapshot()) && engineIdle(a.dispatch.Snapshot()) && !a.coord.Busy() {
			idle++
		} else {
			idle = 0
		}
		if idle >= 2 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func engineIdle(s engine.Snapshot) bool { return s.QueueLen == 0 && s.InFlight == 0 }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sdNotify {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first so nothing new starts while workers drain.
	step("series.cron", 2*time.Second, func(c context.Context) error {
		if a.fireLocal {
			return a.cron.Stop(c)
		}
		return nil
	})
	step("coordinator", time.Second, func(context.Context) error {
		if err := a.coord.DetachProject(); err != nil && !errors.Is(err, coordinator.ErrNotObserving) {
			return err
		}
		a.project.Close()
		return nil
	})
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("dispatch", time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, simulator, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
