package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"ramsis/internal/pipeline"
	"ramsis/internal/task/scheduler"
)

// Validate checks field syntax and enumerations. It never mutates cfg;
// defaults are applied by the components that consume each section.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=sqlite")
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if err := validateProject(cfg.Project); err != nil {
		return err
	}
	if err := validateCoordinator(cfg.Coordinator); err != nil {
		return err
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return fmt.Errorf("task_engine.workers must be >= 0")
		}
		if te.QueueSize < 0 {
			return fmt.Errorf("task_engine.queue_size must be >= 0")
		}
		if te.HistorySize < 0 {
			return fmt.Errorf("task_engine.history_size must be >= 0")
		}
		if te.RetryMax < 0 {
			return fmt.Errorf("task_engine.retry_max must be >= 0")
		}
		for k, v := range map[string]string{
			"task_engine.default_timeout": te.DefaultTimeout,
			"task_engine.max_queue_delay": te.MaxQueueDelay,
			"task_engine.retry_base":      te.RetryBase,
			"task_engine.retry_max_delay": te.RetryMaxDelay,
		} {
			if _, err := ParseDurationField(k, v); err != nil {
				return err
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Series.Backend)) {
	case "", "none", "cron":
	case "http":
		if strings.TrimSpace(cfg.Series.URL) == "" {
			return fmt.Errorf("series.url is required when series.backend=http")
		}
	default:
		return fmt.Errorf("unknown series.backend: %s", cfg.Series.Backend)
	}
	if tz := strings.TrimSpace(cfg.Series.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("series.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := ParseDurationField("series.timeout", cfg.Series.Timeout); err != nil {
		return err
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return fmt.Errorf("notifier.telegram.token is required when notifier is enabled")
		}
		if n.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram.chat_id is required when notifier is enabled")
		}
		if n.Telegram.RatePerSec < 0 {
			return fmt.Errorf("notifier.telegram.rate_per_sec must be >= 0")
		}
	}

	if o := cfg.Ops; o != nil {
		if addr := strings.TrimSpace(o.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("ops.addr: invalid %q: %w", addr, err)
			}
		}
		if _, err := ParseDurationField("ops.read_timeout", o.ReadTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
			return err
		}
	}
	return nil
}

func validateProject(p ProjectConfig) error {
	switch strings.ToLower(strings.TrimSpace(p.Clock.Mode)) {
	case "", "wall":
		if _, err := ParseDurationField("project.clock.tick", p.Clock.Tick); err != nil {
			return err
		}
	case "sim":
		start, err := ParseTimeField("project.clock.start", p.Clock.Start)
		if err != nil {
			return err
		}
		end, err := ParseTimeField("project.clock.end", p.Clock.End)
		if err != nil {
			return err
		}
		if start.IsZero() || end.IsZero() {
			return fmt.Errorf("project.clock.start and project.clock.end are required when project.clock.mode=sim")
		}
		if !end.After(start) {
			return fmt.Errorf("project.clock.end must be after project.clock.start")
		}
		if _, err := ParseDurationField("project.clock.step", p.Clock.Step); err != nil {
			return err
		}
		if p.Clock.Speed < 0 {
			return fmt.Errorf("project.clock.speed must be >= 0")
		}
	default:
		return fmt.Errorf("unknown project.clock.mode: %s", p.Clock.Mode)
	}

	o := p.Observations
	switch strings.ToLower(strings.TrimSpace(o.Source)) {
	case "", "store":
	case "remote":
		if strings.TrimSpace(o.SeismicURL) == "" {
			return fmt.Errorf("project.observations.seismic_url is required when source=remote")
		}
	default:
		return fmt.Errorf("unknown project.observations.source: %s", o.Source)
	}
	if o.RetryMax < 0 {
		return fmt.Errorf("project.observations.retry_max must be >= 0")
	}
	if o.RatePerSec < 0 {
		return fmt.Errorf("project.observations.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("project.observations.timeout", o.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("project.observations.retry_delay", o.RetryDelay); err != nil {
		return err
	}
	return nil
}

func validateCoordinator(c CoordinatorConfig) error {
	if strings.TrimSpace(c.ForecastInterval) == "" {
		return fmt.Errorf("coordinator.forecast_interval is required")
	}
	if _, err := scheduler.ParseInterval(c.ForecastInterval); err != nil {
		return fmt.Errorf("coordinator.forecast_interval: %w", err)
	}
	if strings.TrimSpace(c.RateInterval) != "" {
		if _, err := scheduler.ParseInterval(c.RateInterval); err != nil {
			return fmt.Errorf("coordinator.rate_interval: %w", err)
		}
	}
	if _, err := ParseDurationField("coordinator.rate_window", c.RateWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("coordinator.bin_size", c.BinSize); err != nil {
		return err
	}
	if c.Bins < 0 {
		return fmt.Errorf("coordinator.bins must be >= 0")
	}
	if c.MagnitudeMax != 0 && c.MagnitudeMax < c.MagnitudeMin {
		return fmt.Errorf("coordinator.magnitude_max must be >= magnitude_min")
	}

	kinds, err := pipeline.ParseStageKinds(c.Stages)
	if err != nil {
		return fmt.Errorf("coordinator.stages: %w", err)
	}
	for _, k := range kinds {
		if k == pipeline.StageHazard && c.Hazard == nil {
			return fmt.Errorf("coordinator.hazard is required when stages include %s", k.ID())
		}
		if k == pipeline.StageRisk && c.Risk == nil {
			return fmt.Errorf("coordinator.risk is required when stages include %s", k.ID())
		}
	}

	models := append([]ModelConfig(nil), c.Models...)
	if c.Hazard != nil {
		models = append(models, *c.Hazard)
	}
	if c.Risk != nil {
		models = append(models, *c.Risk)
	}
	seen := map[string]bool{}
	for i, m := range models {
		path := fmt.Sprintf("coordinator.models[%d]", i)
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate model name %q", path, name)
		}
		seen[name] = true
		switch strings.ToLower(strings.TrimSpace(m.Kind)) {
		case "", "builtin":
		case "exec":
			if len(m.Command) == 0 {
				return fmt.Errorf("%s.command is required for kind=exec", path)
			}
		case "http":
			if strings.TrimSpace(m.URL) == "" {
				return fmt.Errorf("%s.url is required for kind=http", path)
			}
		default:
			return fmt.Errorf("%s: unknown kind %q", path, m.Kind)
		}
		if _, err := ParseDurationField(path+".timeout", m.Timeout); err != nil {
			return err
		}
	}
	return nil
}
