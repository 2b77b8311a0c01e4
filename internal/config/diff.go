package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ramsis/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oDriver, nDriver string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Project, newCfg.Project) {
		changed = append(changed, "project")
		attrs = append(attrs,
			logx.String("project.name", newCfg.Project.Name),
			logx.String("project.clock.mode", newCfg.Project.Clock.Mode),
			logx.String("project.observations.source", newCfg.Project.Observations.Source),
		)
	}

	if !reflect.DeepEqual(oldCfg.Coordinator, newCfg.Coordinator) {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.String("coordinator.forecast_interval", newCfg.Coordinator.ForecastInterval),
			logx.String("coordinator.rate_interval", newCfg.Coordinator.RateInterval),
			logx.Any("coordinator.stages", newCfg.Coordinator.Stages),
			logx.Int("coordinator.models", len(newCfg.Coordinator.Models)),
			logx.Bool("coordinator.persist", newCfg.Coordinator.Persist),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oS, nS := oldCfg.Series, newCfg.Series
	if oS.Backend != nS.Backend || oS.URL != nS.URL || oS.Timezone != nS.Timezone || oS.Timeout != nS.Timeout ||
		(oS.Token != "") != (nS.Token != "") {
		changed = append(changed, "series")
		attrs = append(attrs,
			logx.String("series.backend", nS.Backend),
			logx.String("series.timezone", nS.Timezone),
			logx.Bool("series.token_set", nS.Token != ""),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oN.Enabled != nN.Enabled || oN.Telegram.ChatID != nN.Telegram.ChatID ||
		oN.Telegram.ThreadID != nN.Telegram.ThreadID || oN.Telegram.RatePerSec != nN.Telegram.RatePerSec ||
		oN.Telegram.Token != nN.Telegram.Token || !reflect.DeepEqual(oN.Events, nN.Events) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", nN.Telegram.Token != ""),
			logx.Int("notifier.events", len(nN.Events)),
		)
	}

	oO, nO := derefOps(oldCfg.Ops), derefOps(newCfg.Ops)
	if oO != nO {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", nO.Addr),
			logx.Bool("ops.pprof", nO.Pprof),
			logx.Bool("ops.token_set", nO.Token != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports the sections whose changes only take effect after
// a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "project", "coordinator", "series", "systemd":
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefOps(o *OpsConfig) OpsConfig {
	if o == nil {
		return OpsConfig{}
	}
	return *o
}
