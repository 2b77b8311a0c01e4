package config

// Config is the single configuration object built at startup and passed to
// every component that needs it.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is required for catch-up idempotency and run persistence.
	// If omitted, an in-memory store is used.
	Storage *StorageConfig `json:"storage,omitempty"`

	Project     ProjectConfig     `json:"project"`
	Coordinator CoordinatorConfig `json:"coordinator"`

	// TaskEngine controls the worker pool that executes forecast stages.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Series   SeriesConfig    `json:"series"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Systemd  SystemdConfig   `json:"systemd,omitempty"`
	Ops      *OpsConfig      `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ramsis.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type ProjectConfig struct {
	Name         string             `json:"name"`
	Clock        ClockConfig        `json:"clock"`
	Observations ObservationsConfig `json:"observations"`

	// InjectionPlan is an optional JSON file with planned hydraulic samples.
	InjectionPlan string `json:"injection_plan,omitempty"`
}

// ClockConfig selects the project time source.
//
// mode "wall" follows the system clock and checks for due tasks every tick.
// mode "sim" replays [start, end) in steps of step, at speed x real time
// (speed 0 runs as fast as forecasts complete).
type ClockConfig struct {
	Mode  string  `json:"mode"`
	Tick  string  `json:"tick,omitempty"`
	Start string  `json:"start,omitempty"` // RFC3339
	End   string  `json:"end,omitempty"`   // RFC3339
	Step  string  `json:"step,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// ObservationsConfig selects where seismic and hydraulic histories come from.
//
// source "store" reads what was imported into storage; "remote" queries an
// FDSN event service (GeoJSON) and a HYDWS hydraulic service.
type ObservationsConfig struct {
	Source       string  `json:"source"`
	SeismicURL   string  `json:"seismic_url,omitempty"`
	HydraulicURL string  `json:"hydraulic_url,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	RetryMax     int     `json:"retry_max,omitempty"`
	RetryDelay   string  `json:"retry_delay,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
}

// CoordinatorConfig holds the static forecast settings.
//
// Durations accept Go duration strings ("6h") or HH:MM ("06:00").
// An empty rate_interval disables the rate-update task.
type CoordinatorConfig struct {
	ForecastInterval string  `json:"forecast_interval"`
	RateInterval     string  `json:"rate_interval,omitempty"`
	RateWindow       string  `json:"rate_window,omitempty"`
	BinSize          string  `json:"bin_size,omitempty"`
	Bins             int     `json:"bins,omitempty"`
	MagnitudeMin     float64 `json:"magnitude_min,omitempty"`
	MagnitudeMax     float64 `json:"magnitude_max,omitempty"`
	Persist          bool    `json:"persist"`

	// Stages lists the pipeline in order; defaults to ["is_forecast"].
	Stages []string      `json:"stages,omitempty"`
	Models []ModelConfig `json:"models,omitempty"`
	Hazard *ModelConfig  `json:"hazard,omitempty"`
	Risk   *ModelConfig  `json:"risk,omitempty"`
}

// ModelConfig describes how one external capability is invoked.
//
// kind "builtin" runs an in-process reference implementation named by
// builtin; "exec" runs command with the request on stdin; "http" POSTs the
// request to url.
type ModelConfig struct {
	Name    string             `json:"name"`
	Kind    string             `json:"kind"`
	Builtin string             `json:"builtin,omitempty"`
	Command []string           `json:"command,omitempty"`
	URL     string             `json:"url,omitempty"`
	Timeout string             `json:"timeout,omitempty"`
	Params  map[string]float64 `json:"params,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`

	// CircuitTripFailures < 0 disables the circuit breaker.
	CircuitTripFailures int `json:"circuit_trip_failures,omitempty"`
}

// SeriesConfig selects the external scheduling backend for forecast series.
//
// backend "cron" keeps registrations in-process; "http" mirrors them to a
// remote deployment registry at url; "none" keeps series unscheduled.
type SeriesConfig struct {
	Backend  string `json:"backend"`
	URL      string `json:"url,omitempty"`
	Token    string `json:"token,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// NotifierConfig controls operator notifications.
type NotifierConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	// Events limits which bus events are forwarded; empty means
	// forecast completion and failure.
	Events []string `json:"events,omitempty"`
}

type TelegramConfig struct {
	Token      string  `json:"token"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// OpsConfig controls the operational HTTP endpoint (/healthz, /status and
// optionally /debug/pprof/).
//
// Security:
//   - Prefer binding to localhost (default 127.0.0.1:6060).
//   - A non-loopback addr requires token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
