package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
logging:
  level: debug
  console: true
project:
  name: basel
  clock:
    mode: sim
    start: "2006-12-02T00:00:00Z"
    end: "2006-12-10T00:00:00Z"
    step: 1h
coordinator:
  forecast_interval: 6h
  rate_interval: "01:00"
  bin_size: 6h
  persist: true
  stages: [is_forecast]
  models:
    - name: poisson
      kind: builtin
      builtin: poisson
series:
  backend: cron
`

func TestParseBytesYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("cfg.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatalf("ParseBytes yaml: %v", err)
	}
	if cfg.Project.Name != "basel" || cfg.Coordinator.ForecastInterval != "6h" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Coordinator.Models) != 1 || cfg.Coordinator.Models[0].Builtin != "poisson" {
		t.Fatalf("models = %+v", cfg.Coordinator.Models)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	js := `{"project":{"name":"x"},"coordinator":{"forecast_interval":"1h"},"series":{"backend":"none"}}`
	cfg, err = ParseBytes("cfg.json", []byte(js))
	if err != nil {
		t.Fatalf("ParseBytes json: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseBytesRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := ParseBytes("cfg.json", []byte(`{"coordinator":{"forecast_interval":"1h","bogus":1}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := ParseBytes("cfg.json", []byte(`{"series":{}}{"series":{}}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{Coordinator: CoordinatorConfig{ForecastInterval: "6h"}}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "missing interval", mutate: func(c *Config) { c.Coordinator.ForecastInterval = "" }, want: "forecast_interval"},
		{name: "bad interval", mutate: func(c *Config) { c.Coordinator.ForecastInterval = "soon" }, want: "forecast_interval"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, want: "storage.path"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, want: "storage.driver"},
		{name: "sim without window", mutate: func(c *Config) { c.Project.Clock.Mode = "sim" }, want: "project.clock"},
		{name: "remote without url", mutate: func(c *Config) { c.Project.Observations.Source = "remote" }, want: "seismic_url"},
		{name: "http backend without url", mutate: func(c *Config) { c.Series.Backend = "http" }, want: "series.url"},
		{name: "bad timezone", mutate: func(c *Config) { c.Series.Timezone = "Mars/Olympus" }, want: "series.timezone"},
		{name: "magnitude range", mutate: func(c *Config) {
			c.Coordinator.MagnitudeMin, c.Coordinator.MagnitudeMax = 3, 1
		}, want: "magnitude_max"},
		{name: "exec without command", mutate: func(c *Config) {
			c.Coordinator.Models = []ModelConfig{{Name: "etas", Kind: "exec"}}
		}, want: "command"},
		{name: "duplicate model", mutate: func(c *Config) {
			c.Coordinator.Models = []ModelConfig{{Name: "a"}, {Name: "a"}}
		}, want: "duplicate"},
		{name: "notifier without token", mutate: func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true}
		}, want: "token"},
		{name: "ops addr without port", mutate: func(c *Config) {
			c.Ops = &OpsConfig{Enabled: true, Addr: "localhost"}
		}, want: "ops.addr"},
		{name: "ops bad timeout", mutate: func(c *Config) {
			c.Ops = &OpsConfig{WriteTimeout: "forever"}
		}, want: "ops.write_timeout"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChangeOmitsSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Notifier: &NotifierConfig{Enabled: true, Telegram: TelegramConfig{Token: "old-secret", ChatID: 1}}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Notifier: &NotifierConfig{Enabled: true, Telegram: TelegramConfig{Token: "new-secret", ChatID: 1}},
		Series:   SeriesConfig{Backend: "cron"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "notifier", "series"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "series" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ramsis.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Unchanged content is not republished.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unexpected publish for unchanged content")
	default:
	}

	updated := strings.Replace(minimalYAML, "level: debug", "level: info", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case got := <-sub:
		if got.Logging.Level != "info" {
			t.Fatalf("level = %q", got.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("expected publish")
	}

	// Invalid content is rejected and the committed config stays.
	if err := os.WriteFile(path, []byte("coordinator:\n  forecast_interval: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get().Logging.Level != "info" {
		t.Fatal("invalid config should not be committed")
	}
}
