package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "apipulse.yaml", `
log_level: debug
detection:
  sensitivity: 2.5
alerts:
  notify_cooldown: 2m
forecast:
  journeys:
    - name: Checkout
      apis: [/cart, /pay]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Detection.Sensitivity != 2.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Alerts.NotifyCooldown != 2*time.Minute {
		t.Fatalf("expected 2m cooldown, got %v", cfg.Alerts.NotifyCooldown)
	}
	if cfg.Detection.ErrorRateBucket != 10*time.Minute || cfg.Forecast.Trees != 100 {
		t.Fatalf("defaults lost: bucket=%v trees=%d", cfg.Detection.ErrorRateBucket, cfg.Forecast.Trees)
	}
	if len(cfg.Forecast.Journeys) != 1 || cfg.Forecast.Journeys[0].Name != "Checkout" {
		t.Fatalf("unexpected journeys: %+v", cfg.Forecast.Journeys)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "apipulse.json", `{"storage":{"driver":"postgres","dsn":"postgres://localhost/apipulse"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.Storage.Driver)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"storage.driver":  func(c *Config) { c.Storage.Driver = "mysql" },
		"redis_addr":      func(c *Config) { c.Forecast.ModelCache.Backend = "redis" },
		"notify.nats_url": func(c *Config) { c.Notify.Enabled = true },
		"ingest.kafka":    func(c *Config) { c.Ingest.Kafka.Enabled = true },

		"forecast.horizon_hours": func(c *Config) { c.Forecast.HorizonHours = 200 },
	}
	for want, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %q, got %v", want, err)
		}
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "apipulse.yaml", "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "warn" || m.Get().LogLevel != "warn" {
		t.Fatalf("reload not applied: %q", m.Get().LogLevel)
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
