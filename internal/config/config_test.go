package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Telephony.FrameBytes != 160 {
		t.Fatalf("expected 20ms mulaw frames, got %d", cfg.Telephony.FrameBytes)
	}
	if cfg.Session.IdleTimeout() != time.Minute {
		t.Fatalf("expected 1m idle timeout, got %s", cfg.Session.IdleTimeout())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barista.yaml")
	data := []byte(`
runtime_name: test-barista
orders:
  first_number: 4782
sms:
  enabled: true
  mode: exec
  command: "notify-send --urgency low"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-barista" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Orders.FirstNumber != 4782 {
		t.Fatalf("expected first number 4782, got %d", cfg.Orders.FirstNumber)
	}
	if cfg.Orders.MaxDrinksPerOrder != 5 {
		t.Fatalf("expected default max drinks to survive partial file, got %d", cfg.Orders.MaxDrinksPerOrder)
	}
	if cfg.SMS.Mode != "exec" {
		t.Fatalf("expected exec sms mode, got %q", cfg.SMS.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BARISTA_BUS_ENABLED", "true")
	t.Setenv("BARISTA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("BARISTA_BUS_USERNAME", "alice")
	t.Setenv("BARISTA_BUS_PASSWORD", "secret")
	t.Setenv("BARISTA_BUS_EMBEDDED", "false")
	t.Setenv("BARISTA_STORE_PATH", "./tmp.db")
	t.Setenv("BARISTA_STORE_RETENTION_MODE", "persistent")
	t.Setenv("BARISTA_SESSION_IDLE_TIMEOUT_MS", "1500")
	t.Setenv("BARISTA_AGENT_MODE", "echo")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("BARISTA_ORDERS_FIRST_NUMBER", "4782")
	t.Setenv("BARISTA_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled || cfg.Bus.Embedded {
		t.Fatalf("expected external bus enabled")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Store.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override")
	}
	if cfg.Session.IdleTimeout() != 1500*time.Millisecond {
		t.Fatalf("expected idle timeout override, got %s", cfg.Session.IdleTimeout())
	}
	if cfg.Agent.Mode != "echo" {
		t.Fatalf("expected agent mode override")
	}
	if cfg.Agent.APIKey != "dg-key" {
		t.Fatalf("expected deepgram key from environment")
	}
	if cfg.Orders.FirstNumber != 4782 {
		t.Fatalf("expected first number override")
	}
	if cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("expected sample ratio override, got %v", cfg.Telemetry.TraceSampleRatio)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":          func(c *Config) { c.HTTP.Port = 0 },
		"bad retention":     func(c *Config) { c.Store.RetentionMode = "forever" },
		"tiny queue":        func(c *Config) { c.Telephony.QueueSize = 1 },
		"bad agent rate":    func(c *Config) { c.Agent.SampleRate = 24000 },
		"twilio sms no sid": func(c *Config) { c.SMS.Mode = "twilio"; c.SMS.From = "+15550000000" },
		"exec sms no cmd":   func(c *Config) { c.SMS.Mode = "exec" },
		"bad agent mode":    func(c *Config) { c.Agent.Mode = "ollama" },
		"zero first number": func(c *Config) { c.Orders.FirstNumber = 0 },
		"otlp no endpoint":  func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"bad exporter":      func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"bad sample ratio":  func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
