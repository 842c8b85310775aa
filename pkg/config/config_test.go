package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("CB_DEEPGRAM_KEY", "dg-secret")
	t.Setenv("CB_CONTROL_URL", "http://control.local")
	path := writeConfig(t, `
controlplane:
  base_url: ${CB_CONTROL_URL}
providers:
  agent:
    provider: deepgram
    settings:
      api_key: ${CB_DEEPGRAM_KEY}
transport:
  settings:
    public_url: https://voice.example.com
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlPlane.BaseURL != "http://control.local" {
		t.Fatalf("expected expanded base url, got %q", cfg.ControlPlane.BaseURL)
	}
	if cfg.Providers.Agent.Settings["api_key"] != "dg-secret" {
		t.Fatalf("expected expanded api key, got %v", cfg.Providers.Agent.Settings["api_key"])
	}
	if cfg.Knowledge.BaseURL != "http://control.local" {
		t.Fatalf("expected knowledge base url to default to control plane")
	}
	if cfg.Server.Addr != ":8080" || cfg.ControlPlane.SessionCacheTTLS != 600 {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
	if cfg.Transport.Provider != "twilio" || !cfg.Privacy.RedactPII {
		t.Fatalf("expected twilio transport and redaction defaults")
	}
}

func TestLoadConfigRequiresControlPlane(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDurationHelpers(t *testing.T) {
	if Millis(0, time.Second) != time.Second || Millis(250, 0) != 250*time.Millisecond {
		t.Fatalf("unexpected Millis")
	}
	if Seconds(-1, time.Minute) != time.Minute || Seconds(2, 0) != 2*time.Second {
		t.Fatalf("unexpected Seconds")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("CONTROL_PLANE_URL", "http://control.local")
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.example.yaml"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Providers.Recognition.Settings["api_key"] != "dg" || cfg.Observability.RetentionDays != 7 {
		t.Fatalf("unexpected example config %+v", cfg.Providers.Recognition)
	}
	if cfg.ControlPlane.RedisAddr != "" {
		t.Fatalf("expected unset redis addr to expand empty, got %q", cfg.ControlPlane.RedisAddr)
	}
	if cfg.Server.WebhookRPS != 20 || cfg.Server.WebhookBurst != 40 {
		t.Fatalf("unexpected webhook limit %+v", cfg.Server)
	}
}
