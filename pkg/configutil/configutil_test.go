package configutil

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"model"}}

	if err := ValidateSettings(map[string]any{"API-Key": "k", "model": "nova"}, schema); err != nil {
		t.Fatalf("expected normalized keys to validate, got %v", err)
	}
	err := ValidateSettings(map[string]any{"api_key": " ", "voice": "x"}, schema)
	if err == nil || !strings.Contains(err.Error(), "missing: api_key") || !strings.Contains(err.Error(), "unknown: voice") {
		t.Fatalf("unexpected error %v", err)
	}
	var se *SettingsError
	if !errors.As(err, &se) || len(se.Missing) != 1 || len(se.Unknown) != 1 {
		t.Fatalf("expected settings error, got %#v", err)
	}
	if err := ValidateSettings(map[string]any{"api_key": "k", "voice": "x"}, Schema{Required: []string{"api_key"}, AllowUnknown: true}); err != nil {
		t.Fatalf("expected unknown keys allowed, got %v", err)
	}
}

func TestDecodeSettingsIsWeaklyTyped(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate int    `mapstructure:"sample_rate"`
	}
	if err := DecodeSettings(map[string]any{"apiKey": "k", "sample_rate": "8000"}, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "k" || out.SampleRate != 8000 {
		t.Fatalf("unexpected decode %+v", out)
	}
	if err := RequireString(" ", "providers.agent.settings.api_key"); err == nil {
		t.Fatalf("expected required error")
	}
}

func TestDecodeSettingsSplitsListsAndDurations(t *testing.T) {
	var out struct {
		Origins []string      `mapstructure:"allowed_origins"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	if err := DecodeSettings(map[string]any{"allowed_origins": "a.example,b.example", "timeout": "2s"}, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Origins) != 2 || out.Origins[1] != "b.example" || out.Timeout != 2*time.Second {
		t.Fatalf("unexpected decode %+v", out)
	}
}
