package server

import (
	"context"
	"testing"

	"github.com/harunnryd/callbridge/pkg/config"
)

func TestBuildProvidersRegistersAgent(t *testing.T) {
	reg, err := BuildProviders(context.Background(), config.ProvidersConfig{
		Agent:       config.VendorConfig{Provider: "Deepgram", Settings: map[string]any{"api_key": "dg"}},
		Recognition: config.VendorConfig{Provider: "google"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !reg.Has("deepgram") {
		t.Fatalf("expected deepgram agent registered")
	}
	if reg.Has("google") {
		t.Fatalf("expected recognition skipped without settings")
	}
}

func TestBuildProvidersErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.ProvidersConfig
	}{
		{
			name: "unknown agent",
			cfg:  config.ProvidersConfig{Agent: config.VendorConfig{Provider: "acme", Settings: map[string]any{"api_key": "k"}}},
		},
		{
			name: "agent without key",
			cfg:  config.ProvidersConfig{Agent: config.VendorConfig{Provider: "deepgram"}},
		},
		{
			name: "unsupported reasoning",
			cfg: config.ProvidersConfig{
				Agent:       config.VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "k"}},
				Recognition: config.VendorConfig{Provider: "google", Settings: map[string]any{"api_key": "k"}},
				Reasoning:   config.VendorConfig{Provider: "openai", Settings: map[string]any{"api_key": "k"}},
			},
		},
		{
			name: "recognition without key",
			cfg: config.ProvidersConfig{
				Agent:       config.VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "k"}},
				Recognition: config.VendorConfig{Provider: "google", Settings: map[string]any{"model": "nova-3"}},
				Reasoning:   config.VendorConfig{Provider: "gemini", Settings: map[string]any{"api_key": "k"}},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildProviders(context.Background(), tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
