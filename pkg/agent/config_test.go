package agent

import (
	"encoding/json"
	"testing"
)

func sampleRaw() map[string]any {
	return map[string]any{
		"agent": map[string]any{
			"language": "en",
			"greeting": "Hi, thanks for calling.",
			"listen": map[string]any{
				"provider": map[string]any{"type": "google", "model": "latest_long"},
			},
			"think": map[string]any{
				"provider": map[string]any{"type": "open_ai", "model": "gpt-4o-mini"},
				"prompt":   "You take orders.",
				"functions": []any{
					map[string]any{"name": "place_order", "description": "configured"},
				},
			},
			"speak": []any{
				map[string]any{"provider": map[string]any{"type": "deepgram", "model": "aura-2-thalia-en"}},
			},
		},
	}
}

func TestParseReadsTypedView(t *testing.T) {
	cfg, err := Parse(sampleRaw())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ListenProvider() != ProviderGoogle || !cfg.Dual() {
		t.Fatalf("expected google dual mode, got %q", cfg.ListenProvider())
	}
	if cfg.Prompt != "You take orders." || cfg.Greeting == "" {
		t.Fatalf("unexpected prompt/greeting %+v", cfg)
	}
	if cfg.SpeakModel != "aura-2-thalia-en" || cfg.SpeakType != "deepgram" {
		t.Fatalf("unexpected speak provider %q %q", cfg.SpeakType, cfg.SpeakModel)
	}
	if len(cfg.Functions) != 1 || cfg.Functions[0].Name != "place_order" {
		t.Fatalf("unexpected functions %+v", cfg.Functions)
	}
}

func TestListenProviderDefaultsToDeepgram(t *testing.T) {
	cfg, err := Parse(map[string]any{"agent": map[string]any{}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ListenProvider() != ProviderDeepgram || cfg.Dual() {
		t.Fatalf("expected deepgram single mode")
	}
	if cfg.Language != "en" {
		t.Fatalf("expected default language")
	}
}

func TestSettingsDefaultsSpeakProvider(t *testing.T) {
	cfg, err := Parse(map[string]any{"agent": map[string]any{"think": map[string]any{"prompt": "Hi"}}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SpeakType != ProviderDeepgram || cfg.SpeakModel != DefaultSpeakModel {
		t.Fatalf("unexpected speak provider %q %q", cfg.SpeakType, cfg.SpeakModel)
	}
	b, err := cfg.Settings(nil)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	var doc struct {
		Agent struct {
			Speak struct {
				Provider ProviderRef `json:"provider"`
			} `json:"speak"`
		} `json:"agent"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Agent.Speak.Provider.Type != "deepgram" || doc.Agent.Speak.Provider.Model != "aura-2-thalia-en" {
		t.Fatalf("expected default speak block, got %s", b)
	}
}

func TestSettingsMergesFunctionsWithoutMutatingRaw(t *testing.T) {
	raw := sampleRaw()
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := cfg.Settings([]Function{{Name: "place_order", Description: "generic"}, {Name: "end_call"}})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	var doc struct {
		Type  string `json:"type"`
		Agent struct {
			Listen struct {
				Provider struct {
					Type string `json:"type"`
				} `json:"provider"`
			} `json:"listen"`
			Think struct {
				Functions []Function `json:"functions"`
			} `json:"think"`
		} `json:"agent"`
		Audio map[string]any `json:"audio"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Type != "Settings" || doc.Audio == nil {
		t.Fatalf("expected settings envelope with audio, got %s", b)
	}
	if doc.Agent.Listen.Provider.Type != ProviderDeepgram {
		t.Fatalf("expected integrated listen provider rewritten, got %q", doc.Agent.Listen.Provider.Type)
	}
	fns := doc.Agent.Think.Functions
	if len(fns) != 2 || fns[0].Description != "configured" || fns[1].Name != "end_call" {
		t.Fatalf("unexpected merged functions %+v", fns)
	}
	listen := raw["agent"].(map[string]any)["listen"].(map[string]any)["provider"].(map[string]any)
	if listen["type"] != "google" {
		t.Fatalf("raw config was mutated")
	}
}
