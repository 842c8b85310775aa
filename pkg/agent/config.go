package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/callbridge/pkg/configutil"
)

// Provider type names recognised in agent.listen.provider.type.
const (
	ProviderDeepgram = "deepgram"
	ProviderGoogle   = "google"
	ProviderGemini   = "gemini"
)

// DefaultSpeakModel voices configs that name no speak provider.
const DefaultSpeakModel = "aura-2-thalia-en"

// Function is a callable the agent may request, in provider schema form.
type Function struct {
	Name        string         `mapstructure:"name" json:"name"`
	Description string         `mapstructure:"description" json:"description,omitempty"`
	Parameters  map[string]any `mapstructure:"parameters" json:"parameters,omitempty"`
}

// ProviderRef selects a provider and model for one agent stage.
type ProviderRef struct {
	Type     string `mapstructure:"type"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
}

// Config is the resolved agent configuration for one session.
// Raw is the settings document as delivered by the control plane.
type Config struct {
	Raw map[string]any

	Language   string
	Greeting   string
	Prompt     string
	Listen     ProviderRef
	Think      ProviderRef
	SpeakType  string
	SpeakModel string
	Functions  []Function
}

type decoded struct {
	Agent struct {
		Language string `mapstructure:"language"`
		Greeting string `mapstructure:"greeting"`
		Listen   struct {
			Provider ProviderRef `mapstructure:"provider"`
		} `mapstructure:"listen"`
		Think struct {
			Provider  ProviderRef `mapstructure:"provider"`
			Prompt    string      `mapstructure:"prompt"`
			Functions []Function  `mapstructure:"functions"`
		} `mapstructure:"think"`
		Speak any `mapstructure:"speak"`
	} `mapstructure:"agent"`
}

// Parse reads the typed view of a raw settings document.
func Parse(raw map[string]any) (Config, error) {
	if len(raw) == 0 {
		return Config{}, fmt.Errorf("empty agent config")
	}
	var d decoded
	if err := configutil.DecodeSettings(raw, &d); err != nil {
		return Config{}, fmt.Errorf("decode agent config: %w", err)
	}
	cfg := Config{
		Raw:       raw,
		Language:  d.Agent.Language,
		Greeting:  d.Agent.Greeting,
		Prompt:    d.Agent.Think.Prompt,
		Listen:    d.Agent.Listen.Provider,
		Think:     d.Agent.Think.Provider,
		Functions: d.Agent.Think.Functions,
	}
	cfg.SpeakType, cfg.SpeakModel = speakProvider(d.Agent.Speak)
	if cfg.SpeakType == "" {
		cfg.SpeakType, cfg.SpeakModel = ProviderDeepgram, DefaultSpeakModel
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return cfg, nil
}

// ListenProvider returns the recognition provider type, defaulting to deepgram.
func (c Config) ListenProvider() string {
	t := strings.ToLower(strings.TrimSpace(c.Listen.Type))
	if t == "" {
		return ProviderDeepgram
	}
	return t
}

// Dual reports whether a recognition-only provider runs beside the integrated one.
func (c Config) Dual() bool {
	switch c.ListenProvider() {
	case ProviderGoogle, ProviderGemini:
		return true
	}
	return false
}

// Settings renders the provider settings message. Extra functions are merged
// into agent.think.functions by name; ones already configured win.
func (c Config) Settings(extra []Function) ([]byte, error) {
	doc := cloneMap(c.Raw)
	if doc == nil {
		doc = map[string]any{}
	}
	doc["type"] = "Settings"
	if _, ok := doc["audio"]; !ok {
		doc["audio"] = map[string]any{
			"input":  map[string]any{"encoding": "mulaw", "sample_rate": 8000},
			"output": map[string]any{"encoding": "mulaw", "sample_rate": 8000, "container": "none"},
		}
	}
	agentDoc := childMap(doc, "agent")
	if c.Dual() {
		// the integrated channel cannot listen with a foreign recognizer
		listen := childMap(agentDoc, "listen")
		listen["provider"] = map[string]any{"type": ProviderDeepgram, "model": "nova-3"}
	}
	if agentDoc["speak"] == nil {
		agentDoc["speak"] = map[string]any{"provider": map[string]any{"type": ProviderDeepgram, "model": DefaultSpeakModel}}
	}
	if fns := MergeFunctions(c.Functions, extra); len(fns) > 0 {
		think := childMap(agentDoc, "think")
		think["functions"] = fns
	}
	return json.Marshal(doc)
}

// MergeFunctions appends extra functions whose names are not already in base.
func MergeFunctions(base, extra []Function) []Function {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]Function, 0, len(base)+len(extra))
	for _, list := range [][]Function{base, extra} {
		for _, fn := range list {
			name := strings.TrimSpace(fn.Name)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, fn)
		}
	}
	return out
}

func speakProvider(v any) (string, string) {
	var m map[string]any
	switch s := v.(type) {
	case map[string]any:
		m = s
	case []any:
		if len(s) > 0 {
			m, _ = s[0].(map[string]any)
		}
	}
	if m == nil {
		return "", ""
	}
	p, _ := m["provider"].(map[string]any)
	if p == nil {
		return "", ""
	}
	t, _ := p["type"].(string)
	model, _ := p["model"].(string)
	return t, model
}

func childMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	parent[key] = m
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return v
	}
}
