package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/config"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/providers"
	"github.com/harunnryd/callbridge/pkg/providers/deepgram"
	"github.com/harunnryd/callbridge/pkg/providers/gemini"
	"github.com/harunnryd/callbridge/pkg/providers/recognition"
)

// recognitionKinds are the listen types that select the recognition-only channel.
var recognitionKinds = []string{"google", "gemini"}

var (
	agentSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"url", "keepalive_ms", "event_buffer"},
	}
	listenSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "sample_rate", "utterance_end_ms", "interim"},
	}
	geminiSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "temperature", "max_output_tokens"},
	}
)

func validateSettings(path string, settings map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// BuildProviders registers the integrated agent under its configured name
// and, when recognition settings are present, the recognition-only channel
// under every listen type that selects it.
func BuildProviders(ctx context.Context, cfg config.ProvidersConfig) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	switch name := strings.ToLower(strings.TrimSpace(cfg.Agent.Provider)); name {
	case "deepgram":
		if err := validateSettings("providers.agent.settings", cfg.Agent.Settings, agentSchema); err != nil {
			return nil, err
		}
		ac, err := deepgram.DecodeAgentConfig(cfg.Agent.Settings)
		if err != nil {
			return nil, err
		}
		reg.Register(name, deepgram.NewAgentFactory(ac, nil))
	default:
		return nil, fmt.Errorf("agent provider not supported: %s", cfg.Agent.Provider)
	}

	if strings.TrimSpace(cfg.Recognition.Provider) == "" || len(cfg.Recognition.Settings) == 0 {
		return reg, nil
	}
	factory, err := recognitionFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	for _, kind := range recognitionKinds {
		reg.Register(kind, factory)
	}
	reg.Register(cfg.Recognition.Provider, factory)
	return reg, nil
}

func recognitionFactory(ctx context.Context, cfg config.ProvidersConfig) (providers.Factory, error) {
	if err := validateSettings("providers.recognition.settings", cfg.Recognition.Settings, listenSchema); err != nil {
		return nil, err
	}
	listen, err := deepgram.DecodeListenConfig(cfg.Recognition.Settings)
	if err != nil {
		return nil, err
	}
	if p := strings.ToLower(strings.TrimSpace(cfg.Reasoning.Provider)); p != "gemini" {
		return nil, fmt.Errorf("reasoning provider not supported: %s", cfg.Reasoning.Provider)
	}
	if err := validateSettings("providers.reasoning.settings", cfg.Reasoning.Settings, geminiSchema); err != nil {
		return nil, err
	}
	gc, err := gemini.DecodeConfig(cfg.Reasoning.Settings)
	if err != nil {
		return nil, err
	}
	reasoner, err := gemini.New(ctx, gc)
	if err != nil {
		return nil, err
	}
	return recognition.NewFactory(recognition.Config{}, func(meta agent.Metadata) recognition.Transcriber {
		lc := listen
		lc.SessionID = meta.SessionID
		return deepgram.NewTranscriber(lc)
	}, reasoner), nil
}
