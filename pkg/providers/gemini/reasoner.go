// Package gemini implements the reasoning step of the recognition-only
// channel on Google's Gemini models.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/providers"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float32 `mapstructure:"temperature"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
}

func DecodeConfig(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("gemini settings: %w", err)
	}
	if err := configutil.RequireString(cfg.APIKey, "providers.reasoning.settings.api_key"); err != nil {
		return Config{}, err
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = 512
	}
	return cfg, nil
}

// generator is the slice of *genai.Models the reasoner uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Reasoner struct {
	cfg    Config
	models generator
	logger *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Reasoner, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("gemini client: %w", err), errorsx.ReasonProviderConnect)
	}
	return newWithGenerator(cfg, client.Models), nil
}

func newWithGenerator(cfg Config, g generator) *Reasoner {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Reasoner{cfg: cfg, models: g, logger: logging.NewComponentLogger(nil, "gemini")}
}

func (r *Reasoner) Reply(ctx context.Context, req providers.ReplyRequest) (providers.Reply, error) {
	conf := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(r.cfg.Temperature),
		MaxOutputTokens: int32(r.cfg.MaxOutputTokens),
	}
	if strings.TrimSpace(req.System) != "" {
		conf.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Functions) > 0 {
		conf.Tools = []*genai.Tool{{FunctionDeclarations: declarations(req.Functions)}}
	}

	resp, err := r.models.GenerateContent(ctx, r.cfg.Model, contents(req.History), conf)
	if err != nil {
		return providers.Reply{}, errorsx.Wrap(fmt.Errorf("gemini generate: %w", err), errorsx.ReasonReasoningGenerate)
	}

	reply := providers.Reply{Text: strings.TrimSpace(resp.Text())}
	for _, fc := range resp.FunctionCalls() {
		if fc == nil || fc.Name == "" {
			continue
		}
		args := "{}"
		if len(fc.Args) > 0 {
			if b, err := json.Marshal(fc.Args); err == nil {
				args = string(b)
			}
		}
		id := fc.ID
		if id == "" {
			id = uuid.NewString()
		}
		reply.Calls = append(reply.Calls, events.FunctionCall{ID: id, Name: fc.Name, Arguments: args})
	}
	r.logger.Debug("gemini_reply",
		slog.String("model", r.cfg.Model),
		slog.Int("chars", len(reply.Text)),
		slog.Int("calls", len(reply.Calls)))
	return reply, nil
}

func declarations(fns []agent.Function) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(fns))
	for _, fn := range fns {
		decl := &genai.FunctionDeclaration{Name: fn.Name, Description: fn.Description}
		if len(fn.Parameters) > 0 {
			decl.ParametersJsonSchema = fn.Parameters
		}
		out = append(out, decl)
	}
	return out
}

func contents(history []providers.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		switch {
		case turn.Call != nil:
			out = append(out, genai.NewContentFromFunctionCall(turn.Call.Name, decodeArgs(turn.Call.Arguments), genai.RoleModel))
		case turn.Result != nil:
			out = append(out, genai.NewContentFromFunctionResponse(turn.Result.Name, map[string]any{"output": decodeAny(turn.Result.Content)}, genai.RoleUser))
		case strings.TrimSpace(turn.Text) == "":
			continue
		case turn.Role == events.RoleAssistant:
			out = append(out, genai.NewContentFromText(turn.Text, genai.RoleModel))
		default:
			out = append(out, genai.NewContentFromText(turn.Text, genai.RoleUser))
		}
	}
	return out
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}

func decodeAny(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

var _ providers.Reasoner = (*Reasoner)(nil)
