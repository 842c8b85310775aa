package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/providers"
	"google.golang.org/genai"
)

type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, _ string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.contents = contents
	f.config = config
	return f.resp, f.err
}

func response(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: string(genai.RoleModel), Parts: parts}}},
	}
}

func TestReplyReturnsText(t *testing.T) {
	gen := &fakeGenerator{resp: response(&genai.Part{Text: " We open at nine. "})}
	r := newWithGenerator(Config{Temperature: 0.5, MaxOutputTokens: 128}, gen)

	reply, err := r.Reply(context.Background(), providers.ReplyRequest{
		System: "You are a receptionist.",
		History: []providers.Turn{
			{Role: events.RoleUser, Text: "When do you open?"},
			{Role: events.RoleAssistant, Text: ""},
		},
		Functions: []agent.Function{{Name: "get_business_info", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Text != "We open at nine." || len(reply.Calls) != 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(gen.contents) != 1 || gen.contents[0].Role != string(genai.RoleUser) {
		t.Fatalf("expected one user content, got %d", len(gen.contents))
	}
	if gen.config.SystemInstruction == nil || len(gen.config.Tools) != 1 {
		t.Fatalf("expected system instruction and tools")
	}
	if gen.config.Tools[0].FunctionDeclarations[0].Name != "get_business_info" {
		t.Fatalf("unexpected declaration")
	}
}

func TestReplyReturnsFunctionCalls(t *testing.T) {
	gen := &fakeGenerator{resp: response(&genai.Part{FunctionCall: &genai.FunctionCall{
		Name: "place_order",
		Args: map[string]any{"item": "latte"},
	}})}
	r := newWithGenerator(Config{}, gen)

	reply, err := r.Reply(context.Background(), providers.ReplyRequest{
		History: []providers.Turn{
			{Role: events.RoleUser, Text: "One latte please"},
			{Role: events.RoleAssistant, Call: &events.FunctionCall{ID: "c0", Name: "search_items", Arguments: `{"query":"latte"}`}},
			{Role: events.RoleUser, Result: &events.FunctionCallResponse{ID: "c0", Name: "search_items", Content: `{"items":[]}`}},
		},
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if len(reply.Calls) != 1 || reply.Calls[0].Name != "place_order" || reply.Calls[0].Arguments != `{"item":"latte"}` {
		t.Fatalf("unexpected calls %+v", reply.Calls)
	}
	if reply.Calls[0].ID == "" {
		t.Fatalf("expected generated call id")
	}
	if len(gen.contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(gen.contents))
	}
}

func TestReplyWrapsErrors(t *testing.T) {
	r := newWithGenerator(Config{}, &fakeGenerator{err: errors.New("quota")})
	_, err := r.Reply(context.Background(), providers.ReplyRequest{})
	if !errorsx.HasReason(err, errorsx.ReasonReasoningGenerate) {
		t.Fatalf("expected reasoning_generate, got %v", err)
	}
}

func TestDecodeConfigDefaults(t *testing.T) {
	cfg, err := DecodeConfig(map[string]any{"api_key": "g"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Model != DefaultModel || cfg.MaxOutputTokens != 512 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := DecodeConfig(map[string]any{}); err == nil {
		t.Fatalf("expected missing api key error")
	}
}
