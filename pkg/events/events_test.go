package events

import (
	"errors"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
	}{
		{`{"type":"SettingsApplied"}`, KindSettingsApplied},
		{`{"type":"UserStartedSpeaking"}`, KindUserStartedSpeaking},
		{`{"type":"AgentAudioDone"}`, KindAgentAudioDone},
		{`{"type":"Welcome","request_id":"x"}`, KindUnknown},
		{`{"type":"Warning","description":"slow"}`, KindWarning},
		{`{"type":"Error","message":"bad"}`, KindError},
	}
	for _, tc := range cases {
		ev, err := Decode([]byte(tc.in))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.in, err)
		}
		if ev.Kind() != tc.kind {
			t.Fatalf("decode %s: expected %s, got %s", tc.in, tc.kind, ev.Kind())
		}
	}
}

func TestDecodeConversationTextContentShapes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: `{"type":"ConversationText","role":"assistant","content":"Hello"}`, want: "Hello"},
		{in: `{"type":"ConversationText","role":"assistant","content":[{"text":"Hi"},{"text":"there"}]}`, want: "Hi there"},
		{in: `{"type":"ConversationText","role":"user","content":{"parts":[{"text":"I'd like to order"}]}}`, want: "I'd like to order"},
		{in: `{"type":"ConversationText","role":"User","content":{"content":"nested"}}`, want: "nested"},
	}
	for _, tc := range cases {
		ev, err := Decode([]byte(tc.in))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		ct, ok := ev.(ConversationText)
		if !ok {
			t.Fatalf("expected ConversationText, got %T", ev)
		}
		if ct.Content != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, ct.Content)
		}
	}
}

func TestDecodeFunctionCallRequest(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"FunctionCallRequest","functions":[{"id":"fc_1","name":"place_order","arguments":"{\"items\":[]}","client_side":true}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req := ev.(FunctionCallRequest)
	if len(req.Functions) != 1 || req.Functions[0].Name != "place_order" || req.Functions[0].ID != "fc_1" {
		t.Fatalf("unexpected request %+v", req)
	}

	ev, err = Decode([]byte(`{"type":"FunctionCallRequest","function_name":"end_call","function_call_id":"c2","input":{"reason":"done"}}`))
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	req = ev.(FunctionCallRequest)
	if len(req.Functions) != 1 || req.Functions[0].Name != "end_call" || req.Functions[0].Arguments != `{"reason":"done"}` {
		t.Fatalf("unexpected legacy request %+v", req)
	}
}

func TestDecodeUtteranceEndDefaultsToUser(t *testing.T) {
	ev, _ := Decode([]byte(`{"type":"UtteranceEnd"}`))
	if ev.(UtteranceEnd).Role != RoleUser {
		t.Fatalf("expected user role")
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{`not json`, `{"role":"user"}`, `[]`} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", in, err)
		}
	}
}

func TestEncodeRoundTripsConversationText(t *testing.T) {
	b, err := Encode(ConversationText{Role: RoleAssistant, Content: "Goodbye"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ct := ev.(ConversationText); ct.Role != RoleAssistant || ct.Content != "Goodbye" {
		t.Fatalf("unexpected %+v", ct)
	}
	if _, err := Encode(BinaryAudio{Data: []byte{1}}); err == nil {
		t.Fatalf("expected error encoding binary audio")
	}
}
