// Package events defines the closed set of provider events the bridge reacts to.
// Text envelopes are decoded once, at the provider boundary, into one of the
// concrete types below; everything downstream switches on the Go type.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind names an event variant. Values match the provider's "type" discriminator.
type Kind string

const (
	KindSettingsApplied      Kind = "SettingsApplied"
	KindUserStartedSpeaking  Kind = "UserStartedSpeaking"
	KindUtteranceEnd         Kind = "UtteranceEnd"
	KindConversationText     Kind = "ConversationText"
	KindFunctionCallRequest  Kind = "FunctionCallRequest"
	KindFunctionCallResponse Kind = "FunctionCallResponse"
	KindWarning              Kind = "Warning"
	KindError                Kind = "Error"
	KindAgentAudioDone       Kind = "AgentAudioDone"
	KindBinaryAudio          Kind = "BinaryAudio"
	KindUnknown              Kind = "Unknown"
)

// Roles used by conversation events.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

type SettingsApplied struct{}

type UserStartedSpeaking struct{}

type UtteranceEnd struct {
	Role string
}

type ConversationText struct {
	Role    string
	Content string
}

// FunctionCall is one requested invocation. Arguments is the raw serialized JSON object.
type FunctionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side,omitempty"`
}

type FunctionCallRequest struct {
	Functions []FunctionCall
}

type FunctionCallResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Warning and Error keep the raw envelope so the collector can log it verbatim.
type Warning struct {
	Code        string
	Description string
	Raw         json.RawMessage
}

type Error struct {
	Code        string
	Description string
	Raw         json.RawMessage
}

type AgentAudioDone struct{}

type BinaryAudio struct {
	Data []byte
}

// Unknown carries envelopes with a type the bridge does not act on.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SettingsApplied) Kind() Kind      { return KindSettingsApplied }
func (UserStartedSpeaking) Kind() Kind  { return KindUserStartedSpeaking }
func (UtteranceEnd) Kind() Kind         { return KindUtteranceEnd }
func (ConversationText) Kind() Kind     { return KindConversationText }
func (FunctionCallRequest) Kind() Kind  { return KindFunctionCallRequest }
func (FunctionCallResponse) Kind() Kind { return KindFunctionCallResponse }
func (Warning) Kind() Kind              { return KindWarning }
func (Error) Kind() Kind                { return KindError }
func (AgentAudioDone) Kind() Kind       { return KindAgentAudioDone }
func (BinaryAudio) Kind() Kind          { return KindBinaryAudio }
func (Unknown) Kind() Kind              { return KindUnknown }

func (SettingsApplied) sealed()      {}
func (UserStartedSpeaking) sealed()  {}
func (UtteranceEnd) sealed()         {}
func (ConversationText) sealed()     {}
func (FunctionCallRequest) sealed()  {}
func (FunctionCallResponse) sealed() {}
func (Warning) sealed()              {}
func (Error) sealed()                {}
func (AgentAudioDone) sealed()       {}
func (BinaryAudio) sealed()          {}
func (Unknown) sealed()              {}

// ErrMalformed is returned for envelopes that are not JSON objects with a type.
var ErrMalformed = errors.New("malformed provider event")

type envelope struct {
	Type        string          `json:"type"`
	Role        string          `json:"role"`
	Content     json.RawMessage `json:"content"`
	Functions   []FunctionCall  `json:"functions"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Message     string          `json:"message"`

	// single-function form
	FunctionName   string          `json:"function_name"`
	FunctionCallID string          `json:"function_call_id"`
	Input          json.RawMessage `json:"input"`
}

// Decode parses one text envelope into its event variant.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	raw := json.RawMessage(append([]byte(nil), data...))
	switch Kind(env.Type) {
	case KindSettingsApplied:
		return SettingsApplied{}, nil
	case KindUserStartedSpeaking:
		return UserStartedSpeaking{}, nil
	case KindUtteranceEnd:
		role := strings.ToLower(env.Role)
		if role == "" {
			role = RoleUser
		}
		return UtteranceEnd{Role: role}, nil
	case KindConversationText:
		return ConversationText{Role: strings.ToLower(env.Role), Content: ExtractText(env.Content)}, nil
	case KindFunctionCallRequest:
		fns := env.Functions
		if len(fns) == 0 && env.FunctionName != "" {
			args := "{}"
			if len(env.Input) > 0 {
				args = string(env.Input)
			}
			fns = []FunctionCall{{ID: env.FunctionCallID, Name: env.FunctionName, Arguments: args}}
		}
		return FunctionCallRequest{Functions: fns}, nil
	case KindFunctionCallResponse:
		return FunctionCallResponse{ID: env.ID, Name: env.Name, Content: ExtractText(env.Content)}, nil
	case KindWarning:
		return Warning{Code: env.Code, Description: firstNonEmpty(env.Description, env.Message), Raw: raw}, nil
	case KindError:
		return Error{Code: env.Code, Description: firstNonEmpty(env.Description, env.Message), Raw: raw}, nil
	case KindAgentAudioDone:
		return AgentAudioDone{}, nil
	default:
		return Unknown{Type: env.Type, Raw: raw}, nil
	}
}

// ExtractText flattens a content field that may be a string, a list of
// parts, or an object with "text" or "parts".
func ExtractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := ExtractText(p); t != "" {
				out = append(out, t)
			}
		}
		return strings.Join(out, " ")
	}
	var obj struct {
		Text    string            `json:"text"`
		Content json.RawMessage   `json:"content"`
		Parts   []json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Text != "" {
			return obj.Text
		}
		if len(obj.Parts) > 0 {
			b, _ := json.Marshal(obj.Parts)
			return ExtractText(b)
		}
		if len(obj.Content) > 0 {
			return ExtractText(obj.Content)
		}
		return ""
	}
	return string(raw)
}

// Encode renders an event as a provider-style text envelope.
// BinaryAudio has no text form and returns an error.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case SettingsApplied, UserStartedSpeaking, AgentAudioDone:
		return json.Marshal(map[string]any{"type": ev.Kind()})
	case UtteranceEnd:
		return json.Marshal(map[string]any{"type": ev.Kind(), "role": e.Role})
	case ConversationText:
		return json.Marshal(map[string]any{"type": ev.Kind(), "role": e.Role, "content": e.Content})
	case FunctionCallRequest:
		return json.Marshal(map[string]any{"type": ev.Kind(), "functions": e.Functions})
	case FunctionCallResponse:
		return json.Marshal(map[string]any{"type": ev.Kind(), "id": e.ID, "name": e.Name, "content": e.Content})
	case Warning:
		return json.Marshal(map[string]any{"type": ev.Kind(), "code": e.Code, "description": e.Description})
	case Error:
		return json.Marshal(map[string]any{"type": ev.Kind(), "code": e.Code, "description": e.Description})
	case Unknown:
		if len(e.Raw) > 0 {
			return e.Raw, nil
		}
		return json.Marshal(map[string]any{"type": e.Type})
	}
	return nil, fmt.Errorf("event %s has no text form", ev.Kind())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
