// Package agent speaks the voice agent websocket protocol: PCM audio in
// binary frames and JSON control events in text frames.
package agent

import (
	"encoding/json"

	"github.com/loqalabs/loqa-barista/internal/config"
)

// Inbound event types.
const (
	TypeAudio                = "Audio"
	TypeWelcome              = "Welcome"
	TypeSettingsApplied      = "SettingsApplied"
	TypeConversationText     = "ConversationText"
	TypeUserStartedSpeaking  = "UserStartedSpeaking"
	TypeAgentThinking        = "AgentThinking"
	TypeAgentStartedSpeaking = "AgentStartedSpeaking"
	TypeAgentAudioDone       = "AgentAudioDone"
	TypeFunctionCallRequest  = "FunctionCallRequest"
	TypeError                = "Error"
	TypeWarning              = "Warning"
)

// Outbound event types.
const (
	TypeSettings             = "Settings"
	TypeFunctionCallResponse = "FunctionCallResponse"
	TypeKeepAlive            = "KeepAlive"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one decoded inbound frame. Audio is set for binary frames;
// the remaining fields depend on Type.
type Message struct {
	Type        string
	Audio       []byte
	Role        string
	Content     string
	Functions   []FunctionCall
	Description string
	Code        string
	Raw         json.RawMessage
}

// FunctionCall is a single tool invocation requested by the agent.
type FunctionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide *bool  `json:"client_side,omitempty"`
}

// ServerSide reports whether the agent runs this function itself. Only an
// explicit client_side false counts; a missing flag means the call is ours.
func (f FunctionCall) ServerSide() bool {
	return f.ClientSide != nil && !*f.ClientSide
}

// FunctionCallResponse answers exactly one FunctionCall, matched by ID.
type FunctionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Function is a tool definition advertised in Settings.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type inboundEnvelope struct {
	Type        string         `json:"type"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	Functions   []FunctionCall `json:"functions"`
	Description string         `json:"description"`
	Message     string         `json:"message"`
	Code        string         `json:"code"`
}

func decodeText(data []byte) (Message, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}
	msg := Message{
		Type:        env.Type,
		Role:        env.Role,
		Content:     env.Content,
		Functions:   env.Functions,
		Description: env.Description,
		Code:        env.Code,
		Raw:         append(json.RawMessage(nil), data...),
	}
	if msg.Description == "" {
		msg.Description = env.Message
	}
	return msg, nil
}

// Settings is the first message sent after connecting.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string         `json:"language"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type Provider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type ListenSettings struct {
	Provider Provider `json:"provider"`
}

type ThinkSettings struct {
	Provider  Provider   `json:"provider"`
	Prompt    string     `json:"prompt"`
	Functions []Function `json:"functions,omitempty"`
}

type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

// BuildSettings assembles the session settings from configuration.
func BuildSettings(cfg config.AgentConfig, prompt string, functions []Function) Settings {
	return Settings{
		Type: TypeSettings,
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "linear16", SampleRate: cfg.SampleRate},
			Output: AudioFormat{Encoding: "linear16", SampleRate: cfg.SampleRate, Container: "none"},
		},
		Agent: AgentSettings{
			Language: cfg.Language,
			Listen:   ListenSettings{Provider: Provider{Type: "deepgram", Model: cfg.ListenModel}},
			Think: ThinkSettings{
				Provider:  Provider{Type: cfg.ThinkProvider, Model: cfg.ThinkModel},
				Prompt:    prompt,
				Functions: functions,
			},
			Speak:    SpeakSettings{Provider: Provider{Type: "deepgram", Model: cfg.SpeakModel}},
			Greeting: cfg.Greeting,
		},
	}
}
