// Package realtime defines the wire protocol spoken with the upstream
// speech-to-speech service over the WebRTC data channel: the session
// configuration sent after the channel opens, the client events the
// bridge emits, and the envelope used to parse server events.
package realtime

import (
	"encoding/json"

	openairt "github.com/WqyJh/go-openai-realtime"
	openai "github.com/sashabaranov/go-openai"
)

// DataChannelLabel is the label of the control/event data channel.
const DataChannelLabel = "oai-events"

// DefaultModel is the speech model used when a signaling request does
// not name one.
const DefaultModel = "gpt-4o-realtime-preview"

// DefaultVoice is the voice used when a signaling request does not
// name one.
var DefaultVoice = string(openairt.VoiceAlloy)

// DefaultTranscriptionLanguage is the language hint attached to input
// transcription. The hint is load-bearing: without it the service
// auto-detects the spoken language and answers in it, overriding the
// system prompt.
const DefaultTranscriptionLanguage = "en"

// TranscriptionConfig enables transcription of the caller's audio.
type TranscriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// DefaultTranscription returns the whisper transcription config with
// the given language hint (empty falls back to the default hint).
func DefaultTranscription(language string) *TranscriptionConfig {
	if language == "" {
		language = DefaultTranscriptionLanguage
	}
	return &TranscriptionConfig{Model: openai.Whisper1, Language: language}
}

// TurnDetection selects server-side voice activity detection. Only the
// type field is populated: the service defaults have proven strictly
// better than hand-tuned thresholds, which fragment transcripts when
// too tight and stall turns when too loose.
type TurnDetection struct {
	Type string `json:"type"`
}

// ServerVAD returns the default server-side VAD configuration.
func ServerVAD() *TurnDetection {
	return &TurnDetection{Type: "server_vad"}
}

// Tool describes one function exposed to the speech model.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SessionConfig is the configuration snapshot sent in session.update
// once the data channel opens. Modalities are fixed to {audio, text}.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []Tool

	// Transcription, when set, asks the service to transcribe caller
	// audio. Include a language hint (see DefaultTranscriptionLanguage).
	Transcription *TranscriptionConfig

	// DisableVAD switches the session to manual commit mode: the
	// session.update carries an explicit null turn_detection and the
	// caller must commit audio buffers itself.
	DisableVAD bool
}

// textParam is the single-string argument schema shared by the text
// dispatch tools.
var textParam = json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)

// noParams is the empty argument schema used by the control tools.
var noParams = json.RawMessage(`{"type":"object","properties":{}}`)

// DefaultTools returns the fixed tool manifest advertised on every
// session. All five tools are always advertised; dispatch returns a
// clean error when the backing adapter is absent.
func DefaultTools() []Tool {
	return []Tool{
		{
			Type:        "function",
			Name:        "send_to_nested",
			Description: "Delegate a user request to the nested multi-agent team. Use for any task that needs planning, coding, or research.",
			Parameters:  textParam,
		},
		{
			Type:        "function",
			Name:        "send_to_code_modifier",
			Description: "Send a self-editing instruction to the code modifier process.",
			Parameters:  textParam,
		},
		{
			Type:        "function",
			Name:        "pause",
			Description: "Pause the nested agent team.",
			Parameters:  noParams,
		},
		{
			Type:        "function",
			Name:        "reset",
			Description: "Reset the nested agent team, discarding its current task.",
			Parameters:  noParams,
		},
		{
			Type:        "function",
			Name:        "pause_code_modifier",
			Description: "Pause the code modifier process.",
			Parameters:  noParams,
		},
	}
}
