package bridge

import (
	"os"

	"github.com/voicebridge/voicebridge/pkg/realtime"
)

// Config carries the process configuration. All values come from the
// environment; see ConfigFromEnv for the variable names.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// Upstream speech service.
	APIBase string
	APIKey  string

	// Session defaults, overridable per signaling request.
	Model                 string
	Voice                 string
	Instructions          string
	TranscriptionLanguage string
	DisableVAD            bool

	// Tool endpoints. Empty disables the adapter.
	NestedAgentsURL string
	CodeModifierURL string

	// DatabaseURL selects the PostgreSQL event store; empty falls back
	// to the in-memory backend.
	DatabaseURL string
}

// ConfigFromEnv reads configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		Addr:                  getEnv("BRIDGE_ADDR", ":8080"),
		APIBase:               os.Getenv("REALTIME_API_BASE"),
		APIKey:                os.Getenv("OPENAI_API_KEY"),
		Model:                 getEnv("BRIDGE_MODEL", realtime.DefaultModel),
		Voice:                 getEnv("BRIDGE_VOICE", realtime.DefaultVoice),
		Instructions:          os.Getenv("BRIDGE_INSTRUCTIONS"),
		TranscriptionLanguage: getEnv("BRIDGE_TRANSCRIPTION_LANGUAGE", realtime.DefaultTranscriptionLanguage),
		DisableVAD:            os.Getenv("BRIDGE_DISABLE_VAD") == "true",
		NestedAgentsURL:       os.Getenv("NESTED_AGENTS_URL"),
		CodeModifierURL:       os.Getenv("CODE_MODIFIER_URL"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
