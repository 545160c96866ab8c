package realtime

import "encoding/json"

// Client event construction. Every message sent over the data channel
// is built here so the session code never hand-assembles JSON.

// SessionUpdate builds the session.update event for cfg. A disabled
// VAD is encoded as an explicit null turn_detection, which tells the
// service to stop cutting turns and wait for manual commits.
func SessionUpdate(cfg SessionConfig) ([]byte, error) {
	session := map[string]any{
		"modalities":   []string{"audio", "text"},
		"voice":        cfg.Voice,
		"instructions": cfg.Instructions,
		"tools":        cfg.Tools,
	}
	if cfg.Tools == nil {
		session["tools"] = []Tool{}
	}
	if cfg.Transcription != nil {
		session["input_audio_transcription"] = cfg.Transcription
	}
	if cfg.DisableVAD {
		session["turn_detection"] = nil
	} else {
		session["turn_detection"] = ServerVAD()
	}
	return json.Marshal(map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// UserTextItem builds a conversation.item.create carrying a user-role
// input_text part.
func UserTextItem(text string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// FunctionCallOutput builds a conversation.item.create carrying the
// result of a completed tool call.
func FunctionCallOutput(callID, output string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// ResponseCreate builds the response.create event that asks the model
// to continue after injected items or a committed buffer.
func ResponseCreate() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "response.create"})
}

// InputAudioBufferCommit builds the manual commit event used when VAD
// is disabled.
func InputAudioBufferCommit() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "input_audio_buffer.commit"})
}
