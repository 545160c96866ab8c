package realtime

import (
	"encoding/json"
	"fmt"

	openairt "github.com/WqyJh/go-openai-realtime"
)

// ServerEvent is the parsed envelope of one data-channel message from
// the service. Only the fields the bridge routes on are lifted out;
// the full payload stays available in Raw for the event log.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// Function-call argument streaming.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Delta     string `json:"delta,omitempty"`

	// Transcription completions.
	Transcript string `json:"transcript,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	Error *ServerError `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ServerError is the error object attached to error-typed events.
type ServerError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParseServerEvent parses one data-channel message.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("server event without type")
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return &ev, nil
}

// Event classification. The type strings come from the realtime API
// client library so the routing switch cannot drift from the protocol.

// IsFunctionCallDelta reports a response.function_call_arguments.delta.
func (e *ServerEvent) IsFunctionCallDelta() bool {
	return openairt.ServerEventType(e.Type) == openairt.ServerEventTypeResponseFunctionCallArgumentsDelta
}

// IsFunctionCallDone reports a response.function_call_arguments.done.
func (e *ServerEvent) IsFunctionCallDone() bool {
	return openairt.ServerEventType(e.Type) == openairt.ServerEventTypeResponseFunctionCallArgumentsDone
}

// IsSessionUpdated reports the session.updated acknowledgment that
// gates audio forwarding.
func (e *ServerEvent) IsSessionUpdated() bool {
	return openairt.ServerEventType(e.Type) == openairt.ServerEventTypeSessionUpdated
}

// IsError reports an error-typed event.
func (e *ServerEvent) IsError() bool {
	return openairt.ServerEventType(e.Type) == openairt.ServerEventTypeError
}
