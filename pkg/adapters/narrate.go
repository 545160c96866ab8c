package adapters

import (
	"encoding/json"
	"fmt"
)

// Inbound message types shared by both tool endpoints.
const (
	MsgTextMessage  = "text_message"
	MsgToolResult   = "tool_result"
	MsgTaskComplete = "task_complete"
	MsgToolCall     = "tool_call"
	MsgResult       = "result"
)

// InboundMessage is the envelope of one message received from a tool
// endpoint. Fields are populated per message type; unused ones stay
// zero.
type InboundMessage struct {
	Type string `json:"type"`

	// text_message
	Agent   string `json:"agent,omitempty"`
	Content string `json:"content,omitempty"`

	// tool_result and tool_call
	Tool   string          `json:"tool,omitempty"`
	Result string          `json:"result,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`

	// task_complete
	Outcome string `json:"outcome,omitempty"`
	Summary string `json:"summary,omitempty"`

	// result
	Message string `json:"message,omitempty"`
}

// Narrator turns an inbound tool message into the short spoken line
// injected into the voice session. ok is false for message types that
// are logged but not narrated.
type Narrator func(msg InboundMessage) (line string, ok bool)

// NarrateNested renders nested-agent activity. The prefix keeps the
// voice model aware that the line is third-party narration, not user
// speech.
func NarrateNested(msg InboundMessage) (string, bool) {
	switch msg.Type {
	case MsgTextMessage:
		return fmt.Sprintf("[TEAM %s] %s", msg.Agent, msg.Content), true
	case MsgToolResult:
		return fmt.Sprintf("[TEAM %s] %s", msg.Tool, msg.Result), true
	case MsgTaskComplete:
		return fmt.Sprintf("[TEAM] Task %s: %s", msg.Outcome, msg.Summary), true
	}
	return "", false
}

// NarrateCodeModifier renders code-modifier activity.
func NarrateCodeModifier(msg InboundMessage) (string, bool) {
	switch msg.Type {
	case MsgToolCall:
		return fmt.Sprintf("[CODE %s] using %s", msg.Tool, compactArgs(msg.Args)), true
	case MsgResult:
		return fmt.Sprintf("[CODE RESULT] %s", msg.Message), true
	}
	return "", false
}

// compactArgs renders tool arguments on one line. Invalid or empty
// args become an empty object so the narration stays well formed.
func compactArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var buf json.RawMessage
	if err := json.Unmarshal(args, &buf); err != nil {
		return "{}"
	}
	out, err := json.Marshal(buf)
	if err != nil {
		return "{}"
	}
	return string(out)
}
