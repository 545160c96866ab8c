package bridge

import (
	"context"
	"encoding/json"
	"log"

	"github.com/voicebridge/voicebridge/pkg/adapters"
	"github.com/voicebridge/voicebridge/pkg/trace"
	"github.com/voicebridge/voicebridge/pkg/upstream"
)

func contextWithStoreTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// toolTextArgs is the argument shape of the text-carrying tools.
type toolTextArgs struct {
	Text string `json:"text"`
}

type toolResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func okResult() string { return mustMarshal(toolResult{OK: true}) }

func errResult(reason string) string {
	return mustMarshal(toolResult{OK: false, Error: reason})
}

func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"ok":false,"error":"internal"}`
	}
	return string(data)
}

// dispatchToolCall executes one completed function call and returns
// the outcome to the model.
func (b *Bridge) dispatchToolCall(c *conversation, call upstream.ToolCall) {
	_, span := trace.StartSpan(context.Background(), "bridge.tool_dispatch")
	defer span.End()
	span.SetAttributes(trace.ToolAttrs(call.Name, call.CallID)...)

	payload, _ := json.Marshal(map[string]string{
		"call_id":   call.CallID,
		"name":      call.Name,
		"arguments": call.Arguments,
	})
	b.appendControllerEvent(c.id, "tool_call", payload)

	result := b.runTool(c, call)

	session := c.conn()
	if session == nil {
		log.Printf("[bridge %s] tool %s completed with no session to answer", c.id, call.Name)
		return
	}
	if err := session.SendFunctionCallResult(call.CallID, result); err != nil {
		log.Printf("[bridge %s] return tool result: %v", c.id, err)
	}
}

// runTool maps a tool name to its adapter action. All five manifest
// tools are always advertised, so a missing adapter answers with a
// clean error rather than a protocol fault.
func (b *Bridge) runTool(c *conversation, call upstream.ToolCall) string {
	var args toolTextArgs
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errResult("bad_arguments")
		}
	}

	var set adapters.Set
	if s := c.adapterSet(); s != nil {
		set = *s
	}

	switch call.Name {
	case "send_to_nested":
		return adapterSend(set.Nested, args.Text)
	case "send_to_code_modifier":
		return adapterSend(set.CodeModifier, args.Text)
	case "pause":
		return adapterControl(set.Nested, adapters.ControlPause)
	case "reset":
		return adapterControl(set.Nested, adapters.ControlReset)
	case "pause_code_modifier":
		return adapterControl(set.CodeModifier, adapters.ControlPause)
	default:
		log.Printf("[bridge %s] unknown tool %q", c.id, call.Name)
		return errResult("unknown_tool")
	}
}

func adapterSend(a *adapters.Adapter, text string) string {
	if a == nil {
		return errResult("adapter_unavailable")
	}
	if err := a.Send(text); err != nil {
		return errResult(err.Error())
	}
	return okResult()
}

func adapterControl(a *adapters.Adapter, controlType string) string {
	if a == nil {
		return errResult("adapter_unavailable")
	}
	if err := a.Control(controlType); err != nil {
		return errResult(err.Error())
	}
	return okResult()
}
