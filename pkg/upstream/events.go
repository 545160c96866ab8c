package upstream

import (
	"log"

	"github.com/voicebridge/voicebridge/pkg/realtime"
)

// handleServerMessage parses one data-channel message and routes it.
// Every parseable event reaches the handler; function-call argument
// streams additionally feed the accumulator.
func (s *Session) handleServerMessage(data []byte) {
	ev, err := realtime.ParseServerEvent(data)
	if err != nil {
		log.Printf("[upstream %s] bad server event: %v", s.id, err)
		return
	}

	switch {
	case ev.IsSessionUpdated():
		s.readyOnce.Do(func() {
			close(s.readyCh)
			s.handler.OnSessionReady()
		})

	case ev.IsFunctionCallDelta():
		s.appendCallDelta(ev.CallID, ev.Name, ev.Delta)

	case ev.IsFunctionCallDone():
		if call, ok := s.finishCall(ev.CallID, ev.Name, ev.Arguments); ok {
			s.handler.OnToolCall(call)
		}

	case ev.IsError():
		log.Printf("[upstream %s] service error: %v", s.id, ev.Error)
	}

	s.handler.OnServerEvent(ev)
}

// appendCallDelta accumulates a streamed argument fragment.
func (s *Session) appendCallDelta(callID, name, delta string) {
	if callID == "" {
		return
	}
	s.accMu.Lock()
	defer s.accMu.Unlock()

	acc, ok := s.accumulator[callID]
	if !ok {
		acc = &callAccumulator{}
		s.accumulator[callID] = acc
	}
	if name != "" {
		acc.name = name
	}
	acc.args = append(acc.args, delta...)
}

// finishCall drains the accumulator entry for callID and assembles the
// completed call. The done event's arguments win when present; the
// accumulated deltas back them up. Each entry is drained exactly once,
// so a duplicate done event without arguments yields nothing.
func (s *Session) finishCall(callID, name, arguments string) (ToolCall, bool) {
	if callID == "" {
		return ToolCall{}, false
	}
	s.accMu.Lock()
	acc := s.accumulator[callID]
	delete(s.accumulator, callID)
	s.accMu.Unlock()

	call := ToolCall{CallID: callID, Name: name, Arguments: arguments}
	if acc != nil {
		if call.Name == "" {
			call.Name = acc.name
		}
		if call.Arguments == "" {
			call.Arguments = string(acc.args)
		}
	}
	if call.Name == "" && call.Arguments == "" {
		return ToolCall{}, false
	}
	if call.Arguments == "" {
		call.Arguments = "{}"
	}
	return call, true
}
