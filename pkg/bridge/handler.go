package bridge

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/voicebridge/voicebridge/pkg/realtime"
	"github.com/voicebridge/voicebridge/pkg/store"
	"github.com/voicebridge/voicebridge/pkg/upstream"
)

const storeTimeout = 5 * time.Second

var errConversationStopping = errors.New("bridge: conversation is stopping")

// sessionHandler routes upstream session output into the bridge:
// audio to the browser broadcast, events to the store, tool calls to
// the dispatcher.
type sessionHandler struct {
	bridge *Bridge
	conv   *conversation
}

var _ upstream.EventHandler = (*sessionHandler)(nil)

func (h *sessionHandler) OnSessionReady() {
	log.Printf("[bridge %s] upstream session ready", h.conv.id)
}

func (h *sessionHandler) OnAudioFrame(pcm []int16, sampleRate int) {
	h.conv.browsers.Broadcast(pcm, sampleRate)
}

func (h *sessionHandler) OnServerEvent(ev *realtime.ServerEvent) {
	h.bridge.appendVoiceEvent(h.conv.id, ev.Type, ev.Raw)
}

func (h *sessionHandler) OnToolCall(call upstream.ToolCall) {
	go h.bridge.dispatchToolCall(h.conv, call)
}

func (h *sessionHandler) OnDecodeFailure(consecutive int) {
	payload, _ := json.Marshal(map[string]int{"consecutive_errors": consecutive})
	h.bridge.appendControllerEvent(h.conv.id, "decode_failure", payload)
}

func (h *sessionHandler) OnFatal(err error) {
	log.Printf("[bridge %s] upstream fatal: %v", h.conv.id, err)
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	h.bridge.appendControllerEvent(h.conv.id, "error", payload)
	h.bridge.dropFailedSession(h.conv.id)
}

func (b *Bridge) appendVoiceEvent(conversationID, eventType string, payload json.RawMessage) {
	ctx, cancel := contextWithStoreTimeout()
	defer cancel()
	if _, err := b.eventLog.Append(ctx, conversationID, store.SourceVoice, eventType, payload); err != nil {
		log.Printf("[bridge %s] append %s: %v", conversationID, eventType, err)
	}
}
