package bridge

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicebridge/voicebridge/pkg/store"
	"github.com/voicebridge/voicebridge/pkg/trace"
)

// SignalRequest is the body of POST /bridge/signal.
type SignalRequest struct {
	ConversationID string `json:"conversation_id"`
	OfferSDP       string `json:"offer_sdp"`
	Voice          string `json:"voice,omitempty"`
	Model          string `json:"model,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
}

// SignalResponse is the body returned by POST /bridge/signal.
type SignalResponse struct {
	ConnectionID string `json:"connection_id"`
	AnswerSDP    string `json:"answer_sdp"`
}

type disconnectRequest struct {
	ConversationID string `json:"conversation_id"`
	ConnectionID   string `json:"connection_id"`
}

type textRequest struct {
	Text string `json:"text"`
}

type statusResponse struct {
	BrowserCount int    `json:"browser_count"`
	SessionState string `json:"session_state"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns the HTTP mux for the bridge control surface.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bridge/signal", b.handleSignal)
	mux.HandleFunc("POST /bridge/disconnect", b.handleDisconnect)
	mux.HandleFunc("DELETE /bridge/conversation/{id}", b.handleStop)
	mux.HandleFunc("GET /bridge/conversation/{id}/status", b.handleStatus)
	mux.HandleFunc("POST /bridge/conversation/{id}/text", b.handleText)
	mux.HandleFunc("POST /bridge/conversation/{id}/commit", b.handleCommit)
	mux.HandleFunc("GET /bridge/conversation/{id}/events", b.handleEvents)
	return mux
}

func (b *Bridge) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	if req.ConversationID == "" || strings.TrimSpace(req.OfferSDP) == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	ctx, span := trace.StartSpan(r.Context(), "bridge.signal")
	defer span.End()
	span.SetAttributes(trace.ConversationAttrs(req.ConversationID)...)

	c, err := b.getOrCreateConversation(ctx, req)
	if err != nil {
		trace.RecordError(span, err)
		if errors.Is(err, errConversationStopping) {
			writeError(w, http.StatusConflict, "conversation_stopping")
			return
		}
		log.Printf("[bridge %s] signal: %v", req.ConversationID, err)
		writeError(w, http.StatusInternalServerError, "upstream_failed")
		return
	}

	connID, answer, err := c.browsers.AddConnection(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  req.OfferSDP,
	})
	if err != nil {
		trace.RecordError(span, err)
		log.Printf("[bridge %s] add connection: %v", req.ConversationID, err)
		writeError(w, http.StatusBadRequest, "bad_sdp")
		return
	}
	span.SetAttributes(attribute.String(trace.AttrConnectionID, connID))

	writeJSON(w, http.StatusOK, SignalResponse{
		ConnectionID: connID,
		AnswerSDP:    answer.SDP,
	})
}

func (b *Bridge) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	// Unknown conversations and connection ids are no-ops: a browser
	// may disconnect after the conversation was already stopped.
	if c := b.lookup(req.ConversationID); c != nil {
		c.browsers.RemoveConnection(req.ConnectionID)
	}
	writeOK(w)
}

func (b *Bridge) handleStop(w http.ResponseWriter, r *http.Request) {
	b.StopConversation(r.PathValue("id"))
	writeOK(w)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	c := b.lookup(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "unknown_conversation")
		return
	}

	state := "connecting"
	if s := c.conn(); s != nil && s.Ready() {
		state = "open"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		BrowserCount: c.browsers.Count(),
		SessionState: state,
	})
}

func (b *Bridge) handleText(w http.ResponseWriter, r *http.Request) {
	c := b.lookup(r.PathValue("id"))
	if c == nil || c.conn() == nil {
		writeError(w, http.StatusNotFound, "unknown_conversation")
		return
	}

	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	if err := c.conn().SendText(req.Text); err != nil {
		log.Printf("[bridge %s] send text: %v", c.id, err)
		writeError(w, http.StatusInternalServerError, "send_failed")
		return
	}
	payload, _ := json.Marshal(map[string]string{"text": req.Text})
	b.appendControllerEvent(c.id, "text_injected", payload)
	writeOK(w)
}

func (b *Bridge) handleCommit(w http.ResponseWriter, r *http.Request) {
	c := b.lookup(r.PathValue("id"))
	if c == nil || c.conn() == nil {
		writeError(w, http.StatusNotFound, "unknown_conversation")
		return
	}

	if err := c.conn().CommitAudioBuffer(); err != nil {
		log.Printf("[bridge %s] commit: %v", c.id, err)
		writeError(w, http.StatusInternalServerError, "commit_failed")
		return
	}
	writeOK(w)
}

// handleEvents streams the conversation's event log over a WebSocket.
// ?after=<id> replays persisted events past that id before going live,
// so observers can resume without gaps.
func (b *Bridge) handleEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, err := b.eventLog.Conversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_conversation")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_failed")
		return
	}

	afterID := int64(0)
	if after := r.URL.Query().Get("after"); after != "" {
		id, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_after")
			return
		}
		afterID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Subscribe before the replay so nothing falls in the gap; the
	// afterID filter below drops replayed duplicates.
	live, cancel := b.eventLog.Subscribe(conversationID, 256)
	defer cancel()

	replayed, err := b.eventLog.Events(r.Context(), conversationID, afterID, 0)
	if err != nil {
		log.Printf("[bridge %s] event replay: %v", conversationID, err)
		return
	}
	lastID := afterID
	for _, ev := range replayed {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		lastID = ev.ID
	}

	// Detect client close so the subscription gets released.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			lastID = ev.ID
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": code})
}
