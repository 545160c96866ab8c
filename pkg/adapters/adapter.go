// Package adapters implements the WebSocket clients that connect a
// conversation to its tool endpoints: the nested-agents service and
// the code modifier. Each adapter logs endpoint traffic to the event
// store and narrates selected messages back into the voice session.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/store"
)

// Control message types accepted by the tool endpoints.
const (
	ControlPause = "pause"
	ControlReset = "reset"
)

const (
	dialTimeout          = 10 * time.Second
	reconnectInitial     = time.Second
	reconnectMax         = 30 * time.Second
	maxReconnectAttempts = 10
)

// outboundMessage is the envelope for everything the adapter sends.
type outboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Adapter is a WebSocket client bound to one conversation and one tool
// endpoint. It reconnects with backoff until closed.
type Adapter struct {
	name           string
	url            string
	source         string
	conversationID string
	narrate        Narrator
	eventLog       *store.Log

	// onNarration injects a narration line into the voice session. Set
	// before Connect; may be nil when no session is attached yet.
	onNarration func(line string)

	// reconnect tuning, overridden in tests.
	backoffInitial time.Duration
	backoffMax     time.Duration
	maxReconnects  int

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// Config carries the adapter wiring.
type Config struct {
	Name           string
	URL            string
	Source         string
	ConversationID string
	Narrate        Narrator
	EventLog       *store.Log
	OnNarration    func(line string)
}

// New creates an adapter. Call Connect to start it.
func New(cfg Config) *Adapter {
	return &Adapter{
		name:           cfg.Name,
		url:            cfg.URL,
		source:         cfg.Source,
		conversationID: cfg.ConversationID,
		narrate:        cfg.Narrate,
		eventLog:       cfg.EventLog,
		onNarration:    cfg.OnNarration,
		backoffInitial: reconnectInitial,
		backoffMax:     reconnectMax,
		maxReconnects:  maxReconnectAttempts,
		done:           make(chan struct{}),
	}
}

// NewNested creates the adapter for the nested-agents endpoint.
func NewNested(url, conversationID string, eventLog *store.Log, onNarration func(string)) *Adapter {
	return New(Config{
		Name:           "nested",
		URL:            url,
		Source:         store.SourceNested,
		ConversationID: conversationID,
		Narrate:        NarrateNested,
		EventLog:       eventLog,
		OnNarration:    onNarration,
	})
}

// NewCodeModifier creates the adapter for the code-modifier endpoint.
func NewCodeModifier(url, conversationID string, eventLog *store.Log, onNarration func(string)) *Adapter {
	return New(Config{
		Name:           "code_modifier",
		URL:            url,
		Source:         store.SourceCodeModifier,
		ConversationID: conversationID,
		Narrate:        NarrateCodeModifier,
		EventLog:       eventLog,
		OnNarration:    onNarration,
	})
}

// Name returns the adapter name used in logs and dispatch.
func (a *Adapter) Name() string { return a.name }

// Connect dials the endpoint and starts the read loop. The adapter
// keeps reconnecting in the background after transient failures; only
// the initial dial error is returned.
func (a *Adapter) Connect(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("adapter %s: dial %s: %w", a.name, a.url, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return fmt.Errorf("adapter %s: closed", a.name)
	}
	a.conn = conn
	a.mu.Unlock()

	a.appendEvent("adapter_connected", nil)
	go a.readLoop(ctx, conn)
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.url, nil)
	return conn, err
}

// Send forwards user text to the endpoint as a user_message.
func (a *Adapter) Send(text string) error {
	return a.write(outboundMessage{Type: "user_message", Data: text})
}

// Control sends a control message (pause or reset).
func (a *Adapter) Control(controlType string) error {
	return a.write(outboundMessage{Type: controlType})
}

func (a *Adapter) write(msg outboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("adapter %s: closed", a.name)
	}
	if a.conn == nil {
		return fmt.Errorf("adapter %s: not connected", a.name)
	}
	if err := a.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("adapter %s: write: %w", a.name, err)
	}
	return nil
}

// readLoop consumes endpoint messages until the connection drops, then
// hands off to the reconnect loop.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[adapter %s] read error: %v", a.name, err)
			}
			break
		}
		a.handleMessage(data)
	}

	conn.Close()
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	closed := a.closed
	a.mu.Unlock()

	if closed || ctx.Err() != nil {
		return
	}
	a.appendEvent("adapter_disconnected", nil)
	a.reconnectLoop(ctx)
}

// reconnectLoop retries the dial with doubling backoff. The retry
// budget is bounded; an adapter that exhausts it stops for good and
// leaves a terminal event in the log.
func (a *Adapter) reconnectLoop(ctx context.Context) {
	backoff := a.backoffInitial
	for attempt := 1; attempt <= a.maxReconnects; attempt++ {
		select {
		case <-a.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := a.dial(ctx)
		if err != nil {
			log.Printf("[adapter %s] reconnect %d/%d failed: %v", a.name, attempt, a.maxReconnects, err)
			backoff *= 2
			if backoff > a.backoffMax {
				backoff = a.backoffMax
			}
			continue
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			conn.Close()
			return
		}
		a.conn = conn
		a.mu.Unlock()

		log.Printf("[adapter %s] reconnected to %s", a.name, a.url)
		a.appendEvent("adapter_reconnected", nil)
		a.readLoop(ctx, conn)
		return
	}

	log.Printf("[adapter %s] giving up after %d reconnect attempts", a.name, a.maxReconnects)
	a.appendEvent("adapter_failed", nil)
}

// handleMessage logs one inbound message and narrates it if the
// narrator produces a line for its type.
func (a *Adapter) handleMessage(data []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[adapter %s] bad message: %v", a.name, err)
		return
	}
	if msg.Type == "" {
		log.Printf("[adapter %s] message without type, dropping", a.name)
		return
	}

	a.appendEvent(msg.Type, json.RawMessage(data))

	if a.narrate == nil || a.onNarration == nil {
		return
	}
	if line, ok := a.narrate(msg); ok {
		a.onNarration(line)
	}
}

func (a *Adapter) appendEvent(eventType string, payload json.RawMessage) {
	if a.eventLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.eventLog.Append(ctx, a.conversationID, a.source, eventType, payload); err != nil {
		log.Printf("[adapter %s] append event: %v", a.name, err)
	}
}

// Close stops the adapter and closes the connection. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// Set bundles the two tool adapters of a conversation.
type Set struct {
	Nested       *Adapter
	CodeModifier *Adapter
}

// Connect connects both adapters. A failure on either aborts and
// closes what was already connected.
func (s *Set) Connect(ctx context.Context) error {
	if s.Nested != nil {
		if err := s.Nested.Connect(ctx); err != nil {
			return err
		}
	}
	if s.CodeModifier != nil {
		if err := s.CodeModifier.Connect(ctx); err != nil {
			if s.Nested != nil {
				s.Nested.Close()
			}
			return err
		}
	}
	return nil
}

// Close closes both adapters.
func (s *Set) Close() {
	if s.Nested != nil {
		s.Nested.Close()
	}
	if s.CodeModifier != nil {
		s.CodeModifier.Close()
	}
}
