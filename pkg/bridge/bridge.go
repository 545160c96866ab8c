// Package bridge glues the conversation managers together and exposes
// the HTTP control surface: signaling, disconnect, stop, text
// injection, manual commit, and the event stream.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/voicebridge/voicebridge/pkg/adapters"
	"github.com/voicebridge/voicebridge/pkg/browser"
	"github.com/voicebridge/voicebridge/pkg/realtime"
	"github.com/voicebridge/voicebridge/pkg/store"
	"github.com/voicebridge/voicebridge/pkg/upstream"
)

// conversation bundles the per-conversation state the controller
// operates on. The session field is set once establishment succeeds.
type conversation struct {
	id       string
	browsers *browser.Manager

	mu       sync.RWMutex
	session  upstream.Conn
	tools    *adapters.Set
	stopping bool
}

func (c *conversation) adapterSet() *adapters.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

func (c *conversation) setAdapterSet(set *adapters.Set) {
	c.mu.Lock()
	c.tools = set
	c.mu.Unlock()
}

func (c *conversation) conn() upstream.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *conversation) setConn(s upstream.Conn) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *conversation) isStopping() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopping
}

func (c *conversation) markStopping() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
}

// Bridge owns the process-wide conversation state.
type Bridge struct {
	cfg      Config
	eventLog *store.Log
	sessions *upstream.Manager

	mu    sync.Mutex
	convs map[string]*conversation

	// pending carries each signal request into the session factory,
	// whose signature is keyed by conversation id only.
	pendingMu sync.Mutex
	pending   map[string]SignalRequest

	// newSession is swapped in tests to avoid real peer connections.
	newSession func(ctx context.Context, c *conversation, req SignalRequest) (upstream.Conn, error)
}

// New creates a bridge over the given event log.
func New(cfg Config, eventLog *store.Log) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		eventLog: eventLog,
		convs:    make(map[string]*conversation),
		pending:  make(map[string]SignalRequest),
	}
	b.newSession = b.connectUpstream
	b.sessions = upstream.NewManager(b.establish)
	return b
}

// getOrCreateConversation resolves the conversation's full state,
// establishing the upstream session and tool adapters on first use.
func (b *Bridge) getOrCreateConversation(ctx context.Context, req SignalRequest) (*conversation, error) {
	b.mu.Lock()
	c, ok := b.convs[req.ConversationID]
	if !ok {
		c = &conversation{id: req.ConversationID}
		c.browsers = browser.NewManager(req.ConversationID, func(pcm []int16) {
			if s := c.conn(); s != nil {
				s.SendAudio(pcm)
			}
		})
		b.convs[req.ConversationID] = c
	}
	b.mu.Unlock()

	if c.isStopping() {
		return nil, errConversationStopping
	}
	if c.conn() != nil {
		return c, nil
	}

	b.pendingMu.Lock()
	b.pending[req.ConversationID] = req
	b.pendingMu.Unlock()

	conn, err := b.sessions.GetOrCreate(ctx, req.ConversationID)

	// The factory consumes the pending request only when it runs; a
	// request that joined an in-flight establishment must clean up its
	// own stash.
	b.pendingMu.Lock()
	delete(b.pending, req.ConversationID)
	b.pendingMu.Unlock()

	if err != nil {
		return nil, err
	}
	c.setConn(conn)
	return c, nil
}

// establish is the upstream.Manager factory. It runs under the
// manager's per-conversation creation lock.
func (b *Bridge) establish(ctx context.Context, conversationID string) (upstream.Conn, error) {
	b.pendingMu.Lock()
	req := b.pending[conversationID]
	delete(b.pending, conversationID)
	b.pendingMu.Unlock()
	req.ConversationID = conversationID

	b.mu.Lock()
	c := b.convs[conversationID]
	b.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("bridge: conversation %s vanished during establishment", conversationID)
	}

	if err := b.eventLog.EnsureConversation(ctx, store.Conversation{
		ID:    conversationID,
		Name:  conversationID,
		Voice: orDefault(req.Voice, b.cfg.Voice),
	}); err != nil {
		return nil, err
	}

	conn, err := b.newSession(ctx, c, req)
	if err != nil {
		return nil, err
	}
	c.setConn(conn)

	b.connectAdapters(ctx, c)
	b.appendControllerEvent(conversationID, "session_started", nil)
	return conn, nil
}

// connectUpstream builds and connects the real upstream session.
func (b *Bridge) connectUpstream(ctx context.Context, c *conversation, req SignalRequest) (upstream.Conn, error) {
	cfg := upstream.Config{
		APIBase: b.cfg.APIBase,
		APIKey:  b.cfg.APIKey,
		Session: realtime.SessionConfig{
			Model:         orDefault(req.Model, b.cfg.Model),
			Voice:         orDefault(req.Voice, b.cfg.Voice),
			Instructions:  orDefault(req.SystemPrompt, b.cfg.Instructions),
			Tools:         realtime.DefaultTools(),
			Transcription: realtime.DefaultTranscription(b.cfg.TranscriptionLanguage),
			DisableVAD:    b.cfg.DisableVAD,
		},
	}

	session, err := upstream.NewSession(c.id, cfg, &sessionHandler{bridge: b, conv: c})
	if err != nil {
		return nil, err
	}
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// connectAdapters starts the tool adapters. Adapter failure never
// blocks audio; a missing endpoint just degrades tool dispatch.
func (b *Bridge) connectAdapters(ctx context.Context, c *conversation) {
	// Adapters outlive the signaling request that created them.
	ctx = context.WithoutCancel(ctx)
	set := &adapters.Set{}
	narrate := func(line string) {
		if s := c.conn(); s != nil {
			if err := s.SendText(line); err != nil {
				log.Printf("[bridge %s] narration failed: %v", c.id, err)
			}
		}
	}
	if b.cfg.NestedAgentsURL != "" {
		set.Nested = adapters.NewNested(b.cfg.NestedAgentsURL, c.id, b.eventLog, narrate)
		if err := set.Nested.Connect(ctx); err != nil {
			log.Printf("[bridge %s] nested adapter: %v", c.id, err)
			set.Nested = nil
		}
	}
	if b.cfg.CodeModifierURL != "" {
		set.CodeModifier = adapters.NewCodeModifier(b.cfg.CodeModifierURL, c.id, b.eventLog, narrate)
		if err := set.CodeModifier.Connect(ctx); err != nil {
			log.Printf("[bridge %s] code modifier adapter: %v", c.id, err)
			set.CodeModifier = nil
		}
	}
	c.setAdapterSet(set)
}

// lookup returns the conversation or nil.
func (b *Bridge) lookup(conversationID string) *conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.convs[conversationID]
}

// StopConversation tears down the conversation's browsers, upstream
// session, and adapters. Event history is retained. Idempotent.
func (b *Bridge) StopConversation(conversationID string) {
	b.mu.Lock()
	c := b.convs[conversationID]
	delete(b.convs, conversationID)
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.markStopping()

	c.browsers.CloseAll()
	if err := b.sessions.Close(conversationID); err != nil {
		log.Printf("[bridge %s] close session: %v", conversationID, err)
	}
	if set := c.adapterSet(); set != nil {
		set.Close()
	}
	b.appendControllerEvent(conversationID, "conversation_stopped", nil)
	log.Printf("[bridge %s] conversation stopped", conversationID)
}

// dropFailedSession removes a conversation after a fatal upstream
// failure so the next signaling request rebuilds it from scratch.
func (b *Bridge) dropFailedSession(conversationID string) {
	b.mu.Lock()
	c := b.convs[conversationID]
	delete(b.convs, conversationID)
	b.mu.Unlock()
	if c == nil {
		return
	}

	c.browsers.CloseAll()
	b.sessions.Close(conversationID)
	if set := c.adapterSet(); set != nil {
		set.Close()
	}
	b.appendControllerEvent(conversationID, "session_failed", nil)
	log.Printf("[bridge %s] upstream session failed, conversation reset", conversationID)
}

// Shutdown stops every conversation.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.convs))
	for id := range b.convs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.StopConversation(id)
	}
}

func (b *Bridge) appendControllerEvent(conversationID, eventType string, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := b.eventLog.Append(ctx, conversationID, store.SourceController, eventType, payload); err != nil {
		log.Printf("[bridge %s] append %s: %v", conversationID, eventType, err)
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
