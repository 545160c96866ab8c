// Package store implements the append-only per-conversation event log
// with live fan-out to subscribers. Persistence goes through a Backend
// (PostgreSQL or in-memory); ordering and broadcast live in Log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Event sources.
const (
	SourceVoice        = "voice"
	SourceNested       = "nested"
	SourceCodeModifier = "code_modifier"
	SourceController   = "controller"
)

// ErrNotFound is returned for lookups of unknown conversations.
var ErrNotFound = errors.New("store: not found")

// Conversation is the unit of isolation and persistence. It exists
// independently of whether any peer is connected.
type Conversation struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Voice     string            `json:"voice"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event is one append-only record bound to a conversation. Events are
// never mutated; the store treats the type and payload opaquely.
type Event struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
}

// Backend is the persistence layer beneath Log. Implementations must
// assign strictly increasing event IDs per conversation.
type Backend interface {
	UpsertConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	InsertEvent(ctx context.Context, ev Event) (Event, error)
	ListEvents(ctx context.Context, conversationID string, afterID int64, limit int) ([]Event, error)
	Close(ctx context.Context) error
}

// Log is the event log used by the bridge: a Backend plus per-
// conversation append serialization and subscriber fan-out.
type Log struct {
	backend Backend

	mu        sync.Mutex
	appendMu  map[string]*sync.Mutex
	subs      map[string]map[int64]*subscriber
	nextSubID int64
}

type subscriber struct {
	ch chan Event
}

// NewLog creates a Log over backend.
func NewLog(backend Backend) *Log {
	return &Log{
		backend:  backend,
		appendMu: make(map[string]*sync.Mutex),
		subs:     make(map[string]map[int64]*subscriber),
	}
}

// EnsureConversation creates or refreshes a conversation record.
func (l *Log) EnsureConversation(ctx context.Context, conv Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	return l.backend.UpsertConversation(ctx, conv)
}

// Conversation looks up a conversation by id.
func (l *Log) Conversation(ctx context.Context, id string) (Conversation, error) {
	return l.backend.GetConversation(ctx, id)
}

// convMutex returns the per-conversation append lock, creating it on
// first use.
func (l *Log) convMutex(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.appendMu[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.appendMu[conversationID] = m
	}
	return m
}

// Append persists one event and fans it out to live subscribers.
// Appends are serialized per conversation so subscriber delivery order
// matches the persisted order.
func (l *Log) Append(ctx context.Context, conversationID, source, eventType string, payload json.RawMessage) (Event, error) {
	m := l.convMutex(conversationID)
	m.Lock()
	defer m.Unlock()

	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	ev := Event{
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Source:         source,
		Type:           eventType,
		Payload:        payload,
	}
	stored, err := l.backend.InsertEvent(ctx, ev)
	if err != nil {
		return Event{}, err
	}
	l.broadcast(stored)
	return stored, nil
}

// broadcast delivers ev to every subscriber of its conversation. The
// subscriber set is snapshotted so no lock is held across channel
// sends. Slow subscribers lose events rather than block the appender.
func (l *Log) broadcast(ev Event) {
	l.mu.Lock()
	var targets []*subscriber
	for _, s := range l.subs[ev.ConversationID] {
		targets = append(targets, s)
	}
	l.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Events returns up to limit persisted events after afterID, in order.
func (l *Log) Events(ctx context.Context, conversationID string, afterID int64, limit int) ([]Event, error) {
	return l.backend.ListEvents(ctx, conversationID, afterID, limit)
}

// Subscribe registers a live event channel for a conversation. The
// returned cancel function must be called to release the subscription;
// it closes the channel.
func (l *Log) Subscribe(conversationID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	if l.subs[conversationID] == nil {
		l.subs[conversationID] = make(map[int64]*subscriber)
	}
	l.subs[conversationID][id] = s
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if set, ok := l.subs[conversationID]; ok {
			if _, live := set[id]; live {
				delete(set, id)
				if len(set) == 0 {
					delete(l.subs, conversationID)
				}
				close(s.ch)
			}
		}
		l.mu.Unlock()
	}
	return s.ch, cancel
}

// Close shuts down the backend.
func (l *Log) Close(ctx context.Context) error {
	return l.backend.Close(ctx)
}
