package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps conversations and events in process memory. It
// serves tests and database-less development runs; durability comes
// from the PostgreSQL backend.
type MemoryBackend struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	events        map[string][]Event
	nextID        int64
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		conversations: make(map[string]Conversation),
		events:        make(map[string][]Event),
		nextID:        1,
	}
}

// UpsertConversation inserts or refreshes a conversation record.
func (b *MemoryBackend) UpsertConversation(_ context.Context, conv Conversation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.conversations[conv.ID]; ok {
		conv.CreatedAt = existing.CreatedAt
	}
	b.conversations[conv.ID] = conv
	return nil
}

// GetConversation looks up a conversation.
func (b *MemoryBackend) GetConversation(_ context.Context, id string) (Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv, ok := b.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

// InsertEvent assigns the next id and appends the event.
func (b *MemoryBackend) InsertEvent(_ context.Context, ev Event) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.ID = b.nextID
	b.nextID++
	b.events[ev.ConversationID] = append(b.events[ev.ConversationID], ev)
	return ev, nil
}

// ListEvents returns up to limit events with id > afterID, in id order.
func (b *MemoryBackend) ListEvents(_ context.Context, conversationID string, afterID int64, limit int) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.events[conversationID] {
		if ev.ID <= afterID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the memory backend.
func (b *MemoryBackend) Close(context.Context) error { return nil }
