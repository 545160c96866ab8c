package upstream

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Factory creates and connects a session for a conversation.
type Factory func(ctx context.Context, conversationID string) (Conn, error)

// Manager is the per-conversation session registry. Each conversation
// holds at most one live upstream session; concurrent requests for the
// same conversation share one establishment attempt while different
// conversations connect in parallel.
type Manager struct {
	factory Factory

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	done chan struct{}
	conn Conn
	err  error
}

// NewManager creates a registry backed by factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory: factory,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the live session for conversationID, creating it
// if none exists. A failed creation is not cached; the next call
// retries.
func (m *Manager) GetOrCreate(ctx context.Context, conversationID string) (Conn, error) {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	if !ok {
		e = &entry{done: make(chan struct{})}
		m.entries[conversationID] = e
		m.mu.Unlock()

		conn, err := m.factory(ctx, conversationID)
		e.conn, e.err = conn, err
		close(e.done)

		if err != nil {
			m.mu.Lock()
			if m.entries[conversationID] == e {
				delete(m.entries, conversationID)
			}
			m.mu.Unlock()
			return nil, fmt.Errorf("upstream: connect %s: %w", conversationID, err)
		}
		log.Printf("[upstream-manager] session established for %s", conversationID)
		return conn, nil
	}
	m.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, fmt.Errorf("upstream: connect %s: %w", conversationID, e.err)
	}
	return e.conn, nil
}

// Get returns the live session for conversationID, or false when none
// is established.
func (m *Manager) Get(conversationID string) (Conn, bool) {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.done:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.conn, true
}

// Close tears down the session for conversationID if one exists.
func (m *Manager) Close(conversationID string) error {
	m.mu.Lock()
	e, ok := m.entries[conversationID]
	delete(m.entries, conversationID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	<-e.done
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range entries {
		<-e.done
		if e.conn != nil {
			if err := e.conn.Close(); err != nil {
				log.Printf("[upstream-manager] close %s: %v", id, err)
			}
		}
	}
}

// Count returns the number of registered conversations.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
