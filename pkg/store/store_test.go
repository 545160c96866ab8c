package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("Conversation round trip", func(t *testing.T) {
		b := NewMemoryBackend()
		created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, b.UpsertConversation(ctx, Conversation{
			ID:        "conv-1",
			Name:      "demo",
			CreatedAt: created,
			UpdatedAt: created,
			Voice:     "alloy",
		}))

		conv, err := b.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "demo", conv.Name)
		assert.Equal(t, created, conv.CreatedAt)
	})

	t.Run("Upsert preserves created_at", func(t *testing.T) {
		b := NewMemoryBackend()
		created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, b.UpsertConversation(ctx, Conversation{ID: "conv-1", CreatedAt: created}))
		require.NoError(t, b.UpsertConversation(ctx, Conversation{
			ID:        "conv-1",
			Name:      "renamed",
			CreatedAt: created.Add(time.Hour),
			UpdatedAt: created.Add(time.Hour),
		}))

		conv, err := b.GetConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, created, conv.CreatedAt)
		assert.Equal(t, "renamed", conv.Name)
	})

	t.Run("Unknown conversation", func(t *testing.T) {
		b := NewMemoryBackend()
		_, err := b.GetConversation(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Event IDs strictly increase", func(t *testing.T) {
		b := NewMemoryBackend()
		var last int64
		for i := 0; i < 5; i++ {
			ev, err := b.InsertEvent(ctx, Event{ConversationID: "conv-1", Source: SourceVoice, Type: "t"})
			require.NoError(t, err)
			assert.Greater(t, ev.ID, last)
			last = ev.ID
		}
	})

	t.Run("ListEvents after and limit", func(t *testing.T) {
		b := NewMemoryBackend()
		for i := 0; i < 10; i++ {
			_, err := b.InsertEvent(ctx, Event{ConversationID: "conv-1", Source: SourceVoice, Type: fmt.Sprintf("t%d", i)})
			require.NoError(t, err)
		}

		evs, err := b.ListEvents(ctx, "conv-1", 3, 4)
		require.NoError(t, err)
		require.Len(t, evs, 4)
		assert.Equal(t, int64(4), evs[0].ID)
		assert.Equal(t, int64(7), evs[3].ID)

		all, err := b.ListEvents(ctx, "conv-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, all, 10)
	})

	t.Run("Conversations are isolated", func(t *testing.T) {
		b := NewMemoryBackend()
		_, err := b.InsertEvent(ctx, Event{ConversationID: "a", Source: SourceVoice, Type: "t"})
		require.NoError(t, err)
		_, err = b.InsertEvent(ctx, Event{ConversationID: "b", Source: SourceVoice, Type: "t"})
		require.NoError(t, err)

		evs, err := b.ListEvents(ctx, "a", 0, 0)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, "a", evs[0].ConversationID)
	})
}

func TestLogAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("Nil payload becomes empty object", func(t *testing.T) {
		log := NewLog(NewMemoryBackend())
		ev, err := log.Append(ctx, "conv-1", SourceController, "session_started", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(ev.Payload))
	})

	t.Run("Timestamp assigned", func(t *testing.T) {
		log := NewLog(NewMemoryBackend())
		ev, err := log.Append(ctx, "conv-1", SourceVoice, "t", nil)
		require.NoError(t, err)
		assert.False(t, ev.Timestamp.IsZero())
	})

	t.Run("Concurrent appends all persist in order", func(t *testing.T) {
		log := NewLog(NewMemoryBackend())
		const n = 50
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				payload, _ := json.Marshal(map[string]int{"i": i})
				_, err := log.Append(ctx, "conv-1", SourceVoice, "t", payload)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		evs, err := log.Events(ctx, "conv-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, evs, n)
		for i := 1; i < n; i++ {
			assert.Greater(t, evs[i].ID, evs[i-1].ID)
		}
	})
}

func TestLogSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("Subscriber receives appends in order", func(t *testing.T) {
		log := NewLog(NewMemoryBackend())
		ch, cancel := log.Subscribe("conv-1", 16)
		defer cancel()

		for i := 0; i < 3; i++ {
			_, err := log.Append(ctx, "conv-1", SourceNested, fmt.Sprintf("t%d", i), nil)
			require.NoError(t, err)
		}

		for i := 0; i < 3; i++ {
			select {
			case ev := <-ch:
				assert.Equal(t, fmt.Sprintf("t%d", i), ev.Type)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	})

	t.Run("Other conversations are not delivered", func(t *testing.T) {
		log := NewLog(NewMemoryBackend())
		ch, cancel := log.Subscribe("conv-1", 16)
		defer cancel()

		_, err := log.Append(ctx, "conv-2", SourceNested, "t", nil)
		require.NoError(t, err)

		select {
		case ev := <-ch:
			t.Fatalf("unexpected event %q for conversation %q", ev.Type, ev.ConversationID)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("Slow subscriber drops instead of blocking", func(t *testing.T) {
		log := NewLog(NewMemoryBackend())
		ch, cancel := log.Subscribe("conv-1", 1)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 10; i++ {
				_, err := log.Append(ctx, "conv-1", SourceVoice, "t", nil)
				assert.NoError(t, err)
			}
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("appender blocked on slow subscriber")
		}

		// Everything persisted even though the channel filled up.
		evs, err := log.Events(ctx, "conv-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, evs, 10)
		assert.NotEmpty(t, ch)
	})

	t.Run("Cancel closes channel and is idempotent", func(t *testing.T) {
		log := NewLog(NewMemoryBackend())
		ch, cancel := log.Subscribe("conv-1", 4)
		cancel()
		cancel()

		_, open := <-ch
		assert.False(t, open)

		// Appends after cancel must not panic.
		_, err := log.Append(ctx, "conv-1", SourceVoice, "t", nil)
		require.NoError(t, err)
	})
}

func TestEnsureConversation(t *testing.T) {
	ctx := context.Background()
	log := NewLog(NewMemoryBackend())

	require.NoError(t, log.EnsureConversation(ctx, Conversation{ID: "conv-1", Voice: "shimmer"}))
	conv, err := log.Conversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "shimmer", conv.Voice)
	assert.False(t, conv.CreatedAt.IsZero())
	assert.False(t, conv.UpdatedAt.IsZero())
}
