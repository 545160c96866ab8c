package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/pkg/store"
)

func TestNarrateNested(t *testing.T) {
	t.Run("Text message", func(t *testing.T) {
		line, ok := NarrateNested(InboundMessage{Type: MsgTextMessage, Agent: "planner", Content: "splitting the task"})
		require.True(t, ok)
		assert.Equal(t, "[TEAM planner] splitting the task", line)
	})

	t.Run("Tool result", func(t *testing.T) {
		line, ok := NarrateNested(InboundMessage{Type: MsgToolResult, Tool: "search", Result: "3 matches"})
		require.True(t, ok)
		assert.Equal(t, "[TEAM search] 3 matches", line)
	})

	t.Run("Task complete", func(t *testing.T) {
		line, ok := NarrateNested(InboundMessage{Type: MsgTaskComplete, Outcome: "succeeded", Summary: "report written"})
		require.True(t, ok)
		assert.Equal(t, "[TEAM] Task succeeded: report written", line)
	})

	t.Run("Unknown type not narrated", func(t *testing.T) {
		_, ok := NarrateNested(InboundMessage{Type: "heartbeat"})
		assert.False(t, ok)
	})
}

func TestNarrateCodeModifier(t *testing.T) {
	t.Run("Tool call", func(t *testing.T) {
		line, ok := NarrateCodeModifier(InboundMessage{
			Type: MsgToolCall,
			Tool: "edit_file",
			Args: json.RawMessage(`{"path": "main.go"}`),
		})
		require.True(t, ok)
		assert.Equal(t, `[CODE edit_file] using {"path":"main.go"}`, line)
	})

	t.Run("Result", func(t *testing.T) {
		line, ok := NarrateCodeModifier(InboundMessage{Type: MsgResult, Message: "done"})
		require.True(t, ok)
		assert.Equal(t, "[CODE RESULT] done", line)
	})

	t.Run("Empty args render as empty object", func(t *testing.T) {
		line, ok := NarrateCodeModifier(InboundMessage{Type: MsgToolCall, Tool: "run"})
		require.True(t, ok)
		assert.Equal(t, "[CODE run] using {}", line)
	})
}

// echoEndpoint is a WebSocket test server that records received
// messages and can push messages to the connected adapter.
type echoEndpoint struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []outboundMessage
	gotConn  chan struct{}
}

func newEchoEndpoint(t *testing.T) *echoEndpoint {
	e := &echoEndpoint{t: t, gotConn: make(chan struct{}, 8)}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()
		e.gotConn <- struct{}{}

		for {
			var msg outboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			e.mu.Lock()
			e.received = append(e.received, msg)
			e.mu.Unlock()
		}
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *echoEndpoint) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func (e *echoEndpoint) push(t *testing.T, v any) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(v))
}

func (e *echoEndpoint) messages() []outboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]outboundMessage(nil), e.received...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAdapterSendAndControl(t *testing.T) {
	endpoint := newEchoEndpoint(t)
	eventLog := store.NewLog(store.NewMemoryBackend())

	a := NewNested(endpoint.url(), "conv-1", eventLog, nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Close()

	require.NoError(t, a.Send("hello team"))
	require.NoError(t, a.Control(ControlPause))
	require.NoError(t, a.Control(ControlReset))

	waitFor(t, func() bool { return len(endpoint.messages()) == 3 })
	msgs := endpoint.messages()
	assert.Equal(t, outboundMessage{Type: "user_message", Data: "hello team"}, msgs[0])
	assert.Equal(t, outboundMessage{Type: ControlPause}, msgs[1])
	assert.Equal(t, outboundMessage{Type: ControlReset}, msgs[2])
}

func TestAdapterInbound(t *testing.T) {
	endpoint := newEchoEndpoint(t)
	eventLog := store.NewLog(store.NewMemoryBackend())

	var mu sync.Mutex
	var lines []string
	a := NewNested(endpoint.url(), "conv-1", eventLog, func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	require.NoError(t, a.Connect(context.Background()))
	defer a.Close()

	endpoint.push(t, map[string]string{"type": "text_message", "agent": "coder", "content": "working"})
	endpoint.push(t, map[string]string{"type": "heartbeat"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 1
	})
	mu.Lock()
	assert.Equal(t, "[TEAM coder] working", lines[0])
	mu.Unlock()

	// Both messages land in the event log; only one was narrated.
	waitFor(t, func() bool {
		evs, err := eventLog.Events(context.Background(), "conv-1", 0, 0)
		require.NoError(t, err)
		// adapter_connected + two inbound messages
		return len(evs) == 3
	})
	evs, err := eventLog.Events(context.Background(), "conv-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "adapter_connected", evs[0].Type)
	assert.Equal(t, "text_message", evs[1].Type)
	assert.Equal(t, store.SourceNested, evs[1].Source)
	assert.Equal(t, "heartbeat", evs[2].Type)
}

func TestAdapterClose(t *testing.T) {
	endpoint := newEchoEndpoint(t)
	a := NewNested(endpoint.url(), "conv-1", nil, nil)
	require.NoError(t, a.Connect(context.Background()))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.Send("after close")
	assert.Error(t, err)
}

func TestAdapterReconnectGivesUp(t *testing.T) {
	endpoint := newEchoEndpoint(t)
	eventLog := store.NewLog(store.NewMemoryBackend())

	a := NewNested(endpoint.url(), "conv-1", eventLog, nil)
	a.backoffInitial = time.Millisecond
	a.backoffMax = 2 * time.Millisecond
	a.maxReconnects = 3
	require.NoError(t, a.Connect(context.Background()))
	defer a.Close()

	// Stop the listener so every redial is refused, then drop the live
	// socket to kick the adapter into its reconnect loop.
	require.NoError(t, endpoint.server.Listener.Close())
	endpoint.mu.Lock()
	conn := endpoint.conn
	endpoint.mu.Unlock()
	require.NotNil(t, conn)
	conn.Close()

	waitFor(t, func() bool {
		evs, err := eventLog.Events(context.Background(), "conv-1", 0, 0)
		require.NoError(t, err)
		return len(evs) > 0 && evs[len(evs)-1].Type == "adapter_failed"
	})

	evs, err := eventLog.Events(context.Background(), "conv-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "adapter_connected", evs[0].Type)
	assert.Equal(t, "adapter_disconnected", evs[1].Type)
	assert.Equal(t, "adapter_failed", evs[len(evs)-1].Type)
}

func TestAdapterDialFailure(t *testing.T) {
	a := NewNested("ws://127.0.0.1:1/nowhere", "conv-1", nil, nil)
	err := a.Connect(context.Background())
	assert.Error(t, err)
}

func TestSetConnectAndClose(t *testing.T) {
	nested := newEchoEndpoint(t)
	codemod := newEchoEndpoint(t)
	eventLog := store.NewLog(store.NewMemoryBackend())

	set := &Set{
		Nested:       NewNested(nested.url(), "conv-1", eventLog, nil),
		CodeModifier: NewCodeModifier(codemod.url(), "conv-1", eventLog, nil),
	}
	require.NoError(t, set.Connect(context.Background()))
	set.Close()

	assert.Error(t, set.Nested.Send("x"))
	assert.Error(t, set.CodeModifier.Send("x"))
}

func TestSetConnectFailureClosesFirst(t *testing.T) {
	nested := newEchoEndpoint(t)
	set := &Set{
		Nested:       NewNested(nested.url(), "conv-1", nil, nil),
		CodeModifier: NewCodeModifier("ws://127.0.0.1:1/nowhere", "conv-1", nil, nil),
	}
	err := set.Connect(context.Background())
	require.Error(t, err)
	assert.Error(t, set.Nested.Send("x"))
}
