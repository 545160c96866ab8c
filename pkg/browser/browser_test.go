package browser

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/pkg/audio"
)

func testConn(t *testing.T) *Conn {
	t.Helper()
	c, err := newConn()
	require.NoError(t, err)
	t.Cleanup(c.close)
	return c
}

func TestConnEnqueue(t *testing.T) {
	t.Run("Queues up to capacity", func(t *testing.T) {
		c := testConn(t)
		for i := 0; i < queueDepth; i++ {
			c.enqueue(make([]int16, audio.SamplesPerFrame))
		}
		assert.Len(t, c.queue, queueDepth)
	})

	t.Run("Drops oldest when full", func(t *testing.T) {
		c := testConn(t)
		for i := 0; i < queueDepth; i++ {
			chunk := make([]int16, 1)
			chunk[0] = int16(i)
			c.enqueue(chunk)
		}
		newest := []int16{999}
		c.enqueue(newest)

		assert.Len(t, c.queue, queueDepth)
		first := <-c.queue
		assert.Equal(t, int16(1), first[0], "oldest chunk was dropped")

		// Drain to the end and confirm the newest chunk survived.
		var last []int16
		for len(c.queue) > 0 {
			last = <-c.queue
		}
		assert.Equal(t, int16(999), last[0])
	})
}

func TestManagerBroadcast(t *testing.T) {
	t.Run("All connections receive the chunk", func(t *testing.T) {
		m := NewManager("conv-1", nil)
		defer m.CloseAll()

		a := testConn(t)
		b := testConn(t)
		m.conns[a.id] = a
		m.conns[b.id] = b

		chunk := make([]int16, audio.SamplesPerFrame)
		chunk[0] = 7
		m.Broadcast(chunk, audio.DefaultSampleRate)

		require.Len(t, a.queue, 1)
		require.Len(t, b.queue, 1)
		got := <-a.queue
		assert.Equal(t, int16(7), got[0])
	})

	t.Run("No connections is a no-op", func(t *testing.T) {
		m := NewManager("conv-1", nil)
		m.Broadcast(make([]int16, audio.SamplesPerFrame), audio.DefaultSampleRate)
	})
}

func TestWaitForGathering(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	// Gathering never starts before a local description is set, so the
	// wait gives up at the timeout instead of blocking.
	assert.False(t, waitForGathering(pc, 50*time.Millisecond))

	_, err = pc.CreateDataChannel("negotiation", nil)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	assert.True(t, waitForGathering(pc, 5*time.Second))
}

func TestManagerRemoveConnection(t *testing.T) {
	m := NewManager("conv-1", nil)
	defer m.CloseAll()

	c := testConn(t)
	m.conns[c.id] = c
	assert.Equal(t, 1, m.Count())

	m.RemoveConnection(c.id)
	assert.Equal(t, 0, m.Count())

	select {
	case <-c.done:
	default:
		t.Fatal("connection was not closed")
	}

	// Removing again or removing an unknown id is a no-op.
	m.RemoveConnection(c.id)
	m.RemoveConnection("missing")
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager("conv-1", nil)

	a := testConn(t)
	b := testConn(t)
	m.conns[a.id] = a
	m.conns[b.id] = b

	m.CloseAll()
	assert.Equal(t, 0, m.Count())

	for _, c := range []*Conn{a, b} {
		select {
		case <-c.done:
		default:
			t.Fatal("connection was not closed")
		}
	}
}
