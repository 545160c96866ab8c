package browser

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/voicebridge/voicebridge/pkg/audio"
)

const iceGatherTimeout = 5 * time.Second

// waitForGathering waits for ICE gathering to finish, giving up after
// the timeout so negotiation proceeds with the candidates collected so
// far.
func waitForGathering(pc *webrtc.PeerConnection, timeout time.Duration) bool {
	select {
	case <-webrtc.GatheringCompletePromise(pc):
		return true
	case <-time.After(timeout):
		return false
	}
}

// Manager holds the browser peers of one conversation and fans the
// conversation's downlink audio out to all of them.
type Manager struct {
	conversationID string

	// onUplink receives mono 48kHz PCM from any connected browser.
	onUplink func(pcm []int16)

	mu    sync.RWMutex
	conns map[string]*Conn

	// resampler converts downlink audio to 48kHz when the upstream
	// session runs at an adopted foreign rate.
	resampler    *audio.Resampler
	resampleRate int
}

// NewManager creates an empty manager for one conversation.
func NewManager(conversationID string, onUplink func(pcm []int16)) *Manager {
	return &Manager{
		conversationID: conversationID,
		onUplink:       onUplink,
		conns:          make(map[string]*Conn),
	}
}

// AddConnection negotiates one browser peer from its SDP offer and
// returns the connection id with the SDP answer. The downlink track is
// attached to the transceiver the offer created, which only exists
// after the remote description is applied.
func (m *Manager) AddConnection(offer webrtc.SessionDescription) (string, *webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("browser: create peer connection: %w", err)
	}

	conn, err := newConn()
	if err != nil {
		pc.Close()
		return "", nil, err
	}
	conn.pc = pc

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[browser %s] uplink track: %s", conn.id, track.Codec().MimeType)
		go conn.readUplink(track, m.onUplink)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[browser %s] connection state: %s", conn.id, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.RemoveConnection(conn.id)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("browser: set remote description: %w", err)
	}

	attached := false
	for _, tr := range pc.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			continue
		}
		if err := tr.Sender().ReplaceTrack(conn.track); err != nil {
			pc.Close()
			return "", nil, fmt.Errorf("browser: attach downlink track: %w", err)
		}
		attached = true
		break
	}
	if !attached {
		pc.Close()
		return "", nil, fmt.Errorf("browser: offer carries no audio transceiver")
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("browser: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("browser: set local description: %w", err)
	}
	if !waitForGathering(pc, iceGatherTimeout) {
		log.Printf("[browser %s] ice gathering timed out, answering with partial candidates", conn.id)
	}

	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()
	go conn.pump()

	log.Printf("[browser-manager %s] connection %s added (%d total)", m.conversationID, conn.id, m.Count())
	return conn.id, pc.LocalDescription(), nil
}

// Broadcast fans one downlink PCM chunk out to every connection,
// resampling first when the upstream rate differs from the track rate.
// Slow peers drop their oldest audio instead of delaying the rest.
func (m *Manager) Broadcast(pcm []int16, sampleRate int) {
	if sampleRate != audio.DefaultSampleRate {
		resampled, err := m.resample(pcm, sampleRate)
		if err != nil {
			log.Printf("[browser-manager %s] resample: %v", m.conversationID, err)
			return
		}
		pcm = resampled
	}

	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(pcm)
	}
}

func (m *Manager) resample(pcm []int16, sampleRate int) ([]int16, error) {
	m.mu.Lock()
	if m.resampler == nil || m.resampleRate != sampleRate {
		if m.resampler != nil {
			m.resampler.Free()
		}
		r, err := audio.NewResampler(sampleRate, audio.DefaultSampleRate)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.resampler = r
		m.resampleRate = sampleRate
	}
	r := m.resampler
	m.mu.Unlock()

	return r.Process(pcm)
}

// RemoveConnection closes and forgets one connection. Unknown ids are
// a no-op, so state-change callbacks and explicit removal can race
// safely.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.close()
	log.Printf("[browser-manager %s] connection %s removed", m.conversationID, id)
}

// CloseAll tears down every connection and the resampler.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	resampler := m.resampler
	m.resampler = nil
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if resampler != nil {
		resampler.Free()
	}
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
