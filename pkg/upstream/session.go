// Package upstream manages the single speech-to-speech WebRTC session
// each conversation holds against the realtime voice service. Audio
// rides RTP tracks; control events ride the oai-events data channel.
package upstream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/realtime"
	"github.com/voicebridge/voicebridge/pkg/trace"
)

const (
	dataChannelOpenTimeout = 15 * time.Second
	sessionReadyTimeout    = 15 * time.Second
	iceGatherTimeout       = 5 * time.Second
)

// ToolCall is one completed function call requested by the voice
// model, with fully accumulated arguments.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// EventHandler receives session output. Calls arrive from the session
// goroutines; implementations must not block.
type EventHandler interface {
	// OnSessionReady fires once, after session.updated is acknowledged.
	OnSessionReady()

	// OnAudioFrame delivers one decoded mono PCM frame of downlink
	// audio at the given sample rate.
	OnAudioFrame(pcm []int16, sampleRate int)

	// OnServerEvent delivers every parsed data-channel event.
	OnServerEvent(ev *realtime.ServerEvent)

	// OnToolCall delivers a completed function call.
	OnToolCall(call ToolCall)

	// OnDecodeFailure fires once when consecutive decode errors reach
	// the failure threshold.
	OnDecodeFailure(consecutive int)

	// OnFatal reports an unrecoverable session error.
	OnFatal(err error)
}

// NoOpEventHandler is a no-op implementation of EventHandler.
type NoOpEventHandler struct{}

func (h *NoOpEventHandler) OnSessionReady()                          {}
func (h *NoOpEventHandler) OnAudioFrame(pcm []int16, sampleRate int) {}
func (h *NoOpEventHandler) OnServerEvent(ev *realtime.ServerEvent)   {}
func (h *NoOpEventHandler) OnToolCall(call ToolCall)                 {}
func (h *NoOpEventHandler) OnDecodeFailure(consecutive int)          {}
func (h *NoOpEventHandler) OnFatal(err error)                        {}

var _ EventHandler = (*NoOpEventHandler)(nil)

// Config carries everything needed to establish a session.
type Config struct {
	APIBase string
	APIKey  string
	Session realtime.SessionConfig
}

// Conn is the subset of Session the rest of the bridge depends on.
type Conn interface {
	SendAudio(pcm []int16)
	SendText(text string) error
	SendFunctionCallResult(callID, output string) error
	CommitAudioBuffer() error
	Ready() bool
	Close() error
}

// Session is one upstream voice connection bound to a conversation.
type Session struct {
	id  string
	cfg Config

	pc          *webrtc.PeerConnection
	dataChannel *webrtc.DataChannel
	localTrack  *webrtc.TrackLocalStaticSample

	pacer   *audio.Pacer
	encoder *opus.Encoder

	// decoder is created on the first downlink frame, at the adopted
	// track rate, so decoded PCM always carries the rate it is labeled
	// with.
	decoder     *opus.Decoder
	decoderRate int

	rateObserver *audio.RateObserver
	decodeErrors *audio.ErrorCounter

	handler EventHandler

	// send transmits one client event; swapped in tests.
	send func(data []byte) error

	// accumulator collects streamed function-call arguments by call_id
	// until the done event drains the entry.
	accMu       sync.Mutex
	accumulator map[string]*callAccumulator

	readyCh   chan struct{}
	readyOnce sync.Once
	dcOpen    chan struct{}
	dcOnce    sync.Once

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

type callAccumulator struct {
	name string
	args []byte
}

var _ Conn = (*Session)(nil)

// NewSession creates a session for one conversation. Call Connect to
// establish it.
func NewSession(conversationID string, cfg Config, handler EventHandler) (*Session, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Session.Model == "" {
		cfg.Session.Model = realtime.DefaultModel
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = realtime.DefaultVoice
	}
	if handler == nil {
		handler = &NoOpEventHandler{}
	}

	encoder, err := opus.NewEncoder(audio.DefaultSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("upstream: create encoder: %w", err)
	}
	encoder.SetBitrate(50000)
	encoder.SetComplexity(10)

	s := &Session{
		id:           conversationID,
		cfg:          cfg,
		pacer:        audio.NewPacer(audio.DefaultSampleRate),
		encoder:      encoder,
		rateObserver: audio.NewRateObserver(conversationID, audio.DefaultSampleRate),
		decodeErrors: audio.NewErrorCounter(audio.DecodeErrorThreshold),
		handler:      handler,
		accumulator:  make(map[string]*callAccumulator),
		readyCh:      make(chan struct{}),
		dcOpen:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.send = s.sendEvent
	return s, nil
}

// ID returns the conversation id this session serves.
func (s *Session) ID() string { return s.id }

// Connect performs the full establishment sequence: mint an ephemeral
// credential, negotiate the peer connection, open the event channel,
// and configure the session. It blocks until session.updated is
// acknowledged or the context ends.
func (s *Session) Connect(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "upstream.connect")
	defer span.End()
	span.SetAttributes(trace.ConversationAttrs(s.id)...)

	token, err := mintEphemeralToken(ctx, s.cfg.APIBase, s.cfg.APIKey, s.cfg.Session.Model, s.cfg.Session.Voice)
	if err != nil {
		trace.RecordError(span, err)
		return fmt.Errorf("upstream %s: mint token: %w", s.id, err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return fmt.Errorf("upstream %s: create peer connection: %w", s.id, err)
	}
	s.pc = pc

	localTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.DefaultSampleRate, Channels: 1},
		"audio",
		"voicebridge-"+s.id,
	)
	if err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: create local track: %w", s.id, err)
	}
	s.localTrack = localTrack

	if _, err := pc.AddTransceiverFromTrack(localTrack, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: add transceiver: %w", s.id, err)
	}

	dc, err := pc.CreateDataChannel(realtime.DataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: create data channel: %w", s.id, err)
	}
	s.dataChannel = dc

	dc.OnOpen(func() {
		log.Printf("[upstream %s] data channel opened", s.id)
		s.dcOnce.Do(func() { close(s.dcOpen) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleServerMessage(msg.Data)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[upstream %s] remote track: %s @%d", s.id, track.Codec().MimeType, track.Codec().ClockRate)
		go s.readRemoteAudio(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[upstream %s] connection state: %s", s.id, state)
		if state == webrtc.PeerConnectionStateFailed {
			s.handler.OnFatal(fmt.Errorf("upstream %s: peer connection failed", s.id))
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: create offer: %w", s.id, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: set local description: %w", s.id, err)
	}
	if !waitForGathering(pc, iceGatherTimeout) {
		log.Printf("[upstream %s] ice gathering timed out, offering partial candidates", s.id)
	}

	answerSDP, err := exchangeSDP(ctx, s.cfg.APIBase, token, s.cfg.Session.Model, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: %w", s.id, err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: set remote description: %w", s.id, err)
	}

	select {
	case <-s.dcOpen:
	case <-time.After(dataChannelOpenTimeout):
		pc.Close()
		return fmt.Errorf("upstream %s: data channel open timeout", s.id)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	update, err := realtime.SessionUpdate(s.cfg.Session)
	if err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: build session update: %w", s.id, err)
	}
	if err := dc.Send(update); err != nil {
		pc.Close()
		return fmt.Errorf("upstream %s: send session update: %w", s.id, err)
	}

	select {
	case <-s.readyCh:
	case <-time.After(sessionReadyTimeout):
		pc.Close()
		return fmt.Errorf("upstream %s: session.updated timeout", s.id)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	go s.senderLoop()
	return nil
}

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

// Ready reports whether session.updated has been acknowledged.
func (s *Session) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// SendAudio queues uplink PCM for the outbound track. Audio arriving
// before the session is configured is dropped so nothing reaches the
// model ahead of its instructions.
func (s *Session) SendAudio(pcm []int16) {
	if !s.Ready() || s.isClosed() {
		return
	}
	s.pacer.Write(pcm)
}

// senderLoop emits one opus frame per tick so the outbound track
// carries a continuous stream with monotonic timestamps. Gaps in
// uplink audio come out as silence from the pacer.
func (s *Session) senderLoop() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	opusBuf := make([]byte, audio.MaxOpusPacket)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		frame := s.pacer.ReadFrame()
		n, err := s.encoder.Encode(frame, opusBuf)
		if err != nil {
			log.Printf("[upstream %s] encode error: %v", s.id, err)
			continue
		}
		if err := s.localTrack.WriteSample(media.Sample{
			Data:     opusBuf[:n],
			Duration: audio.FrameDuration,
		}); err != nil {
			log.Printf("[upstream %s] write sample: %v", s.id, err)
			return
		}
	}
}

// downlinkDecoder returns the stereo decoder for the adopted track
// rate, created on first use. Clock rates outside the opus set fall
// back to the default rate. The returned rate is the rate the decoder
// actually emits, which is the rate delivered frames must be labeled
// with.
func (s *Session) downlinkDecoder(rate int) (*opus.Decoder, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decoder != nil {
		return s.decoder, s.decoderRate, nil
	}

	d, err := opus.NewDecoder(rate, 2)
	if err != nil {
		d, err = opus.NewDecoder(audio.DefaultSampleRate, 2)
		if err != nil {
			return nil, 0, fmt.Errorf("upstream %s: create decoder: %w", s.id, err)
		}
		log.Printf("[upstream %s] cannot decode at %d Hz, using %d Hz", s.id, rate, audio.DefaultSampleRate)
		rate = audio.DefaultSampleRate
	}
	s.decoder, s.decoderRate = d, rate
	return d, rate, nil
}

// readRemoteAudio decodes downlink RTP into mono PCM frames.
func (s *Session) readRemoteAudio(track *webrtc.TrackRemote) {
	// Room for 120ms stereo at 48kHz, the largest opus frame.
	pcmBuf := make([]int16, 5760*2)

	for {
		if s.isClosed() {
			return
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !s.isClosed() {
				log.Printf("[upstream %s] rtp read ended: %v", s.id, err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		rate, fatal := s.rateObserver.Observe(int(track.Codec().ClockRate))
		if fatal {
			s.handler.OnFatal(fmt.Errorf("upstream %s: sample rate changed mid-stream", s.id))
			return
		}

		decoder, decodeRate, err := s.downlinkDecoder(rate)
		if err != nil {
			s.handler.OnFatal(err)
			return
		}

		n, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			log.Printf("[upstream %s] decode error: %v", s.id, err)
			if s.decodeErrors.Failure() {
				s.handler.OnDecodeFailure(audio.DecodeErrorThreshold)
			}
			continue
		}
		s.decodeErrors.Success()

		// n is samples per channel; the stereo decoder interleaves.
		mono := audio.DownmixStereo(pcmBuf[:n*2])
		s.handler.OnAudioFrame(mono, decodeRate)
	}
}

// SendText injects a user text item and requests a response.
func (s *Session) SendText(text string) error {
	item, err := realtime.UserTextItem(text)
	if err != nil {
		return err
	}
	if err := s.send(item); err != nil {
		return err
	}
	create, err := realtime.ResponseCreate()
	if err != nil {
		return err
	}
	return s.send(create)
}

// SendFunctionCallResult returns a tool output to the model and
// requests a follow-up response.
func (s *Session) SendFunctionCallResult(callID, output string) error {
	item, err := realtime.FunctionCallOutput(callID, output)
	if err != nil {
		return err
	}
	if err := s.send(item); err != nil {
		return err
	}
	create, err := realtime.ResponseCreate()
	if err != nil {
		return err
	}
	return s.send(create)
}

// CommitAudioBuffer commits buffered input audio and requests a
// response; the manual commit replaces the turn boundary VAD would
// have drawn. With server VAD active the service manages turns itself,
// so the commit is a no-op.
func (s *Session) CommitAudioBuffer() error {
	if !s.cfg.Session.DisableVAD {
		return nil
	}
	commit, err := realtime.InputAudioBufferCommit()
	if err != nil {
		return err
	}
	if err := s.send(commit); err != nil {
		return err
	}
	create, err := realtime.ResponseCreate()
	if err != nil {
		return err
	}
	return s.send(create)
}

func (s *Session) sendEvent(data []byte) error {
	s.mu.RLock()
	dc := s.dataChannel
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return fmt.Errorf("upstream %s: closed", s.id)
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("upstream %s: data channel not open", s.id)
	}
	return dc.Send(data)
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		if s.dataChannel != nil {
			s.dataChannel.Close()
		}
		if s.pc != nil {
			s.pc.Close()
		}
	})
	return nil
}
