// Package browser manages the WebRTC peers of a conversation's
// listeners. Every browser shares the conversation's downlink audio
// and contributes uplink audio to the one upstream voice session.
package browser

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voicebridge/voicebridge/pkg/audio"
)

// queueDepth bounds the per-connection downlink backlog at about one
// second of audio.
const queueDepth = 50

// Conn is one browser peer. Each connection owns its encoder and
// bounded downlink queue so a stalled peer cannot hold back the rest
// of the conversation.
type Conn struct {
	id string

	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	encoder *opus.Encoder
	pacer   *audio.Pacer

	queue chan []int16

	closeOnce sync.Once
	done      chan struct{}
}

func newConn() (*Conn, error) {
	encoder, err := opus.NewEncoder(audio.DefaultSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("browser: create encoder: %w", err)
	}
	encoder.SetBitrate(50000)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.DefaultSampleRate, Channels: 1},
		"audio",
		"voicebridge-downlink",
	)
	if err != nil {
		return nil, fmt.Errorf("browser: create track: %w", err)
	}

	return &Conn{
		id:      uuid.New().String()[:8],
		track:   track,
		encoder: encoder,
		pacer:   audio.NewPacer(audio.DefaultSampleRate),
		queue:   make(chan []int16, queueDepth),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// enqueue queues one downlink chunk, dropping the oldest entry when
// the peer has fallen behind.
func (c *Conn) enqueue(pcm []int16) {
	select {
	case c.queue <- pcm:
		return
	default:
	}
	select {
	case <-c.queue:
	default:
	}
	select {
	case c.queue <- pcm:
	default:
	}
}

// pump drains the downlink queue into evenly paced opus frames. Ticks
// with no queued audio write nothing; browsers treat track silence as
// normal.
func (c *Conn) pump() {
	opusBuf := make([]byte, audio.MaxOpusPacket)

	for {
		var chunk []int16
		select {
		case <-c.done:
			return
		case chunk = <-c.queue:
		}
		c.pacer.Write(chunk)

		// Drain whatever else is queued, then emit full frames.
		for {
			select {
			case more := <-c.queue:
				c.pacer.Write(more)
				continue
			default:
			}
			break
		}

		for c.pacer.Available() >= c.pacer.SamplesPerFrame() {
			frame := c.pacer.ReadFrame()
			n, err := c.encoder.Encode(frame, opusBuf)
			if err != nil {
				log.Printf("[browser %s] encode error: %v", c.id, err)
				continue
			}
			if err := c.track.WriteSample(media.Sample{
				Data:     opusBuf[:n],
				Duration: audio.FrameDuration,
			}); err != nil {
				log.Printf("[browser %s] write sample: %v", c.id, err)
				return
			}
		}
	}
}

// readUplink decodes the browser's microphone track and forwards mono
// PCM to the uplink sink.
func (c *Conn) readUplink(track *webrtc.TrackRemote, sink func(pcm []int16)) {
	decoder, err := opus.NewDecoder(audio.DefaultSampleRate, 2)
	if err != nil {
		log.Printf("[browser %s] create decoder: %v", c.id, err)
		return
	}
	pcmBuf := make([]int16, 5760*2)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			log.Printf("[browser %s] decode error: %v", c.id, err)
			continue
		}
		if sink != nil {
			sink(audio.DownmixStereo(pcmBuf[:n*2]))
		}
	}
}

// close tears the peer down. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.pc != nil {
			c.pc.Close()
		}
	})
}
