package audio

import "sync"

// Pacer turns bursty PCM writes into a steady stream of fixed 20 ms
// frames. Writers append mono PCM16 in whatever chunk sizes they have;
// a single reader pulls exactly one frame per tick. When the buffer
// runs dry the reader receives silence so the outbound RTP clock keeps
// advancing without gaps.
type Pacer struct {
	mu              sync.Mutex
	buffer          []int16
	sampleRate      int
	samplesPerFrame int
}

// NewPacer creates a Pacer emitting 20 ms mono frames at sampleRate.
func NewPacer(sampleRate int) *Pacer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	spf := sampleRate * FrameDurationMs / 1000
	return &Pacer{
		buffer:          make([]int16, 0, spf*100),
		sampleRate:      sampleRate,
		samplesPerFrame: spf,
	}
}

// Write appends mono PCM16 samples to the buffer.
func (p *Pacer) Write(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(p.buffer, pcm...)
}

// ReadFrame returns the next 20 ms frame. Missing samples are zero
// (silence), so the returned slice always has SamplesPerFrame length.
func (p *Pacer) ReadFrame() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame := make([]int16, p.samplesPerFrame)
	n := copy(frame, p.buffer)
	if n > 0 {
		p.buffer = p.buffer[n:]
	}
	return frame
}

// Idle reports whether the buffer holds no samples.
func (p *Pacer) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer) == 0
}

// Available returns the number of buffered samples.
func (p *Pacer) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Clear drops all buffered samples.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = p.buffer[:0]
}

// SamplesPerFrame returns the per-frame sample count.
func (p *Pacer) SamplesPerFrame() int { return p.samplesPerFrame }

// SampleRate returns the configured rate.
func (p *Pacer) SampleRate() int { return p.sampleRate }
