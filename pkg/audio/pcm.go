// Package audio provides the PCM frame pipeline of the voice bridge.
//
// Everything crossing the bridge is normalized here: signed 16-bit
// little-endian samples, mono layout, 48 kHz clock, 20 ms frames.
package audio

import "time"

const (
	// DefaultSampleRate is the negotiated WebRTC clock rate.
	DefaultSampleRate = 48000
	// FrameDuration is the packet duration used on every track.
	FrameDuration = 20 * time.Millisecond
	// FrameDurationMs is FrameDuration in milliseconds.
	FrameDurationMs = 20
	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
	// SamplesPerFrame is the per-channel sample count of one 20 ms frame
	// at the default rate.
	SamplesPerFrame = DefaultSampleRate * FrameDurationMs / 1000
	// MaxOpusPacket is the largest possible Opus packet.
	MaxOpusPacket = 1275
)

// Frame is one block of mono PCM16 audio.
type Frame struct {
	PCM        []int16
	SampleRate int
}

// Samples returns the number of samples in the frame.
func (f Frame) Samples() int { return len(f.PCM) }

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
}

// Int16ToBytes converts PCM16 samples to little-endian bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// BytesToInt16 converts little-endian bytes to PCM16 samples.
// A trailing odd byte is ignored.
func BytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out
}

// DownmixStereo averages interleaved stereo samples into mono.
// The per-channel sample count is preserved: n stereo sample pairs in,
// n mono samples out. Concatenating channels instead would double the
// sample count and halve playback speed.
func DownmixStereo(interleaved []int16) []int16 {
	n := len(interleaved) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		l := int32(interleaved[2*i])
		r := int32(interleaved[2*i+1])
		out[i] = int16((l + r) / 2)
	}
	return out
}

// Downmix normalizes a decoded frame to mono. Mono input is returned
// unchanged; stereo input is averaged per sample pair.
func Downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	return DownmixStereo(pcm)
}
