package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacer(t *testing.T) {
	p := NewPacer(DefaultSampleRate)
	require.Equal(t, SamplesPerFrame, p.SamplesPerFrame())

	t.Run("Empty buffer returns silence", func(t *testing.T) {
		frame := p.ReadFrame()
		require.Len(t, frame, SamplesPerFrame)
		for _, s := range frame {
			assert.Equal(t, int16(0), s)
		}
	})

	t.Run("Write and read exact frame", func(t *testing.T) {
		in := make([]int16, SamplesPerFrame)
		for i := range in {
			in[i] = int16(i + 1)
		}
		p.Write(in)

		frame := p.ReadFrame()
		assert.Equal(t, in, frame)
		assert.True(t, p.Idle())
	})

	t.Run("Partial frame is padded with silence", func(t *testing.T) {
		p.Write(make([]int16, SamplesPerFrame/2))
		frame := p.ReadFrame()
		require.Len(t, frame, SamplesPerFrame)
		assert.True(t, p.Idle())
	})

	t.Run("Large write splits into frames", func(t *testing.T) {
		in := make([]int16, SamplesPerFrame*3)
		for i := range in {
			in[i] = int16(i%100 + 1)
		}
		p.Write(in)

		for i := 0; i < 3; i++ {
			frame := p.ReadFrame()
			require.Len(t, frame, SamplesPerFrame)
			assert.NotEqual(t, int16(0), frame[0], "frame %d should carry data", i)
		}
		assert.Equal(t, 0, p.Available())
	})

	t.Run("Clear drops buffered samples", func(t *testing.T) {
		p.Write(make([]int16, SamplesPerFrame*2))
		p.Clear()
		assert.Equal(t, 0, p.Available())
	})

	t.Run("Write empty is a no-op", func(t *testing.T) {
		p.Write(nil)
		assert.True(t, p.Idle())
	})
}

func TestPacerCustomRate(t *testing.T) {
	p := NewPacer(24000)
	// 20ms at 24kHz is 480 samples.
	assert.Equal(t, 480, p.SamplesPerFrame())
	assert.Equal(t, 24000, p.SampleRate())

	fallback := NewPacer(0)
	assert.Equal(t, DefaultSampleRate, fallback.SampleRate())
}
