package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt16BytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	data := Int16ToBytes(samples)
	require.Len(t, data, len(samples)*2)
	assert.Equal(t, samples, BytesToInt16(data))
}

func TestBytesToInt16_OddTrailingByte(t *testing.T) {
	data := []byte{0x34, 0x12, 0xFF}
	samples := BytesToInt16(data)
	require.Len(t, samples, 1)
	assert.Equal(t, int16(0x1234), samples[0])
}

func TestDownmixStereo(t *testing.T) {
	t.Run("Preserves per-channel sample count", func(t *testing.T) {
		// 960 sample pairs, i.e. one 20ms stereo frame at 48kHz.
		stereo := make([]int16, SamplesPerFrame*2)
		mono := DownmixStereo(stereo)
		assert.Equal(t, SamplesPerFrame, len(mono))
	})

	t.Run("Averages channels", func(t *testing.T) {
		stereo := []int16{100, 200, -100, 100, 1000, -1000}
		mono := DownmixStereo(stereo)
		require.Len(t, mono, 3)
		assert.Equal(t, int16(150), mono[0])
		assert.Equal(t, int16(0), mono[1])
		assert.Equal(t, int16(0), mono[2])
	})

	t.Run("Silence stays silence", func(t *testing.T) {
		stereo := make([]int16, 1920)
		for _, s := range DownmixStereo(stereo) {
			assert.Equal(t, int16(0), s)
		}
	})

	t.Run("No clipping at extremes", func(t *testing.T) {
		stereo := []int16{32767, 32767, -32768, -32768}
		mono := DownmixStereo(stereo)
		assert.Equal(t, int16(32767), mono[0])
		assert.Equal(t, int16(-32768), mono[1])
	})
}

func TestDownmix_MonoPassthrough(t *testing.T) {
	mono := []int16{1, 2, 3}
	assert.Equal(t, mono, Downmix(mono, 1))
	assert.Equal(t, []int16{1}, Downmix([]int16{0, 2}, 2))
}

func TestFrameDuration(t *testing.T) {
	f := Frame{PCM: make([]int16, SamplesPerFrame), SampleRate: DefaultSampleRate}
	assert.Equal(t, 20*time.Millisecond, f.Duration())
	assert.Equal(t, SamplesPerFrame, f.Samples())

	empty := Frame{}
	assert.Equal(t, time.Duration(0), empty.Duration())
}
