package produce

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmS16(values ...int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestMuLawReferenceValues(t *testing.T) {
	tests := []struct {
		in   int16
		want byte
	}{
		{0, 0xFF},
		{-1, 0x7F},
		{32767, 0x80},
		{-32768, 0x00},
		{1000, 0xCE},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, linearToMuLaw(tt.in), "sample %d", tt.in)
	}
}

func TestALawReferenceValues(t *testing.T) {
	tests := []struct {
		in   int16
		want byte
	}{
		{0, 0xD5},
		{-8, 0x55},
		{32767, 0xAA},
		{-32768, 0x2A},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, linearToALaw(tt.in), "sample %d", tt.in)
	}
}

func TestG711Monotonic(t *testing.T) {
	// Decoded magnitude grows with the input, so the code's low seven bits
	// (inverted for mu-law) never decrease across the positive range.
	prevU, prevA := -1, -1
	for s := 0; s <= 32767; s += 64 {
		u := int(^linearToMuLaw(int16(s)) & 0x7F)
		a := int((linearToALaw(int16(s)) ^ 0x55) & 0x7F)
		require.GreaterOrEqual(t, u, prevU, "mu-law at %d", s)
		require.GreaterOrEqual(t, a, prevA, "a-law at %d", s)
		prevU, prevA = u, a
	}
}

func TestG711EncoderDecimates(t *testing.T) {
	enc, err := NewG711Encoder(AudioEncoderConfig{Codec: AudioCodecG711U, SampleRate: 16000, Channels: 2})
	require.NoError(t, err)
	defer enc.Close()

	assert.Equal(t, ProviderBuiltin, enc.Provider())
	assert.Equal(t, 64000, enc.Config().BitrateBps)

	// 4 stereo frames at 16 kHz become 2 mono samples at 8 kHz.
	samples := &AudioSamples{
		Data:        pcmS16(1000, 1000, 1000, 1000, -8, -8, -8, -8),
		SampleRate:  16000,
		Channels:    2,
		SampleCount: 4,
		Format:      AudioFormatS16,
		Timestamp:   int64(40 * time.Millisecond),
	}
	pkts, err := enc.Encode(samples)
	require.NoError(t, err)
	require.Len(t, pkts, 1)

	p := pkts[0]
	assert.Equal(t, PacketAudio, p.Kind)
	assert.Equal(t, AudioCodecG711U, p.AudioCodec)
	assert.Equal(t, []byte{linearToMuLaw(1000), linearToMuLaw(-8)}, p.Data)
	assert.Equal(t, int64(40), p.PTS)
	assert.Equal(t, 250*time.Microsecond, p.Duration)
}

func TestG711EncoderALaw(t *testing.T) {
	enc, err := NewG711Encoder(AudioEncoderConfig{Codec: AudioCodecG711A})
	require.NoError(t, err)
	assert.Equal(t, 8000, enc.Config().SampleRate)
	assert.Equal(t, 1, enc.Config().Channels)

	pkts, err := enc.Encode(&AudioSamples{
		Data:       pcmS16(0, 32767, -32768),
		SampleRate: 8000,
		Channels:   1,
		Format:     AudioFormatS16,
	})
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0xD5, 0xAA, 0x2A}, pkts[0].Data)
}

func TestG711EncoderErrors(t *testing.T) {
	_, err := NewG711Encoder(AudioEncoderConfig{Codec: AudioCodecOpus})
	assert.ErrorIs(t, err, ErrCodecNotSupported)

	_, err = NewG711Encoder(AudioEncoderConfig{Codec: AudioCodecG711U, SampleRate: 44100})
	assert.Error(t, err)

	enc, err := NewG711Encoder(AudioEncoderConfig{Codec: AudioCodecG711U, SampleRate: 48000, Channels: 1})
	require.NoError(t, err)

	_, err = enc.Encode(&AudioSamples{Data: make([]byte, 8), SampleRate: 48000, Channels: 1, Format: AudioFormatF32})
	assert.Error(t, err, "float input")
	_, err = enc.Encode(&AudioSamples{Data: make([]byte, 8), SampleRate: 16000, Channels: 1, Format: AudioFormatS16})
	assert.Error(t, err, "rate mismatch")

	pkts, err := enc.Encode(&AudioSamples{Data: make([]byte, 4), SampleRate: 48000, Channels: 1, Format: AudioFormatS16})
	require.NoError(t, err)
	assert.Empty(t, pkts, "fewer samples than one output sample")

	require.NoError(t, enc.Close())
	_, err = enc.Encode(&AudioSamples{Data: make([]byte, 96), SampleRate: 48000, Channels: 1, Format: AudioFormatS16})
	assert.Error(t, err)
}

func TestG711Registered(t *testing.T) {
	enc, err := DefaultEncoderRegistry().NewAudioEncoder(AudioEncoderConfig{Codec: AudioCodecG711A, SampleRate: 48000, Channels: 2})
	require.NoError(t, err)
	defer enc.Close()
	assert.Equal(t, AudioCodecG711A, enc.Codec())
}
