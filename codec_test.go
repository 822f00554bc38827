package produce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoCodec(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		name  string
		mime  string
	}{
		{VideoCodecVP8, "VP8", "video/VP8"},
		{VideoCodecVP9, "VP9", "video/VP9"},
		{VideoCodecH264, "H264", "video/H264"},
		{VideoCodecRaw, "Raw", ""},
		{VideoCodecUnknown, "Unknown", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.codec.String())
		assert.Equal(t, tt.mime, tt.codec.MimeType())
		assert.Equal(t, uint32(90000), tt.codec.ClockRate())
	}
}

func TestAudioCodec(t *testing.T) {
	assert.Equal(t, uint32(48000), AudioCodecOpus.ClockRate())
	assert.Equal(t, uint32(8000), AudioCodecG711U.ClockRate())
	assert.Equal(t, uint8(0), AudioCodecG711U.DefaultPayloadType())
	assert.Equal(t, uint8(8), AudioCodecG711A.DefaultPayloadType())

	for _, name := range []string{"opus", "PCMU", "pcma"} {
		c, err := ParseAudioCodec(name)
		require.NoError(t, err, name)
		assert.NotEqual(t, AudioCodecUnknown, c, name)
	}
	_, err := ParseAudioCodec("mp3")
	assert.Error(t, err)
}

func TestEncoderType(t *testing.T) {
	tests := []struct {
		input   string
		want    EncoderType
		codec   VideoCodec
		profile H264Profile
	}{
		{"h264main", EncoderTypeH264Main, VideoCodecH264, H264ProfileMain},
		{"H264", EncoderTypeH264Main, VideoCodecH264, H264ProfileMain},
		{"h264-baseline", EncoderTypeH264Baseline, VideoCodecH264, H264ProfileBaseline},
		{"vp8", EncoderTypeVP8, VideoCodecVP8, 0},
		{"VP9", EncoderTypeVP9, VideoCodecVP9, 0},
		{"raw", EncoderTypeRaw, VideoCodecRaw, 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEncoderType(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			codec, profile := got.Codec()
			assert.Equal(t, tt.codec, codec)
			assert.Equal(t, tt.profile, profile)

			again, err := ParseEncoderType(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}

	_, err := ParseEncoderType("av1")
	assert.Error(t, err)
	codec, _ := EncoderTypeNoEncoder.Codec()
	assert.Equal(t, VideoCodecUnknown, codec)
}

func TestEncodingPreference(t *testing.T) {
	for _, p := range []EncodingPreference{PreferenceDefault, PreferenceSpeed, PreferenceQuality, PreferenceSize} {
		got, err := ParseEncodingPreference(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParseEncodingPreference("")
	require.NoError(t, err)
	assert.Equal(t, PreferenceDefault, got)

	_, err = ParseEncodingPreference("fastest")
	assert.Error(t, err)
}

func TestFraction(t *testing.T) {
	tests := []struct {
		input    string
		want     Fraction
		interval time.Duration
	}{
		{"30", Fraction{30, 1}, time.Second / 30},
		{"60/1", Fraction{60, 1}, time.Second / 60},
		{"30000/1001", Fraction{30000, 1001}, 33366666 * time.Nanosecond},
		{" 10 / 1 ", Fraction{10, 1}, 100 * time.Millisecond},
		{"0/1", Fraction{0, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFraction(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.interval, got.Interval())
		})
	}

	for _, bad := range []string{"", "abc", "30/0", "30/x", "-1"} {
		_, err := ParseFraction(bad)
		assert.Error(t, err, bad)
	}

	assert.True(t, Fraction{}.IsZero())
	assert.InDelta(t, 29.97, Fraction{30000, 1001}.Float(), 0.01)
	assert.Equal(t, "30000/1001", Fraction{30000, 1001}.String())
}

func TestProvider(t *testing.T) {
	assert.True(t, ProviderVAAPI.IsHardware())
	assert.False(t, ProviderLibvpx.IsHardware())
	assert.False(t, ProviderX264.License().Permissive())
	assert.True(t, ProviderOpenH264.License().Permissive())
	assert.True(t, ProviderVAAPI.Features().Has(FeatureZeroCopy|FeatureLowLatency))
	assert.False(t, ProviderOpenH264.Features().Has(FeatureDynamicQuality))
	assert.True(t, ProviderBuiltin.Available())

	p, ok := ParseProvider(" VAAPI ")
	assert.True(t, ok)
	assert.Equal(t, ProviderVAAPI, p)
	p, ok = ParseProvider("")
	assert.True(t, ok)
	assert.Equal(t, ProviderAuto, p)
	_, ok = ParseProvider("nvenc")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Provider(200).String())
}
