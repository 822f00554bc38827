package produce

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingFactory records the config each construction attempt received.
type capturingFactory struct {
	configs []VideoEncoderConfig
	err     error
}

func (f *capturingFactory) build(cfg VideoEncoderConfig) (VideoEncoder, error) {
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	return newFakeEncoder(false), nil
}

func (f *capturingFactory) last() VideoEncoderConfig { return f.configs[len(f.configs)-1] }

func TestOrderProviders(t *testing.T) {
	in := []Provider{ProviderX264, ProviderOpenH264, ProviderVAAPI}

	tests := []struct {
		pref EncodingPreference
		want []Provider
	}{
		{PreferenceDefault, []Provider{ProviderVAAPI, ProviderOpenH264, ProviderX264}},
		{PreferenceSpeed, []Provider{ProviderVAAPI, ProviderOpenH264, ProviderX264}},
		{PreferenceQuality, []Provider{ProviderOpenH264, ProviderX264, ProviderVAAPI}},
		{PreferenceSize, []Provider{ProviderOpenH264, ProviderX264, ProviderVAAPI}},
	}
	for _, tt := range tests {
		t.Run(tt.pref.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, orderProviders(in, tt.pref))
		})
	}
	assert.Equal(t, []Provider{ProviderX264, ProviderOpenH264, ProviderVAAPI}, in, "input must not be reordered")

	// Providers not built for real time go last.
	assert.Equal(t, []Provider{ProviderLibvpx, ProviderAuto}, orderProviders([]Provider{ProviderAuto, ProviderLibvpx}, PreferenceDefault))
}

func TestEncoderRegistry(t *testing.T) {
	reg := NewEncoderRegistry()
	hw := &capturingFactory{err: errors.New("no render node")}
	sw := &capturingFactory{}
	reg.RegisterVideo(VideoCodecH264, ProviderVAAPI, hw.build)
	reg.RegisterVideo(VideoCodecH264, ProviderOpenH264, sw.build)

	assert.Equal(t, []Provider{ProviderVAAPI, ProviderOpenH264}, reg.VideoProviders(VideoCodecH264))
	assert.Empty(t, reg.VideoProviders(VideoCodecVP9))

	t.Run("auto falls back", func(t *testing.T) {
		enc, err := reg.NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecH264, Width: 64, Height: 64})
		require.NoError(t, err)
		require.NotNil(t, enc)
		require.Len(t, hw.configs, 1)
		assert.Equal(t, ProviderVAAPI, hw.last().Provider)
		assert.Equal(t, ProviderOpenH264, sw.last().Provider)
	})

	t.Run("explicit provider", func(t *testing.T) {
		_, err := reg.NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecH264, Provider: ProviderVAAPI})
		assert.EqualError(t, err, "no render node")

		_, err = reg.NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecH264, Provider: ProviderX264})
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})

	t.Run("all providers fail", func(t *testing.T) {
		sw.err = errors.New("license refused")
		defer func() { sw.err = nil }()

		_, err := reg.NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecH264, Preference: PreferenceQuality})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "openh264: license refused")
		assert.Contains(t, err.Error(), "vaapi: no render node")
	})

	t.Run("no provider", func(t *testing.T) {
		_, err := reg.NewVideoEncoder(VideoEncoderConfig{Codec: VideoCodecVP8})
		assert.ErrorIs(t, err, ErrProviderNotFound)

		_, err = reg.NewAudioEncoder(AudioEncoderConfig{Codec: AudioCodecOpus})
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})
}

func TestMakeEncoder(t *testing.T) {
	newRegistry := func() (*EncoderRegistry, *capturingFactory) {
		reg := NewEncoderRegistry()
		f := &capturingFactory{}
		reg.RegisterVideo(VideoCodecH264, ProviderOpenH264, f.build)
		reg.RegisterVideo(VideoCodecVP8, ProviderLibvpx, f.build)
		return reg, f
	}
	format := SourceFormat{Width: 1366, Height: 767, Format: PixelFormatBGRX32}

	t.Run("source size rounded to even", func(t *testing.T) {
		reg, f := newRegistry()
		cfg := DefaultConfig()
		cfg.EncoderType = EncoderTypeH264Baseline

		_, err := makeEncoder(reg, cfg, format)
		require.NoError(t, err)
		got := f.last()
		assert.Equal(t, VideoCodecH264, got.Codec)
		assert.Equal(t, H264ProfileBaseline, got.H264Profile)
		assert.Equal(t, 1366, got.Width)
		assert.Equal(t, 766, got.Height)
		assert.Equal(t, 60, got.FPS)
		assert.Equal(t, targetBitrate(got), got.BitrateBps)
	})

	t.Run("explicit size and bitrate", func(t *testing.T) {
		reg, f := newRegistry()
		cfg := DefaultConfig()
		cfg.Width, cfg.Height = 1280, 720
		cfg.BitrateBps = 2_000_000
		cfg.MaxFramerate = Fraction{30000, 1001}

		_, err := makeEncoder(reg, cfg, format)
		require.NoError(t, err)
		got := f.last()
		assert.Equal(t, VideoCodecVP8, got.Codec)
		assert.Equal(t, 1280, got.Width)
		assert.Equal(t, 30, got.FPS)
		assert.Equal(t, 2_000_000, got.BitrateBps)
	})

	t.Run("quality overrides bitrate", func(t *testing.T) {
		reg, f := newRegistry()
		cfg := DefaultConfig()
		cfg.BitrateBps = 2_000_000
		cfg.Quality = QualityLevel(255)

		_, err := makeEncoder(reg, cfg, format)
		require.NoError(t, err)
		got := f.last()
		require.NotNil(t, got.Quality)
		assert.Equal(t, targetBitrate(got), got.BitrateBps)
		assert.NotEqual(t, 2_000_000, got.BitrateBps)
	})

	t.Run("forced provider", func(t *testing.T) {
		t.Setenv(forcedProviderEnv, "x264")
		reg, _ := newRegistry()
		cfg := DefaultConfig()
		cfg.EncoderType = EncoderTypeH264Main

		_, err := makeEncoder(reg, cfg, format)
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})

	t.Run("no encoder", func(t *testing.T) {
		reg, _ := newRegistry()
		cfg := DefaultConfig()
		cfg.EncoderType = EncoderTypeNoEncoder
		_, err := makeEncoder(reg, cfg, format)
		assert.ErrorIs(t, err, ErrCodecNotSupported)
	})

	t.Run("unknown size", func(t *testing.T) {
		reg, _ := newRegistry()
		_, err := makeEncoder(reg, DefaultConfig(), SourceFormat{})
		assert.Error(t, err)
	})
}

func TestTargetBitrate(t *testing.T) {
	base := VideoEncoderConfig{Width: 1920, Height: 1080, FPS: 30}
	assert.InDelta(t, 6_220_800, targetBitrate(base), 1)

	q := base
	q.Quality = QualityLevel(255)
	assert.InDelta(t, 13_685_760, targetBitrate(q), 1)

	size := base
	size.Preference = PreferenceSize
	assert.Less(t, targetBitrate(size), targetBitrate(base))

	quality := base
	quality.Preference = PreferenceQuality
	assert.Greater(t, targetBitrate(quality), targetBitrate(base))

	assert.Equal(t, 100_000, targetBitrate(VideoEncoderConfig{Width: 16, Height: 16, FPS: 30}))
	assert.Equal(t, 50_000_000, targetBitrate(VideoEncoderConfig{Width: 7680, Height: 4320, FPS: 120, Quality: QualityLevel(255)}))

	assert.Equal(t, targetBitrate(base), targetBitrate(VideoEncoderConfig{Width: 1920, Height: 1080}), "zero FPS means 30")
}

func TestRawEncoder(t *testing.T) {
	enc, err := NewRawEncoder(VideoEncoderConfig{Width: 4, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, VideoCodecRaw, enc.Codec())
	assert.Equal(t, ProviderBuiltin, enc.Config().Provider)

	// Luma stride carries two bytes of padding that must not be emitted.
	frame := &VideoFrame{
		Data: [][]byte{
			{1, 2, 3, 4, 0, 0, 5, 6, 7, 8, 0, 0},
			{9, 10},
			{11, 12},
		},
		Stride: []int{6, 2, 2},
		Width:  4,
		Height: 2,
		Format: PixelFormatI420,
	}
	pkts, err := enc.Encode(&EncodeInput{Frame: frame, PTS: 33})
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, pkts[0].Data)
	assert.Equal(t, int64(33), pkts[0].PTS)
	assert.True(t, pkts[0].IsKeyframe())

	_, err = enc.Encode(&EncodeInput{Surface: &HardwareSurface{ID: 1}})
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = enc.Encode(&EncodeInput{Frame: NewPackedFrame(4, 2, PixelFormatBGRX32)})
	assert.Error(t, err)

	require.NoError(t, enc.Close())
	_, err = enc.Encode(&EncodeInput{Frame: frame})
	assert.Error(t, err)

	_, err = NewRawEncoder(VideoEncoderConfig{})
	assert.Error(t, err)
}

func TestEncodeInputRelease(t *testing.T) {
	calls := 0
	in := &EncodeInput{release: func() { calls++ }}
	in.Release()
	in.Release()
	assert.Equal(t, 1, calls)

	var nilInput *EncodeInput
	assert.NotPanics(t, nilInput.Release)
}
