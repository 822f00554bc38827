//go:build linux

package produce

import (
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHardwareFilterRejectsPlanarUpload(t *testing.T) {
	// Either the device is missing or the planar CPU layout is refused.
	_, err := NewHardwareFilter(
		SourceFormat{Width: 64, Height: 64, Format: PixelFormatI420, Memory: MemoryCPU},
		VideoEncoderConfig{Width: 64, Height: 64, Provider: ProviderVAAPI},
	)
	assert.ErrorIs(t, err, ErrNoHardwarePath)
}

func TestHardwareFilterLeavesLetterboxToSoftware(t *testing.T) {
	if !IsHardwareAccelAvailable() {
		t.Skip("VA-API device not available")
	}
	format := SourceFormat{Width: 64, Height: 32, Format: PixelFormatBGRX32, Memory: MemoryCPU}
	_, err := NewHardwareFilter(format, VideoEncoderConfig{Width: 32, Height: 32, Provider: ProviderVAAPI, ScaleMode: ScaleModeFit})
	assert.ErrorIs(t, err, ErrNoHardwarePath)
}

func TestVAAPIEncoderRejectsOtherCodecs(t *testing.T) {
	_, err := NewVAAPIEncoder(VideoEncoderConfig{Codec: VideoCodecVP8, Width: 64, Height: 64})
	assert.ErrorIs(t, err, ErrCodecNotSupported)
}

func TestHwaccelProfile(t *testing.T) {
	assert.Equal(t, int32(66), hwaccelProfile(H264ProfileBaseline))
	assert.Equal(t, int32(77), hwaccelProfile(H264ProfileMain))
	assert.Equal(t, int32(100), hwaccelProfile(H264ProfileHigh))
}

func TestVAAPIFlushContinuesTimeline(t *testing.T) {
	e := &VAAPIEncoder{config: VideoEncoderConfig{FPS: 25}, outputBuf: make([]byte, 8)}
	assert.Equal(t, 40*time.Millisecond, e.frameDuration(), "nominal rate before any input")

	pkt := e.packet(4, hwaccelFrameIDR, 1000, 0)
	assert.True(t, pkt.IsKeyframe())
	assert.Equal(t, int64(1000), e.lastPTS)
	assert.Equal(t, 40*time.Millisecond, e.frameDuration())

	e.packet(4, 0, 1040, 20*time.Millisecond)
	assert.Equal(t, int64(1040), e.lastPTS)
	assert.Equal(t, 20*time.Millisecond, e.frameDuration())
}

func TestDefaultFilterSelection(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	format := SourceFormat{Width: 64, Height: 64, Format: PixelFormatBGRX32, Memory: MemoryCPU}
	enc := VideoEncoderConfig{Codec: VideoCodecH264, Width: 64, Height: 64, Provider: ProviderVAAPI}

	g, err := setupFormat(format, enc, defaultHardwareFilter, NewSoftwareFilter, log)
	require.NoError(t, err)
	defer g.Close()
	if !IsHardwareAccelAvailable() {
		assert.False(t, g.Hardware(), "software fallback without a device")
	}
}

func TestVAAPIEncoder(t *testing.T) {
	if !IsHardwareAccelAvailable() {
		t.Skip("VA-API device not available")
	}
	enc, err := NewVAAPIEncoder(VideoEncoderConfig{Codec: VideoCodecH264, Width: 320, Height: 240, FPS: 30, BitrateBps: 500000})
	require.NoError(t, err)
	defer enc.Close()

	assert.Equal(t, ProviderVAAPI, enc.Provider())
	sps, pps := enc.ParameterSets()
	assert.NotEmpty(t, sps)
	assert.NotEmpty(t, pps)

	var first *Packet
	for i := 0; i < 10 && first == nil; i++ {
		pkts, err := enc.Encode(&EncodeInput{Frame: createTestFrame(320, 240), PTS: int64(i * 33)})
		require.NoError(t, err)
		if len(pkts) > 0 {
			first = pkts[0]
		}
	}
	require.NotNil(t, first)
	assert.True(t, first.IsKeyframe())

	flushed, err := enc.Flush()
	require.NoError(t, err)
	for _, pkt := range flushed {
		assert.Greater(t, pkt.PTS, first.PTS)
	}

	_, err = enc.Encode(&EncodeInput{Frame: NewPackedFrame(320, 240, PixelFormatBGRX32)})
	assert.Error(t, err)
}
