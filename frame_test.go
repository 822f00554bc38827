package produce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestFrame creates an I420 frame with a diagonal gradient.
func createTestFrame(width, height int) *VideoFrame {
	f := NewI420Frame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Data[0][y*f.Stride[0]+x] = byte((x + y) % 256)
		}
	}
	for i := range f.Data[1] {
		f.Data[1][i] = 128
		f.Data[2][i] = 128
	}
	return f
}

func TestPixelFormat(t *testing.T) {
	tests := []struct {
		format PixelFormat
		name   string
		planes int
		bpp    int
	}{
		{PixelFormatI420, "I420", 3, 0},
		{PixelFormatNV12, "NV12", 2, 0},
		{PixelFormatRGB24, "RGB24", 1, 3},
		{PixelFormatRGBA32, "RGBA32", 1, 4},
		{PixelFormatBGRA32, "BGRA32", 1, 4},
		{PixelFormatRGBX32, "RGBX32", 1, 4},
		{PixelFormatBGRX32, "BGRX32", 1, 4},
		{PixelFormat(99), "Unknown", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.format.String())
			assert.Equal(t, tt.planes, tt.format.PlaneCount())
			assert.Equal(t, tt.bpp, tt.format.BytesPerPixel())
			assert.Equal(t, tt.bpp > 0, tt.format.Packed())
		})
	}
}

func TestVideoFrameClone(t *testing.T) {
	orig := NewI420Frame(4, 4)
	orig.Data[0][0] = 10
	orig.Data[1][0] = 20

	clone := orig.Clone()
	require.Equal(t, orig, clone)

	clone.Data[0][0] = 99
	clone.Stride[0] = 8
	assert.Equal(t, byte(10), orig.Data[0][0])
	assert.Equal(t, 4, orig.Stride[0])
}

func TestFrameSizes(t *testing.T) {
	assert.Equal(t, 1920*1080*3/2, I420Size(1920, 1080))
	assert.Equal(t, 3*3+2*2*2, I420Size(3, 3))

	f := NewI420Frame(3, 3)
	assert.Equal(t, []int{3, 2, 2}, f.Stride)

	p := NewPackedFrame(5, 2, PixelFormatRGB24)
	assert.Equal(t, []int{15}, p.Stride)
	assert.Len(t, p.Data[0], 30)
}

func TestFrameWithPTS(t *testing.T) {
	var f Frame
	assert.False(t, f.HasPTS)
	assert.True(t, f.cursorOnly())

	stamped := Frame{Image: NewI420Frame(2, 2)}.WithPTS(40 * time.Millisecond)
	assert.True(t, stamped.HasPTS)
	assert.Equal(t, 40*time.Millisecond, stamped.PTS)
	assert.False(t, stamped.cursorOnly())
}

func TestAudioSamples(t *testing.T) {
	s := &AudioSamples{
		Data:        make([]byte, 960*2*2),
		SampleRate:  48000,
		Channels:    2,
		SampleCount: 960,
		Format:      AudioFormatS16,
	}
	assert.Equal(t, 20*time.Millisecond, s.Duration())
	assert.Equal(t, 2, s.Format.BytesPerSample())
	assert.Equal(t, 4, AudioFormatF32.BytesPerSample())

	clone := s.Clone()
	clone.Data[0] = 1
	assert.Zero(t, s.Data[0])

	assert.Zero(t, (&AudioSamples{SampleCount: 10}).Duration())
}

func TestPacket(t *testing.T) {
	assert.True(t, (&Packet{FrameType: FrameTypeKey}).IsKeyframe())
	assert.False(t, (&Packet{FrameType: FrameTypeDelta}).IsKeyframe())
	assert.Equal(t, "Key", FrameTypeKey.String())
	assert.Equal(t, "Delta", FrameTypeDelta.String())
	assert.Equal(t, "video", PacketVideo.String())
	assert.Equal(t, "audio", PacketAudio.String())
}
