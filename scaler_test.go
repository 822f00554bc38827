package produce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createGradientFrame(width, height int) *VideoFrame {
	f := NewI420Frame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Data[0][y*f.Stride[0]+x] = byte(x * 255 / width)
		}
	}
	for i := range f.Data[1] {
		f.Data[1][i] = 128
		f.Data[2][i] = 128
	}
	return f
}

func TestVideoScaler_SameSize(t *testing.T) {
	frame := createGradientFrame(640, 480)
	out := NewVideoScaler(640, 480, ScaleModeStretch).Scale(frame)
	assert.Same(t, frame, out)
}

func TestVideoScaler_Dimensions(t *testing.T) {
	tests := []struct {
		name       string
		srcW, srcH int
		dstW, dstH int
		mode       ScaleMode
	}{
		{"downscale stretch", 1280, 720, 640, 360, ScaleModeStretch},
		{"upscale stretch", 320, 240, 640, 480, ScaleModeStretch},
		{"16:9 into 4:3 fill", 1920, 1080, 640, 480, ScaleModeFill},
		{"4:3 into 16:9 fill", 640, 480, 1280, 720, ScaleModeFill},
		{"16:9 into 4:3 fit", 1920, 1080, 640, 480, ScaleModeFit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewVideoScaler(tt.dstW, tt.dstH, tt.mode).Scale(createGradientFrame(tt.srcW, tt.srcH))
			require.Equal(t, PixelFormatI420, out.Format)
			assert.Equal(t, tt.dstW, out.Width)
			assert.Equal(t, tt.dstH, out.Height)
			assert.Len(t, out.Data[0], tt.dstW*tt.dstH)
			assert.Len(t, out.Data[1], (tt.dstW/2)*(tt.dstH/2))
		})
	}
}

func TestVideoScaler_FitLetterbox(t *testing.T) {
	// 16:9 into 4:3 leaves 60 rows of black above and below the picture.
	src := NewI420Frame(1920, 1080)
	fillI420(src, 200, 100, 150)

	out := ScaleFrame(src, 640, 480, ScaleModeFit)
	require.Equal(t, 640, out.Width)

	assert.Equal(t, byte(16), out.Data[0][0], "top bar luma")
	assert.Equal(t, byte(16), out.Data[0][479*640], "bottom bar luma")
	assert.Equal(t, byte(128), out.Data[1][0], "top bar U")
	assert.Equal(t, byte(128), out.Data[2][0], "top bar V")
	assert.Equal(t, byte(200), out.Data[0][240*640+320], "picture luma")
	assert.Equal(t, byte(100), out.Data[1][120*320+160], "picture U")
}

func TestVideoScaler_PreservesGradient(t *testing.T) {
	out := ScaleFrame(createGradientFrame(1280, 720), 640, 360, ScaleModeStretch)
	row := out.Data[0][180*out.Stride[0]:]
	for x := 1; x < out.Width; x++ {
		assert.GreaterOrEqual(t, row[x], row[x-1], "gradient not monotonic at x=%d", x)
	}
}

func TestCalculateScaledSize(t *testing.T) {
	tests := []struct {
		name             string
		srcW, srcH       int
		maxW, maxH       int
		mode             ScaleMode
		expectW, expectH int
	}{
		{"16:9 to 4:3 fit", 1920, 1080, 640, 480, ScaleModeFit, 640, 360},
		{"4:3 to 16:9 fit", 640, 480, 1280, 720, ScaleModeFit, 960, 720},
		{"same aspect", 1280, 720, 640, 360, ScaleModeFit, 640, 360},
		{"odd width rounds up to even", 1000, 999, 101, 101, ScaleModeFit, 102, 100},
		{"fill mode", 1920, 1080, 640, 480, ScaleModeFill, 640, 480},
		{"stretch mode", 1920, 1080, 640, 480, ScaleModeStretch, 640, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := CalculateScaledSize(tt.srcW, tt.srcH, tt.maxW, tt.maxH, tt.mode)
			assert.Equal(t, tt.expectW, w)
			assert.Equal(t, tt.expectH, h)
		})
	}
}

func TestConvertToI420(t *testing.T) {
	t.Run("packed", func(t *testing.T) {
		for _, format := range []PixelFormat{PixelFormatBGRX32, PixelFormatRGBA32, PixelFormatRGB24} {
			f := NewPackedFrame(4, 4, format)
			bpp := format.BytesPerPixel()
			r, g, b := format.channelOffsets()
			for i := 0; i < len(f.Data[0]); i += bpp {
				f.Data[0][i+r], f.Data[0][i+g], f.Data[0][i+b] = 255, 0, 0
			}

			out, err := ConvertToI420(f)
			require.NoError(t, err, format)
			wantY, wantU, wantV := rgbToYUV(255, 0, 0)
			assert.Equal(t, wantY, out.Data[0][5], format)
			assert.Equal(t, wantU, out.Data[1][0], format)
			assert.Equal(t, wantV, out.Data[2][3], format)
		}
	})

	t.Run("nv12", func(t *testing.T) {
		f := &VideoFrame{
			Data:   [][]byte{make([]byte, 16), {10, 20, 30, 40, 50, 60, 70, 80}},
			Stride: []int{4, 4},
			Width:  4,
			Height: 4,
			Format: PixelFormatNV12,
		}
		f.Data[0][15] = 99

		out, err := ConvertToI420(f)
		require.NoError(t, err)
		assert.Equal(t, byte(99), out.Data[0][15])
		assert.Equal(t, []byte{10, 30, 50, 70}, out.Data[1])
		assert.Equal(t, []byte{20, 40, 60, 80}, out.Data[2])
	})

	t.Run("i420 is copied", func(t *testing.T) {
		f := createGradientFrame(8, 8)
		out, err := ConvertToI420(f)
		require.NoError(t, err)
		out.Data[0][0] = 0xAA
		assert.NotEqual(t, byte(0xAA), f.Data[0][0])
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := ConvertToI420(&VideoFrame{Width: 2, Height: 2, Format: PixelFormat(99)})
		assert.ErrorIs(t, err, ErrNotSupported)
	})
}

func BenchmarkVideoScaler_720pTo480p(b *testing.B) {
	frame := createGradientFrame(1280, 720)
	scaler := NewVideoScaler(640, 480, ScaleModeFill)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = scaler.Scale(frame)
	}
}

func BenchmarkConvertToI420_BGRX1080p(b *testing.B) {
	frame := NewPackedFrame(1920, 1080, PixelFormatBGRX32)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ConvertToI420(frame)
	}
}
