package produce

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFilter struct {
	name string
	hw   bool
}

func (f *stubFilter) Process(FilterInput) (*EncodeInput, error) { return &EncodeInput{}, nil }
func (f *stubFilter) Hardware() bool { return f.hw }
func (f *stubFilter) Name() string { return f.name }
func (f *stubFilter) Close() error { return nil }

func stubFactory(g FilterGraph, err error, calls *int) FilterFactory {
	return func(SourceFormat, VideoEncoderConfig) (FilterGraph, error) {
		*calls++
		return g, err
	}
}

func TestSetupFormat(t *testing.T) {
	cpu := SourceFormat{Width: 64, Height: 64, Format: PixelFormatBGRX32, Memory: MemoryCPU}
	dmabuf := SourceFormat{Width: 64, Height: 64, Memory: MemoryDMABuf, Fourcc: FourccXRGB8888}
	swEnc := VideoEncoderConfig{Width: 64, Height: 64, Provider: ProviderLibvpx}
	hwEnc := VideoEncoderConfig{Width: 64, Height: 64, Provider: ProviderVAAPI}
	hwGraph := &stubFilter{name: "hw", hw: true}
	swGraph := &stubFilter{name: "sw"}
	hwErr := errors.New("no render node")
	swErr := errors.New("unsupported layout")

	t.Run("hardware encoder uses hardware path", func(t *testing.T) {
		log, _ := logtest.NewNullLogger()
		var hwCalls, swCalls int
		g, err := setupFormat(cpu, hwEnc, stubFactory(hwGraph, nil, &hwCalls), stubFactory(swGraph, nil, &swCalls), log)
		require.NoError(t, err)
		assert.Same(t, hwGraph, g)
		assert.Zero(t, swCalls)
	})

	t.Run("dmabuf source uses hardware path", func(t *testing.T) {
		log, _ := logtest.NewNullLogger()
		var hwCalls, swCalls int
		g, err := setupFormat(dmabuf, swEnc, stubFactory(hwGraph, nil, &hwCalls), stubFactory(swGraph, nil, &swCalls), log)
		require.NoError(t, err)
		assert.Same(t, hwGraph, g)
		assert.Equal(t, 1, hwCalls)
	})

	t.Run("cpu source with software encoder skips hardware", func(t *testing.T) {
		log, _ := logtest.NewNullLogger()
		var hwCalls, swCalls int
		g, err := setupFormat(cpu, swEnc, stubFactory(hwGraph, nil, &hwCalls), stubFactory(swGraph, nil, &swCalls), log)
		require.NoError(t, err)
		assert.Same(t, swGraph, g)
		assert.Zero(t, hwCalls)
	})

	t.Run("hardware failure falls back", func(t *testing.T) {
		log, hook := logtest.NewNullLogger()
		var hwCalls, swCalls int
		g, err := setupFormat(cpu, hwEnc, stubFactory(nil, hwErr, &hwCalls), stubFactory(swGraph, nil, &swCalls), log)
		require.NoError(t, err)
		assert.Same(t, swGraph, g)
		assert.Equal(t, 1, hwCalls)
		assert.Equal(t, 1, swCalls)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, hwErr, entry.Data[logrus.ErrorKey])
	})

	t.Run("both paths fail", func(t *testing.T) {
		log, _ := logtest.NewNullLogger()
		var hwCalls, swCalls int
		_, err := setupFormat(cpu, hwEnc, stubFactory(nil, hwErr, &hwCalls), stubFactory(nil, swErr, &swCalls), log)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoFilterPath)
		assert.ErrorIs(t, err, hwErr)
		assert.ErrorIs(t, err, swErr)
	})

	t.Run("no hardware factory", func(t *testing.T) {
		log, _ := logtest.NewNullLogger()
		var swCalls int
		_, err := setupFormat(dmabuf, hwEnc, nil, stubFactory(nil, swErr, &swCalls), log)
		assert.ErrorIs(t, err, ErrNoFilterPath)
		assert.ErrorIs(t, err, ErrNoHardwarePath)
		assert.ErrorIs(t, err, swErr)
	})

	t.Run("no software factory", func(t *testing.T) {
		log, _ := logtest.NewNullLogger()
		var hwCalls int
		_, err := setupFormat(cpu, hwEnc, stubFactory(nil, hwErr, &hwCalls), nil, log)
		assert.ErrorIs(t, err, ErrNoFilterPath)
		assert.ErrorIs(t, err, hwErr)
	})
}

func TestSoftwareFilter(t *testing.T) {
	format := SourceFormat{Width: 8, Height: 8, Format: PixelFormatBGRX32, Memory: MemoryCPU}

	g, err := NewSoftwareFilter(format, VideoEncoderConfig{Width: 4, Height: 4})
	require.NoError(t, err)
	defer g.Close()
	assert.False(t, g.Hardware())
	assert.Equal(t, "software(i420 4x4 fit)", g.Name())

	img := NewPackedFrame(8, 8, PixelFormatBGRX32)
	for i := 0; i < len(img.Data[0]); i += 4 {
		img.Data[0][i], img.Data[0][i+1], img.Data[0][i+2] = 255, 255, 255
	}
	out, err := g.Process(FilterInput{Image: img})
	require.NoError(t, err)
	require.NotNil(t, out.Frame)
	assert.Nil(t, out.Surface)
	assert.Equal(t, PixelFormatI420, out.Frame.Format)
	assert.Equal(t, 4, out.Frame.Width)
	assert.Equal(t, lumaBT601(255, 255, 255), out.Frame.Data[0][0])

	_, err = g.Process(FilterInput{DMABuf: &DMABuf{Width: 8, Height: 8}})
	assert.ErrorIs(t, err, ErrNotSupported)

	_, err = NewSoftwareFilter(SourceFormat{Memory: MemoryDMABuf}, VideoEncoderConfig{Width: 4, Height: 4})
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = NewSoftwareFilter(SourceFormat{Format: PixelFormat(42)}, VideoEncoderConfig{Width: 4, Height: 4})
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = NewSoftwareFilter(format, VideoEncoderConfig{})
	assert.Error(t, err)
}

func TestDRMFourcc(t *testing.T) {
	assert.Equal(t, FourccXRGB8888, DRMFourcc(PixelFormatBGRX32))
	assert.Equal(t, FourccABGR8888, DRMFourcc(PixelFormatRGBA32))
	assert.Equal(t, FourccNV12, DRMFourcc(PixelFormatNV12))
	assert.Zero(t, DRMFourcc(PixelFormatRGB24))
	assert.Equal(t, uint32(0x34325258), FourccXRGB8888)
}

func TestSoftwareFilterScaleMode(t *testing.T) {
	format := SourceFormat{Width: 16, Height: 8, Format: PixelFormatBGRX32, Memory: MemoryCPU}
	img := NewPackedFrame(16, 8, PixelFormatBGRX32)
	for i := 0; i < len(img.Data[0]); i += 4 {
		img.Data[0][i], img.Data[0][i+1], img.Data[0][i+2] = 255, 255, 255
	}
	white := lumaBT601(255, 255, 255)

	tests := []struct {
		mode      ScaleMode
		topRow    byte
		centerRow byte
	}{
		{ScaleModeFit, 16, white}, // letterboxed
		{ScaleModeFill, white, white},
		{ScaleModeStretch, white, white},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			g, err := NewSoftwareFilter(format, VideoEncoderConfig{Width: 8, Height: 8, ScaleMode: tt.mode})
			require.NoError(t, err)
			defer g.Close()
			assert.Contains(t, g.Name(), tt.mode.String())

			out, err := g.Process(FilterInput{Image: img})
			require.NoError(t, err)
			y := out.Frame.Data[0]
			stride := out.Frame.Stride[0]
			assert.Equal(t, tt.topRow, y[0])
			assert.Equal(t, tt.centerRow, y[4*stride+4])
		})
	}
}

func TestParseScaleMode(t *testing.T) {
	for in, want := range map[string]ScaleMode{"": ScaleModeFit, "fit": ScaleModeFit, "fill": ScaleModeFill, "stretch": ScaleModeStretch} {
		got, err := ParseScaleMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScaleMode("zoom")
	assert.Error(t, err)
}
