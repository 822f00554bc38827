package produce

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// FilterInput is one picture handed to a FilterGraph.
type FilterInput struct {
	Image  *VideoFrame    // CPU picture, cursor already composited
	DMABuf *DMABuf        // GPU buffer, when the source shares one
	Cursor *CursorOverlay // Overlay for GPU buffers; nil for CPU pictures
}

// FilterGraph converts and scales source pictures into encoder input.
// It is driven by a single goroutine at a time.
type FilterGraph interface {
	io.Closer

	// Process converts one picture. The returned input is owned by the caller,
	// who must call Release on it once encoding is done.
	Process(in FilterInput) (*EncodeInput, error)

	// Hardware reports whether the graph runs on the GPU.
	Hardware() bool

	Name() string
}

// FilterFactory builds a filter graph for a negotiated format and encoder.
type FilterFactory func(format SourceFormat, enc VideoEncoderConfig) (FilterGraph, error)

// DRM fourcc codes for the formats compositors share.
const (
	FourccXRGB8888 uint32 = 'X' | 'R'<<8 | '2'<<16 | '4'<<24 // B,G,R,X in memory
	FourccARGB8888 uint32 = 'A' | 'R'<<8 | '2'<<16 | '4'<<24 // B,G,R,A in memory
	FourccXBGR8888 uint32 = 'X' | 'B'<<8 | '2'<<16 | '4'<<24 // R,G,B,X in memory
	FourccABGR8888 uint32 = 'A' | 'B'<<8 | '2'<<16 | '4'<<24 // R,G,B,A in memory
	FourccNV12     uint32 = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
)

// DRMFourcc returns the DRM fourcc matching a pixel format, or 0.
func DRMFourcc(p PixelFormat) uint32 {
	switch p {
	case PixelFormatBGRX32:
		return FourccXRGB8888
	case PixelFormatBGRA32:
		return FourccARGB8888
	case PixelFormatRGBX32:
		return FourccXBGR8888
	case PixelFormatRGBA32:
		return FourccABGR8888
	case PixelFormatNV12:
		return FourccNV12
	default:
		return 0
	}
}

// softwareFilter converts CPU pictures to I420 at the encoder size.
type softwareFilter struct {
	scaler *VideoScaler
	width  int
	height int
	mode   ScaleMode
}

// NewSoftwareFilter is the CPU FilterFactory.
func NewSoftwareFilter(format SourceFormat, enc VideoEncoderConfig) (FilterGraph, error) {
	if format.Memory != MemoryCPU {
		return nil, fmt.Errorf("software filter: %w: %s memory", ErrNotSupported, format.Memory)
	}
	if format.Format.PlaneCount() == 0 {
		return nil, fmt.Errorf("software filter: %w: pixel format %s", ErrNotSupported, format.Format)
	}
	if enc.Width <= 0 || enc.Height <= 0 {
		return nil, fmt.Errorf("software filter: invalid output size %dx%d", enc.Width, enc.Height)
	}
	return &softwareFilter{
		scaler: NewVideoScaler(enc.Width, enc.Height, enc.ScaleMode),
		width:  enc.Width,
		height: enc.Height,
		mode:   enc.ScaleMode,
	}, nil
}

func (f *softwareFilter) Process(in FilterInput) (*EncodeInput, error) {
	if in.Image == nil {
		return nil, fmt.Errorf("software filter: %w: GPU buffer without mapping", ErrNotSupported)
	}
	i420, err := ConvertToI420(in.Image)
	if err != nil {
		return nil, err
	}
	return &EncodeInput{Frame: f.scaler.Scale(i420)}, nil
}

func (f *softwareFilter) Hardware() bool { return false }

func (f *softwareFilter) Name() string {
	return fmt.Sprintf("software(i420 %dx%d %s)", f.width, f.height, f.mode)
}

func (f *softwareFilter) Close() error { return nil }

// setupFormat picks the filter graph for a stream, once. The hardware path
// is tried when the encoder consumes GPU surfaces or the source shares GPU
// buffers; the software path is the fallback.
func setupFormat(format SourceFormat, enc VideoEncoderConfig, hw, sw FilterFactory, log logrus.FieldLogger) (FilterGraph, error) {
	hwErr := ErrNoHardwarePath
	if hw != nil && (enc.Provider.Features().Has(FeatureZeroCopy) || format.Memory == MemoryDMABuf) {
		g, err := hw(format, enc)
		if err == nil {
			return g, nil
		}
		hwErr = err
		log.WithError(err).Warn("hardware filter unavailable, falling back to software")
	}

	if sw == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFilterPath, hwErr)
	}
	g, swErr := sw(format, enc)
	if swErr == nil {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoFilterPath, errors.Join(hwErr, swErr))
}
