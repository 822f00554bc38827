package produce

import (
	"fmt"
	"sync"
)

// RawEncoder emits each I420 picture uncompressed. Every packet is a keyframe.
type RawEncoder struct {
	config VideoEncoderConfig
	mu     sync.Mutex
	closed bool
}

// NewRawEncoder creates a passthrough encoder.
func NewRawEncoder(config VideoEncoderConfig) (*RawEncoder, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("invalid raw encoder size %dx%d", config.Width, config.Height)
	}
	config.Codec = VideoCodecRaw
	config.Provider = ProviderBuiltin
	return &RawEncoder{config: config}, nil
}

// Encode implements VideoEncoder.
func (e *RawEncoder) Encode(in *EncodeInput) ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("encoder closed")
	}
	if in.Frame == nil {
		return nil, fmt.Errorf("raw encoder: %w: gpu surfaces", ErrNotSupported)
	}
	f := in.Frame
	if f.Format != PixelFormatI420 {
		return nil, fmt.Errorf("raw encoder: unexpected format %s", f.Format)
	}

	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	data := make([]byte, 0, I420Size(f.Width, f.Height))
	data = appendPlane(data, f.Data[0], f.Stride[0], f.Width, f.Height)
	data = appendPlane(data, f.Data[1], f.Stride[1], cw, ch)
	data = appendPlane(data, f.Data[2], f.Stride[2], cw, ch)

	return []*Packet{{
		Kind:       PacketVideo,
		VideoCodec: VideoCodecRaw,
		Data:       data,
		PTS:        in.PTS,
		DTS:        in.PTS,
		Duration:   in.Duration,
		FrameType:  FrameTypeKey,
	}}, nil
}

func appendPlane(dst, src []byte, stride, width, height int) []byte {
	for y := 0; y < height; y++ {
		dst = append(dst, src[y*stride:y*stride+width]...)
	}
	return dst
}

// Flush implements VideoEncoder.
func (e *RawEncoder) Flush() ([]*Packet, error) { return nil, nil }

// RequestKeyframe implements VideoEncoder. Every raw frame is a keyframe.
func (e *RawEncoder) RequestKeyframe() {}

// Provider implements VideoEncoder.
func (e *RawEncoder) Provider() Provider { return ProviderBuiltin }

// Codec implements VideoEncoder.
func (e *RawEncoder) Codec() VideoCodec { return VideoCodecRaw }

// Config implements VideoEncoder.
func (e *RawEncoder) Config() VideoEncoderConfig { return e.config }

// Close implements VideoEncoder.
func (e *RawEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func init() {
	setProviderAvailable(ProviderBuiltin)
	defaultRegistry.RegisterVideo(VideoCodecRaw, ProviderBuiltin, func(config VideoEncoderConfig) (VideoEncoder, error) {
		return NewRawEncoder(config)
	})
}
