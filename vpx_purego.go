//go:build (darwin || linux) && !novpx

// VP8/VP9 encoding via libmedia_vpx, loaded at runtime with purego.
//
// Library locations checked (in order):
//   - MEDIA_VPX_LIB_PATH environment variable
//   - PRODUCE_LIB_PATH directory
//   - build/ and build/ffi next to the executable, source or module
//   - System library paths

package produce

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	mediaVPXOnce    sync.Once
	mediaVPXHandle  uintptr
	mediaVPXInitErr error
)

// libmedia_vpx function pointers
var (
	mediaVPXEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	mediaVPXEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	mediaVPXEncoderMaxOutputSize func(encoder uint64) int32
	mediaVPXEncoderRequestKF     func(encoder uint64)
	mediaVPXEncoderSetBitrate    func(encoder uint64, bitrateKbps int32) int32
	mediaVPXEncoderDestroy       func(encoder uint64)

	mediaVPXGetError       func() uintptr
	mediaVPXCodecAvailable func(codec int32) int32
)

// Constants from media_vpx.h
const (
	mediaVPXCodecVP8 = 0
	mediaVPXCodecVP9 = 1

	mediaVPXFrameKey = 0

	mediaVPXOK = 0
)

func loadMediaVPX() error {
	mediaVPXOnce.Do(func() {
		mediaVPXHandle, mediaVPXInitErr = dlopenFirst("libmedia_vpx",
			nativeLibPaths("media_vpx", "MEDIA_VPX_LIB_PATH"),
			func(h uintptr) error {
				return registerSymbols(h, map[string]any{
					"media_vpx_encoder_create":           &mediaVPXEncoderCreate,
					"media_vpx_encoder_encode":           &mediaVPXEncoderEncode,
					"media_vpx_encoder_max_output_size":  &mediaVPXEncoderMaxOutputSize,
					"media_vpx_encoder_request_keyframe": &mediaVPXEncoderRequestKF,
					"media_vpx_encoder_set_bitrate":      &mediaVPXEncoderSetBitrate,
					"media_vpx_encoder_destroy":          &mediaVPXEncoderDestroy,
					"media_vpx_get_error":                &mediaVPXGetError,
					"media_vpx_codec_available":          &mediaVPXCodecAvailable,
				})
			})
	})
	return mediaVPXInitErr
}

// IsVP8Available checks if the VP8 encoder is usable.
func IsVP8Available() bool {
	return loadMediaVPX() == nil && mediaVPXCodecAvailable(mediaVPXCodecVP8) != 0
}

// IsVP9Available checks if the VP9 encoder is usable.
func IsVP9Available() bool {
	return loadMediaVPX() == nil && mediaVPXCodecAvailable(mediaVPXCodecVP9) != 0
}

func getVPXError() string {
	ptr := mediaVPXGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// VPXEncoder implements VideoEncoder using libmedia_vpx via purego.
type VPXEncoder struct {
	config VideoEncoderConfig
	codec  VideoCodec

	handle    uint64
	outputBuf []byte

	keyframeReq atomic.Bool
	mu          sync.Mutex
}

// NewVPXEncoder creates a VP8 or VP9 encoder.
func NewVPXEncoder(config VideoEncoderConfig) (*VPXEncoder, error) {
	if err := loadMediaVPX(); err != nil {
		return nil, fmt.Errorf("%s encoder not available: %w", config.Codec, err)
	}

	var codecType int32
	switch config.Codec {
	case VideoCodecVP8:
		codecType = mediaVPXCodecVP8
	case VideoCodecVP9:
		codecType = mediaVPXCodecVP9
	default:
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}

	threads := config.Threads
	if threads <= 0 {
		threads = 4
	}
	if config.Preference == PreferenceSpeed && threads < 8 {
		threads = 8
	}
	fps := config.FPS
	if fps <= 0 {
		fps = 30
	}
	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}

	handle := mediaVPXEncoderCreate(codecType, int32(config.Width), int32(config.Height),
		int32(fps), int32(bitrateKbps), int32(threads))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create %s encoder: %s", config.Codec, getVPXError())
	}

	maxOutput := mediaVPXEncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(config.Width * config.Height * 3 / 2)
	}

	config.Provider = ProviderLibvpx
	enc := &VPXEncoder{
		config:    config,
		codec:     config.Codec,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
	}
	enc.keyframeReq.Store(true)
	return enc, nil
}

// Encode implements VideoEncoder.
func (e *VPXEncoder) Encode(in *EncodeInput) ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}
	frame := in.Frame
	if frame == nil || frame.Format != PixelFormatI420 {
		return nil, fmt.Errorf("%s encoder needs an I420 frame", e.codec)
	}

	forceKeyframe := int32(0)
	if e.keyframeReq.Swap(false) || in.ForceKeyframe {
		forceKeyframe = 1
	}

	var frameType int32
	var pts int64
	result := mediaVPXEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		forceKeyframe,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
	)
	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getVPXError())
	}
	if result == 0 {
		return nil, nil
	}

	data := make([]byte, result)
	copy(data, e.outputBuf[:result])

	ft := FrameTypeDelta
	if frameType == mediaVPXFrameKey {
		ft = FrameTypeKey
	}
	return []*Packet{{
		Kind:       PacketVideo,
		VideoCodec: e.codec,
		Data:       data,
		PTS:        in.PTS,
		DTS:        in.PTS,
		Duration:   in.Duration,
		FrameType:  ft,
	}}, nil
}

// RequestKeyframe implements VideoEncoder.
func (e *VPXEncoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
	e.mu.Lock()
	if e.handle != 0 {
		mediaVPXEncoderRequestKF(e.handle)
	}
	e.mu.Unlock()
}

func (e *VPXEncoder) setBitrate(bitrateBps int) error {
	if e.handle == 0 {
		return fmt.Errorf("encoder not initialized")
	}
	if mediaVPXEncoderSetBitrate(e.handle, int32(bitrateBps/1000)) != mediaVPXOK {
		return fmt.Errorf("failed to set bitrate: %s", getVPXError())
	}
	e.config.BitrateBps = bitrateBps
	return nil
}

// SetQuality implements QualityController by retargeting the bitrate.
func (e *VPXEncoder) SetQuality(quality *uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.config
	cfg.Quality = quality
	if err := e.setBitrate(targetBitrate(cfg)); err != nil {
		return err
	}
	e.config.Quality = quality
	return nil
}

// SetEncodingPreference implements QualityController. Thread counts are
// fixed at creation, so only the bitrate follows the preference.
func (e *VPXEncoder) SetEncodingPreference(pref EncodingPreference) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.config
	cfg.Preference = pref
	if err := e.setBitrate(targetBitrate(cfg)); err != nil {
		return err
	}
	e.config.Preference = pref
	return nil
}

// Provider implements VideoEncoder.
func (e *VPXEncoder) Provider() Provider { return ProviderLibvpx }

// Codec implements VideoEncoder.
func (e *VPXEncoder) Codec() VideoCodec { return e.codec }

// Config implements VideoEncoder.
func (e *VPXEncoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Flush implements VideoEncoder. libmedia_vpx runs without lag frames.
func (e *VPXEncoder) Flush() ([]*Packet, error) { return nil, nil }

// Close implements VideoEncoder.
func (e *VPXEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		mediaVPXEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	if loadMediaVPX() != nil {
		return
	}
	setProviderAvailable(ProviderLibvpx)
	factory := func(config VideoEncoderConfig) (VideoEncoder, error) {
		return NewVPXEncoder(config)
	}
	if mediaVPXCodecAvailable(mediaVPXCodecVP8) != 0 {
		defaultRegistry.RegisterVideo(VideoCodecVP8, ProviderLibvpx, factory)
	}
	if mediaVPXCodecAvailable(mediaVPXCodecVP9) != 0 {
		defaultRegistry.RegisterVideo(VideoCodecVP9, ProviderLibvpx, factory)
	}
}
