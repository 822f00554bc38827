//go:build (darwin || linux) && !noh264

// H.264 software encoding via libmedia_h264 (x264), loaded with purego.

package produce

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderFlush         func(encoder uint64, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderRequestKF     func(encoder uint64)
	mediaH264EncoderSetBitrate    func(encoder uint64, bitrateKbps int32) int32
	mediaH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66
	mediaH264ProfileMain     = 77
	mediaH264ProfileHigh     = 100

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3

	mediaH264OK = 0
)

func h264ProfileToNative(p H264Profile) int32 {
	switch p {
	case H264ProfileMain:
		return mediaH264ProfileMain
	case H264ProfileHigh:
		return mediaH264ProfileHigh
	default:
		return mediaH264ProfileBaseline
	}
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264Handle, mediaH264InitErr = dlopenFirst("libmedia_h264",
			nativeLibPaths("media_h264", "MEDIA_H264_LIB_PATH"),
			func(h uintptr) error {
				return registerSymbols(h, map[string]any{
					"media_h264_encoder_create":           &mediaH264EncoderCreate,
					"media_h264_encoder_encode":           &mediaH264EncoderEncode,
					"media_h264_encoder_flush":            &mediaH264EncoderFlush,
					"media_h264_encoder_max_output_size":  &mediaH264EncoderMaxOutputSize,
					"media_h264_encoder_request_keyframe": &mediaH264EncoderRequestKF,
					"media_h264_encoder_set_bitrate":      &mediaH264EncoderSetBitrate,
					"media_h264_encoder_get_sps_pps":      &mediaH264EncoderGetSPSPPS,
					"media_h264_encoder_destroy":          &mediaH264EncoderDestroy,
					"media_h264_get_error":                &mediaH264GetError,
					"media_h264_encoder_available":        &mediaH264EncoderAvailable,
				})
			})
	})
	return mediaH264InitErr
}

// IsH264EncoderAvailable checks if the x264-backed encoder is usable.
func IsH264EncoderAvailable() bool {
	return loadMediaH264() == nil && mediaH264EncoderAvailable() != 0
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// H264Encoder implements VideoEncoder for H.264 (x264).
type H264Encoder struct {
	config VideoEncoderConfig

	handle    uint64
	outputBuf []byte

	keyframeReq atomic.Bool
	mu          sync.Mutex

	sps []byte
	pps []byte
}

// NewH264Encoder creates a new H.264 encoder.
func NewH264Encoder(config VideoEncoderConfig) (*H264Encoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 encoder not available: %w", err)
	}
	if mediaH264EncoderAvailable() == 0 {
		return nil, errors.New("H.264 encoder not available (x264 not compiled)")
	}

	threads := config.Threads
	if threads <= 0 {
		threads = 4
	}
	fps := config.FPS
	if fps <= 0 {
		fps = 30
	}
	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}

	handle := mediaH264EncoderCreate(
		int32(config.Width),
		int32(config.Height),
		int32(fps),
		int32(bitrateKbps),
		h264ProfileToNative(config.H264Profile),
		int32(threads),
	)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", getH264Error())
	}

	maxOutput := mediaH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(config.Width * config.Height * 3 / 2)
	}

	config.Provider = ProviderX264
	config.Codec = VideoCodecH264
	enc := &H264Encoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
	}
	enc.keyframeReq.Store(true)
	enc.extractSPSPPS()
	return enc, nil
}

func (e *H264Encoder) extractSPSPPS() {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	var spsLen, ppsLen int32

	mediaH264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&spsLen)),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&ppsLen)),
	)
	if spsLen > 0 {
		e.sps = append([]byte(nil), spsOut[:spsLen]...)
	}
	if ppsLen > 0 {
		e.pps = append([]byte(nil), ppsOut[:ppsLen]...)
	}
}

// ParameterSets implements ParameterSetProvider.
func (e *H264Encoder) ParameterSets() (sps, pps []byte) {
	return e.sps, e.pps
}

// Encode implements VideoEncoder. Output is Annex-B.
func (e *H264Encoder) Encode(in *EncodeInput) ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}
	frame := in.Frame
	if frame == nil || frame.Format != PixelFormatI420 {
		return nil, errors.New("H.264 encoder needs an I420 frame")
	}

	forceKeyframe := int32(0)
	if e.keyframeReq.Swap(false) || in.ForceKeyframe {
		forceKeyframe = 1
	}

	var frameType int32
	var pts, dts int64
	result := mediaH264EncoderEncode(
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
		uintptr(unsafe.Pointer(&dts)),
	)
	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getH264Error())
	}
	if result == 0 {
		return nil, nil
	}
	return []*Packet{e.packet(result, frameType, in.PTS, in.Duration)}, nil
}

func (e *H264Encoder) packet(n, frameType int32, pts int64, dur time.Duration) *Packet {
	data := make([]byte, n)
	copy(data, e.outputBuf[:n])
	ft := FrameTypeDelta
	if frameType == mediaH264FrameIDR || frameType == mediaH264FrameI {
		ft = FrameTypeKey
	}
	return &Packet{
		Kind:       PacketVideo,
		VideoCodec: VideoCodecH264,
		Data:       data,
		PTS:        pts,
		DTS:        pts,
		Duration:   dur,
		FrameType:  ft,
	}
}

// Flush implements VideoEncoder, draining delayed frames.
func (e *H264Encoder) Flush() ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, nil
	}
	var out []*Packet
	for {
		var frameType int32
		var pts, dts int64
		n := mediaH264EncoderFlush(
			e.handle,
			uintptr(unsafe.Pointer(&e.outputBuf[0])),
			int32(len(e.outputBuf)),
			uintptr(unsafe.Pointer(&frameType)),
			uintptr(unsafe.Pointer(&pts)),
			uintptr(unsafe.Pointer(&dts)),
		)
		if n < 0 {
			return out, fmt.Errorf("flush failed: %s", getH264Error())
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, e.packet(n, frameType, 0, 0))
	}
}

// RequestKeyframe implements VideoEncoder.
func (e *H264Encoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
	e.mu.Lock()
	if e.handle != 0 {
		mediaH264EncoderRequestKF(e.handle)
	}
	e.mu.Unlock()
}

func (e *H264Encoder) setBitrate(bitrateBps int) error {
	if e.handle == 0 {
		return fmt.Errorf("encoder not initialized")
	}
	if mediaH264EncoderSetBitrate(e.handle, int32(bitrateBps/1000)) != mediaH264OK {
		return fmt.Errorf("failed to set bitrate: %s", getH264Error())
	}
	e.config.BitrateBps = bitrateBps
	return nil
}

// SetQuality implements QualityController.
func (e *H264Encoder) SetQuality(quality *uint8) error {
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

// SetEncodingPreference implements QualityController.
func (e *H264Encoder) SetEncodingPreference(pref EncodingPreference) error {
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
func (e *H264Encoder) Provider() Provider { return ProviderX264 }

// Codec implements VideoEncoder.
func (e *H264Encoder) Codec() VideoCodec { return VideoCodecH264 }

// Config implements VideoEncoder.
func (e *H264Encoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Close implements VideoEncoder.
func (e *H264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	if IsH264EncoderAvailable() {
		setProviderAvailable(ProviderX264)
		defaultRegistry.RegisterVideo(VideoCodecH264, ProviderX264, func(config VideoEncoderConfig) (VideoEncoder, error) {
			return NewH264Encoder(config)
		})
	}
}
