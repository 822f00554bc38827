//go:build (darwin || linux) && !noopus

// Opus audio encoding via libstream_opus, loaded at runtime with purego.

package produce

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"
)

var (
	streamOpusOnce    sync.Once
	streamOpusHandle  uintptr
	streamOpusInitErr error
)

// libstream_opus function pointers
var (
	streamOpusEncoderCreate        func(sampleRate, channels, application int32) uint64
	streamOpusEncoderEncode        func(encoder uint64, pcm uintptr, frameSize int32, outData uintptr, outCapacity int32) int32
	streamOpusEncoderSetBitrate    func(encoder uint64, bitrate int32) int32
	streamOpusEncoderSetComplexity func(encoder uint64, complexity int32) int32
	streamOpusEncoderSetFEC        func(encoder uint64, enabled int32) int32
	streamOpusEncoderDestroy       func(encoder uint64)

	streamOpusGetError   func() uintptr
	streamOpusGetVersion func() uintptr
)

// Constants from stream_opus.h
const (
	streamOpusApplicationVOIP  = 2048
	streamOpusApplicationAudio = 2049
)

func loadStreamOpus() error {
	streamOpusOnce.Do(func() {
		streamOpusHandle, streamOpusInitErr = dlopenFirst("libstream_opus",
			nativeLibPaths("stream_opus", "STREAM_OPUS_LIB_PATH"),
			func(h uintptr) error {
				return registerSymbols(h, map[string]any{
					"stream_opus_encoder_create":         &streamOpusEncoderCreate,
					"stream_opus_encoder_encode":         &streamOpusEncoderEncode,
					"stream_opus_encoder_set_bitrate":    &streamOpusEncoderSetBitrate,
					"stream_opus_encoder_set_complexity": &streamOpusEncoderSetComplexity,
					"stream_opus_encoder_set_fec":        &streamOpusEncoderSetFEC,
					"stream_opus_encoder_destroy":        &streamOpusEncoderDestroy,
					"stream_opus_get_error":              &streamOpusGetError,
					"stream_opus_get_version":            &streamOpusGetVersion,
				})
			})
	})
	return streamOpusInitErr
}

// IsOpusAvailable checks if libstream_opus is available.
func IsOpusAvailable() bool {
	return loadStreamOpus() == nil
}

// OpusVersion returns the libopus version string.
func OpusVersion() string {
	if !IsOpusAvailable() {
		return ""
	}
	return goStringFromPtr(streamOpusGetVersion())
}

func getOpusError() string {
	ptr := streamOpusGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// OpusEncoder implements AudioEncoder for Opus.
// Input is re-chunked into FrameSizeMs frames; a partial tail waits for the next call.
type OpusEncoder struct {
	config AudioEncoderConfig

	handle    uint64
	outputBuf []byte
	pending   []int16
	frameSize int // samples per channel per Opus frame
	nextPTS   int64
	havePTS   bool

	mu sync.Mutex
}

// NewOpusEncoder creates a new Opus encoder.
func NewOpusEncoder(config AudioEncoderConfig) (*OpusEncoder, error) {
	if err := loadStreamOpus(); err != nil {
		return nil, fmt.Errorf("Opus encoder not available: %w", err)
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if config.Channels > 2 {
		return nil, fmt.Errorf("Opus supports max 2 channels, got %d", config.Channels)
	}
	switch config.FrameSizeMs {
	case 10, 20, 40, 60:
	default:
		config.FrameSizeMs = 20
	}

	handle := streamOpusEncoderCreate(int32(config.SampleRate), int32(config.Channels), streamOpusApplicationAudio)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create Opus encoder: %s", getOpusError())
	}
	if config.BitrateBps > 0 {
		streamOpusEncoderSetBitrate(handle, int32(config.BitrateBps))
	}
	streamOpusEncoderSetComplexity(handle, 10)
	streamOpusEncoderSetFEC(handle, 0)

	config.Codec = AudioCodecOpus
	config.Provider = ProviderLibopus
	return &OpusEncoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, 4000),
		frameSize: config.SampleRate * config.FrameSizeMs / 1000,
	}, nil
}

// Encode implements AudioEncoder.
func (e *OpusEncoder) Encode(samples *AudioSamples) ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, fmt.Errorf("encoder not initialized")
	}
	if samples.Format != AudioFormatS16 {
		return nil, fmt.Errorf("opus: unsupported sample format %s", samples.Format)
	}
	if samples.Channels != e.config.Channels || samples.SampleRate != e.config.SampleRate {
		return nil, fmt.Errorf("opus: got %d Hz/%d ch, configured for %d Hz/%d ch",
			samples.SampleRate, samples.Channels, e.config.SampleRate, e.config.Channels)
	}

	if !e.havePTS {
		e.nextPTS = samples.Timestamp / int64(time.Millisecond)
		e.havePTS = true
	}
	for i := 0; i+1 < len(samples.Data); i += 2 {
		e.pending = append(e.pending, int16(binary.LittleEndian.Uint16(samples.Data[i:])))
	}

	return e.drain()
}

// drain encodes every complete frame held in pending. Called with mu held.
func (e *OpusEncoder) drain() ([]*Packet, error) {
	chunk := e.frameSize * e.config.Channels
	var out []*Packet
	for len(e.pending) >= chunk {
		n := streamOpusEncoderEncode(
			e.handle,
			uintptr(unsafe.Pointer(&e.pending[0])),
			int32(e.frameSize),
			uintptr(unsafe.Pointer(&e.outputBuf[0])),
			int32(len(e.outputBuf)),
		)
		if n < 0 {
			return out, fmt.Errorf("encode failed: %s", getOpusError())
		}
		e.pending = append(e.pending[:0], e.pending[chunk:]...)

		dur := time.Duration(e.config.FrameSizeMs) * time.Millisecond
		out = append(out, &Packet{
			Kind:       PacketAudio,
			AudioCodec: AudioCodecOpus,
			Data:       append([]byte(nil), e.outputBuf[:n]...),
			PTS:        e.nextPTS,
			DTS:        e.nextPTS,
			Duration:   dur,
			FrameType:  FrameTypeKey,
		})
		e.nextPTS += int64(e.config.FrameSizeMs)
	}
	return out, nil
}

// Flush implements AudioEncoder. A partial trailing frame is padded with
// silence and encoded.
func (e *OpusEncoder) Flush() ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 || len(e.pending) == 0 {
		return nil, nil
	}
	chunk := e.frameSize * e.config.Channels
	for len(e.pending)%chunk != 0 {
		e.pending = append(e.pending, 0)
	}
	return e.drain()
}

// Provider implements AudioEncoder.
func (e *OpusEncoder) Provider() Provider { return ProviderLibopus }

// Codec implements AudioEncoder.
func (e *OpusEncoder) Codec() AudioCodec { return AudioCodecOpus }

// Config implements AudioEncoder.
func (e *OpusEncoder) Config() AudioEncoderConfig { return e.config }

// Close releases encoder resources.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		streamOpusEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	if !IsOpusAvailable() {
		return
	}
	setProviderAvailable(ProviderLibopus)
	defaultRegistry.RegisterAudio(AudioCodecOpus, ProviderLibopus, func(config AudioEncoderConfig) (AudioEncoder, error) {
		return NewOpusEncoder(config)
	})
}
