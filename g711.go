package produce

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// G711Encoder encodes S16 PCM to 8 kHz mono G.711 (μ-law or A-law).
// Input at a multiple of 8 kHz is down-mixed and decimated by averaging.
type G711Encoder struct {
	config AudioEncoderConfig
	factor int

	mu     sync.Mutex
	closed bool
}

// NewG711Encoder creates a G.711 encoder for AudioCodecG711U or AudioCodecG711A.
func NewG711Encoder(config AudioEncoderConfig) (*G711Encoder, error) {
	if config.Codec != AudioCodecG711U && config.Codec != AudioCodecG711A {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 8000
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.SampleRate%8000 != 0 {
		return nil, fmt.Errorf("g711: sample rate %d is not a multiple of 8000", config.SampleRate)
	}
	config.Provider = ProviderBuiltin
	config.BitrateBps = 64000
	return &G711Encoder{config: config, factor: config.SampleRate / 8000}, nil
}

// Encode implements AudioEncoder.
func (e *G711Encoder) Encode(samples *AudioSamples) ([]*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("encoder closed")
	}
	if samples.Format != AudioFormatS16 {
		return nil, fmt.Errorf("g711: unsupported sample format %s", samples.Format)
	}
	if samples.Channels != e.config.Channels || samples.SampleRate != e.config.SampleRate {
		return nil, fmt.Errorf("g711: got %d Hz/%d ch, configured for %d Hz/%d ch",
			samples.SampleRate, samples.Channels, e.config.SampleRate, e.config.Channels)
	}

	ch := e.config.Channels
	frames := len(samples.Data) / (2 * ch)
	out := make([]byte, 0, frames/e.factor)
	for i := 0; i+e.factor <= frames; i += e.factor {
		sum := 0
		for j := 0; j < e.factor; j++ {
			for c := 0; c < ch; c++ {
				off := ((i+j)*ch + c) * 2
				sum += int(int16(binary.LittleEndian.Uint16(samples.Data[off:])))
			}
		}
		s := int16(sum / (e.factor * ch))
		if e.config.Codec == AudioCodecG711U {
			out = append(out, linearToMuLaw(s))
		} else {
			out = append(out, linearToALaw(s))
		}
	}
	if len(out) == 0 {
		return nil, nil
	}

	pts := samples.Timestamp / int64(time.Millisecond)
	return []*Packet{{
		Kind:       PacketAudio,
		AudioCodec: e.config.Codec,
		Data:       out,
		PTS:        pts,
		DTS:        pts,
		Duration:   time.Duration(len(out)) * time.Second / 8000,
		FrameType:  FrameTypeKey,
	}}, nil
}

// Flush implements AudioEncoder.
func (e *G711Encoder) Flush() ([]*Packet, error) { return nil, nil }

// Provider implements AudioEncoder.
func (e *G711Encoder) Provider() Provider { return ProviderBuiltin }

// Codec implements AudioEncoder.
func (e *G711Encoder) Codec() AudioCodec { return e.config.Codec }

// Config implements AudioEncoder.
func (e *G711Encoder) Config() AudioEncoderConfig { return e.config }

// Close implements AudioEncoder.
func (e *G711Encoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func linearToMuLaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

var aLawSegmentEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func linearToALaw(sample int16) byte {
	p := int(sample) >> 3
	mask := byte(0xD5)
	if p < 0 {
		mask = 0x55
		p = -p - 1
	}

	seg := 0
	for seg < len(aLawSegmentEnd) && p > aLawSegmentEnd[seg] {
		seg++
	}
	if seg >= len(aLawSegmentEnd) {
		return 0x7F ^ mask
	}

	aval := byte(seg << 4)
	if seg < 2 {
		aval |= byte(p>>1) & 0x0F
	} else {
		aval |= byte(p>>seg) & 0x0F
	}
	return aval ^ mask
}

func init() {
	for _, codec := range []AudioCodec{AudioCodecG711U, AudioCodecG711A} {
		defaultRegistry.RegisterAudio(codec, ProviderBuiltin, func(config AudioEncoderConfig) (AudioEncoder, error) {
			return NewG711Encoder(config)
		})
	}
}
