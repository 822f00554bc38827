package produce

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecRaw // Uncompressed I420
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecRaw:
		return "Raw"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// The actual payload type is negotiated out of band.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP9:
		return 98
	case VideoCodecH264:
		return 102
	default:
		return 96
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecOpus
	AudioCodecG711A // A-law (PCMA)
	AudioCodecG711U // μ-law (PCMU)
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecOpus:
		return "Opus"
	case AudioCodecG711A:
		return "PCMA"
	case AudioCodecG711U:
		return "PCMU"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecOpus:
		return "audio/opus"
	case AudioCodecG711A:
		return "audio/PCMA"
	case AudioCodecG711U:
		return "audio/PCMU"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c AudioCodec) ClockRate() uint32 {
	switch c {
	case AudioCodecG711A, AudioCodecG711U:
		return 8000
	default:
		return 48000
	}
}

// DefaultPayloadType returns a typical payload type for this codec.
func (c AudioCodec) DefaultPayloadType() uint8 {
	switch c {
	case AudioCodecG711A:
		return 8
	case AudioCodecG711U:
		return 0
	default:
		return 111
	}
}

// ParseAudioCodec maps a config name to an AudioCodec.
func ParseAudioCodec(name string) (AudioCodec, error) {
	switch strings.ToLower(name) {
	case "opus":
		return AudioCodecOpus, nil
	case "pcma", "g711a", "alaw":
		return AudioCodecG711A, nil
	case "pcmu", "g711u", "ulaw":
		return AudioCodecG711U, nil
	default:
		return AudioCodecUnknown, fmt.Errorf("unknown audio codec %q", name)
	}
}

// H264Profile defines H.264 encoding profiles.
type H264Profile int

const (
	H264ProfileBaseline H264Profile = iota
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// EncoderType is the user-facing encoder choice for a stream.
type EncoderType int

const (
	EncoderTypeNoEncoder EncoderType = iota
	EncoderTypeH264Main
	EncoderTypeH264Baseline
	EncoderTypeVP8
	EncoderTypeVP9
	EncoderTypeRaw
)

func (t EncoderType) String() string {
	switch t {
	case EncoderTypeH264Main:
		return "h264main"
	case EncoderTypeH264Baseline:
		return "h264baseline"
	case EncoderTypeVP8:
		return "vp8"
	case EncoderTypeVP9:
		return "vp9"
	case EncoderTypeRaw:
		return "raw"
	default:
		return "none"
	}
}

// Codec returns the codec and H.264 profile an encoder type produces.
func (t EncoderType) Codec() (VideoCodec, H264Profile) {
	switch t {
	case EncoderTypeH264Main:
		return VideoCodecH264, H264ProfileMain
	case EncoderTypeH264Baseline:
		return VideoCodecH264, H264ProfileBaseline
	case EncoderTypeVP8:
		return VideoCodecVP8, 0
	case EncoderTypeVP9:
		return VideoCodecVP9, 0
	case EncoderTypeRaw:
		return VideoCodecRaw, 0
	default:
		return VideoCodecUnknown, 0
	}
}

// ParseEncoderType maps a config name to an EncoderType.
func ParseEncoderType(name string) (EncoderType, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "h264main", "h264":
		return EncoderTypeH264Main, nil
	case "h264baseline":
		return EncoderTypeH264Baseline, nil
	case "vp8":
		return EncoderTypeVP8, nil
	case "vp9":
		return EncoderTypeVP9, nil
	case "raw":
		return EncoderTypeRaw, nil
	default:
		return EncoderTypeNoEncoder, fmt.Errorf("unknown encoder type %q", name)
	}
}

// EncodingPreference biases encoder selection and tuning.
type EncodingPreference int

const (
	PreferenceDefault EncodingPreference = iota
	PreferenceSpeed
	PreferenceQuality
	PreferenceSize
)

func (p EncodingPreference) String() string {
	switch p {
	case PreferenceSpeed:
		return "speed"
	case PreferenceQuality:
		return "quality"
	case PreferenceSize:
		return "size"
	default:
		return "default"
	}
}

// ParseEncodingPreference maps a config name to an EncodingPreference.
func ParseEncodingPreference(name string) (EncodingPreference, error) {
	switch strings.ToLower(name) {
	case "", "default", "nopreference":
		return PreferenceDefault, nil
	case "speed":
		return PreferenceSpeed, nil
	case "quality":
		return PreferenceQuality, nil
	case "size":
		return PreferenceSize, nil
	default:
		return PreferenceDefault, fmt.Errorf("unknown encoding preference %q", name)
	}
}

// Fraction is a rational frame rate such as 30000/1001.
type Fraction struct {
	Num uint32
	Den uint32
}

// IsZero reports whether the fraction carries no rate.
func (f Fraction) IsZero() bool { return f.Num == 0 || f.Den == 0 }

// Interval returns the duration of one frame, 0 for a zero fraction.
func (f Fraction) Interval() time.Duration {
	if f.IsZero() {
		return 0
	}
	return time.Duration(uint64(time.Second) * uint64(f.Den) / uint64(f.Num))
}

// Float returns the rate as frames per second.
func (f Fraction) Float() float64 {
	if f.IsZero() {
		return 0
	}
	return float64(f.Num) / float64(f.Den)
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// ParseFraction parses "N/D" or a plain integer rate.
func ParseFraction(s string) (Fraction, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 32)
	if err != nil {
		return Fraction{}, fmt.Errorf("invalid fraction %q: %w", s, err)
	}
	d := uint64(1)
	if found {
		d, err = strconv.ParseUint(strings.TrimSpace(den), 10, 32)
		if err != nil {
			return Fraction{}, fmt.Errorf("invalid fraction %q: %w", s, err)
		}
		if d == 0 {
			return Fraction{}, fmt.Errorf("invalid fraction %q: zero denominator", s)
		}
	}
	return Fraction{Num: uint32(n), Den: uint32(d)}, nil
}
