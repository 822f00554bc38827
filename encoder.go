package produce

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec    VideoCodec // Codec type (VP8, VP9, H264, Raw)
	Provider Provider   // Provider to use (ProviderAuto = registry chooses)

	Width      int // Frame width
	Height     int // Frame height
	FPS        int // Nominal framerate, used for rate control
	BitrateBps int // Target bitrate in bits per second
	Threads    int // Encoder threads (0 = auto)

	Quality     *uint8 // Requested quality 0-255, nil = encoder default
	Preference  EncodingPreference
	H264Profile H264Profile

	// ScaleMode fits the source picture into Width x Height.
	ScaleMode ScaleMode
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	cfg := VideoEncoderConfig{
		Codec:    codec,
		Provider: ProviderAuto,
		Width:    width,
		Height:   height,
		FPS:      30,
	}
	cfg.BitrateBps = targetBitrate(cfg)
	return cfg
}

// HardwareSurface is a GPU-resident picture produced by the hardware filter.
type HardwareSurface struct {
	ID     uint64
	Width  int
	Height int
}

// EncodeInput is one picture handed to a VideoEncoder.
// Exactly one of Frame and Surface is set.
type EncodeInput struct {
	Frame         *VideoFrame      // I420 picture in CPU memory
	Surface       *HardwareSurface // NV12 surface owned by the hardware filter
	PTS           int64            // Presentation timestamp in milliseconds
	Duration      time.Duration
	ForceKeyframe bool

	release func()
}

// Release returns any GPU surface backing the input. Safe to call more than once.
func (in *EncodeInput) Release() {
	if in == nil || in.release == nil {
		return
	}
	r := in.release
	in.release = nil
	r()
}

// VideoEncoder turns filtered pictures into compressed packets.
type VideoEncoder interface {
	io.Closer

	// Encode encodes one picture. It may return no packets while buffering.
	Encode(in *EncodeInput) ([]*Packet, error)

	// Flush drains any buffered packets at end of stream.
	Flush() ([]*Packet, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	Provider() Provider
	Codec() VideoCodec
	Config() VideoEncoderConfig
}

// QualityController is implemented by encoders that can retune while running.
// Encoders without it need a renegotiation to pick up new settings.
type QualityController interface {
	SetQuality(quality *uint8) error
	SetEncodingPreference(pref EncodingPreference) error
}

// ParameterSetProvider is implemented by H.264 encoders that expose SPS/PPS.
type ParameterSetProvider interface {
	ParameterSets() (sps, pps []byte)
}

// AudioEncoderConfig configures an audio encoder.
type AudioEncoderConfig struct {
	Codec    AudioCodec
	Provider Provider

	SampleRate  int // Input sample rate (e.g., 48000)
	Channels    int // Input channels (1 or 2)
	BitrateBps  int // Target bitrate in bps
	FrameSizeMs int // Frame size in milliseconds
}

// DefaultAudioEncoderConfig returns a default audio encoder configuration.
func DefaultAudioEncoderConfig(codec AudioCodec) AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:       codec,
		Provider:    ProviderAuto,
		SampleRate:  48000,
		Channels:    2,
		BitrateBps:  64000,
		FrameSizeMs: 20,
	}
}

// AudioEncoder encodes raw audio samples to compressed packets.
type AudioEncoder interface {
	io.Closer
	Encode(samples *AudioSamples) ([]*Packet, error)
	Flush() ([]*Packet, error)
	Provider() Provider
	Codec() AudioCodec
	Config() AudioEncoderConfig
}

// VideoEncoderFactory constructs a video encoder.
type VideoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)

// AudioEncoderFactory constructs an audio encoder.
type AudioEncoderFactory func(AudioEncoderConfig) (AudioEncoder, error)

// EncoderRegistry maps codecs to the providers able to encode them.
type EncoderRegistry struct {
	mu    sync.RWMutex
	video map[VideoCodec]map[Provider]VideoEncoderFactory
	audio map[AudioCodec]map[Provider]AudioEncoderFactory
}

// NewEncoderRegistry returns an empty registry.
func NewEncoderRegistry() *EncoderRegistry {
	return &EncoderRegistry{
		video: make(map[VideoCodec]map[Provider]VideoEncoderFactory),
		audio: make(map[AudioCodec]map[Provider]AudioEncoderFactory),
	}
}

var defaultRegistry = NewEncoderRegistry()

// DefaultEncoderRegistry returns the registry populated by the providers
// whose native libraries loaded in this process.
func DefaultEncoderRegistry() *EncoderRegistry { return defaultRegistry }

// RegisterVideo adds or replaces a video encoder factory.
func (r *EncoderRegistry) RegisterVideo(codec VideoCodec, provider Provider, factory VideoEncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.video[codec] == nil {
		r.video[codec] = make(map[Provider]VideoEncoderFactory)
	}
	r.video[codec][provider] = factory
}

// RegisterAudio adds or replaces an audio encoder factory.
func (r *EncoderRegistry) RegisterAudio(codec AudioCodec, provider Provider, factory AudioEncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audio[codec] == nil {
		r.audio[codec] = make(map[Provider]AudioEncoderFactory)
	}
	r.audio[codec][provider] = factory
}

// VideoProviders lists the providers registered for codec in enum order.
func (r *EncoderRegistry) VideoProviders(codec VideoCodec) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.video[codec]))
	for p := range r.video[codec] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *EncoderRegistry) videoFactory(codec VideoCodec, provider Provider) (VideoEncoderFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.video[codec][provider]
	return f, ok
}

// NewVideoEncoder creates an encoder with the configured provider, or the
// first provider in preference order when Provider is ProviderAuto.
func (r *EncoderRegistry) NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	if config.Provider != ProviderAuto {
		factory, ok := r.videoFactory(config.Codec, config.Provider)
		if !ok {
			return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, config.Provider, config.Codec)
		}
		return factory(config)
	}
	candidates := orderProviders(r.VideoProviders(config.Codec), config.Preference)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no encoder for %s", ErrProviderNotFound, config.Codec)
	}
	var errs []error
	for _, p := range candidates {
		factory, _ := r.videoFactory(config.Codec, p)
		cfg := config
		cfg.Provider = p
		enc, err := factory(cfg)
		if err == nil {
			return enc, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
	}
	return nil, errors.Join(errs...)
}

// NewAudioEncoder creates an audio encoder, preferring permissive providers.
func (r *EncoderRegistry) NewAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error) {
	r.mu.RLock()
	providers := r.audio[config.Codec]
	var candidates []Provider
	for p := range providers {
		if config.Provider == ProviderAuto || config.Provider == p {
			candidates = append(candidates, p)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no encoder for %s", ErrProviderNotFound, config.Codec)
	}
	candidates = orderProviders(candidates, PreferenceQuality)

	var errs []error
	for _, p := range candidates {
		r.mu.RLock()
		factory := r.audio[config.Codec][p]
		r.mu.RUnlock()
		cfg := config
		cfg.Provider = p
		enc, err := factory(cfg)
		if err == nil {
			return enc, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
	}
	return nil, errors.Join(errs...)
}

// orderProviders sorts candidates for a preference. Speed and the default
// try hardware first; quality and size try software first. Permissive
// licenses win ties.
func orderProviders(ps []Provider, pref EncodingPreference) []Provider {
	hardwareFirst := pref == PreferenceDefault || pref == PreferenceSpeed
	rank := func(p Provider) int {
		r := 0
		if !p.Features().Has(FeatureLowLatency) {
			r += 4
		}
		if p.IsHardware() != hardwareFirst {
			r += 2
		}
		if !p.License().Permissive() {
			r++
		}
		return r
	}
	out := append([]Provider(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// forcedProviderEnv overrides provider selection when the stream config leaves it on auto.
const forcedProviderEnv = "PRODUCE_FORCE_ENCODER"

// makeEncoder picks and constructs the stream's video encoder.
func makeEncoder(reg *EncoderRegistry, stream Config, format SourceFormat) (VideoEncoder, error) {
	codec, profile := stream.EncoderType.Codec()
	if codec == VideoCodecUnknown {
		return nil, fmt.Errorf("%w: encoder type %s", ErrCodecNotSupported, stream.EncoderType)
	}

	width, height := stream.Width, stream.Height
	if width <= 0 || height <= 0 {
		width, height = format.Width, format.Height
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid encode size %dx%d", width, height)
	}
	if codec != VideoCodecRaw {
		width, height = width&^1, height&^1
	}

	fps := int(stream.MaxFramerate.Float() + 0.5)
	if fps <= 0 {
		fps = 30
	}

	cfg := VideoEncoderConfig{
		Codec:       codec,
		Provider:    stream.EncoderProvider,
		Width:       width,
		Height:      height,
		FPS:         fps,
		BitrateBps:  stream.BitrateBps,
		Quality:     stream.Quality,
		Preference:  stream.Preference,
		H264Profile: profile,
		ScaleMode:   stream.ScaleMode,
	}
	if cfg.Provider == ProviderAuto {
		if name := os.Getenv(forcedProviderEnv); name != "" {
			if p, ok := ParseProvider(name); ok {
				cfg.Provider = p
			}
		}
	}
	if cfg.BitrateBps <= 0 || cfg.Quality != nil {
		cfg.BitrateBps = targetBitrate(cfg)
	}

	return reg.NewVideoEncoder(cfg)
}

// targetBitrate derives a bitrate from size, rate, quality and preference.
// Quality scales bits per pixel between 0.02 and 0.22.
func targetBitrate(cfg VideoEncoderConfig) int {
	bpp := 0.1
	if cfg.Quality != nil {
		bpp = 0.02 + 0.2*float64(*cfg.Quality)/255
	}
	switch cfg.Preference {
	case PreferenceSize:
		bpp *= 0.6
	case PreferenceQuality:
		bpp *= 1.25
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	bitrate := int(float64(cfg.Width*cfg.Height*fps) * bpp)
	switch {
	case bitrate < 100_000:
		bitrate = 100_000
	case bitrate > 50_000_000:
		bitrate = 50_000_000
	}
	return bitrate
}

// QualityLevel returns a pointer to q, for use in optional quality fields.
func QualityLevel(q uint8) *uint8 { return &q }
