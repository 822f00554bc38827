package produce

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// TonePattern defines the waveform a ToneSource generates.
type TonePattern int

const (
	TonePatternSilence TonePattern = iota
	TonePatternSine
	TonePatternSquare
	TonePatternSweep
)

func (p TonePattern) String() string {
	switch p {
	case TonePatternSilence:
		return "Silence"
	case TonePatternSine:
		return "Sine"
	case TonePatternSquare:
		return "Square"
	case TonePatternSweep:
		return "Sweep"
	default:
		return "Unknown"
	}
}

// ToneConfig configures a ToneSource.
type ToneConfig struct {
	SampleRate int         // Sample rate (default: 48000)
	Channels   int         // Number of channels (default: 2)
	FrameSize  int         // Samples per channel per callback (default: 20ms)
	Pattern    TonePattern // Waveform (default: Sine)
	Frequency  float64     // Tone frequency in Hz (default: 440)
	Amplitude  float64     // Amplitude 0.0-1.0 (default: 0.5)

	// For sweep pattern
	SweepStartHz  float64
	SweepEndHz    float64
	SweepDuration time.Duration
}

// DefaultToneConfig returns a 440 Hz stereo sine at 48 kHz.
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		SampleRate:    48000,
		Channels:      2,
		FrameSize:     960,
		Pattern:       TonePatternSine,
		Frequency:     440.0, // A4
		Amplitude:     0.5,
		SweepStartHz:  200,
		SweepEndHz:    2000,
		SweepDuration: 2 * time.Second,
	}
}

// ToneSource is an AudioSource generating S16 test tones in real time.
type ToneSource struct {
	config ToneConfig

	sampleData  []byte
	phase       float64
	sampleCount uint64

	running atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	mu      sync.Mutex
}

// NewToneSource creates a new tone source.
func NewToneSource(config ToneConfig) *ToneSource {
	def := DefaultToneConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Channels <= 0 {
		config.Channels = def.Channels
	}
	if config.FrameSize <= 0 {
		config.FrameSize = config.SampleRate / 50
	}
	if config.Frequency <= 0 {
		config.Frequency = def.Frequency
	}
	if config.Amplitude <= 0 {
		config.Amplitude = def.Amplitude
	}
	if config.Amplitude > 1.0 {
		config.Amplitude = 1.0
	}
	if config.SweepDuration <= 0 {
		config.SweepStartHz, config.SweepEndHz, config.SweepDuration = def.SweepStartHz, def.SweepEndHz, def.SweepDuration
	}

	return &ToneSource{
		config:     config,
		sampleData: make([]byte, config.FrameSize*config.Channels*2),
	}
}

// Start implements AudioSource.
func (s *ToneSource) Start(ctx context.Context, cb AudioSamplesCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return fmt.Errorf("source already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.running.Store(true)
	go s.generateLoop(ctx, cb)
	return nil
}

// Stop implements AudioSource.
func (s *ToneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	<-s.doneCh
	return nil
}

// Close implements AudioSource.
func (s *ToneSource) Close() error { return s.Stop() }

// SampleRate implements AudioSource.
func (s *ToneSource) SampleRate() int { return s.config.SampleRate }

// Channels implements AudioSource.
func (s *ToneSource) Channels() int { return s.config.Channels }

func (s *ToneSource) generateLoop(ctx context.Context, cb AudioSamplesCallback) {
	defer close(s.doneCh)

	frameDuration := time.Duration(s.config.FrameSize) * time.Second / time.Duration(s.config.SampleRate)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	startTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.generateSamples()
			cb(&AudioSamples{
				Data:        s.sampleData,
				SampleRate:  s.config.SampleRate,
				Channels:    s.config.Channels,
				SampleCount: s.config.FrameSize,
				Format:      AudioFormatS16,
				Timestamp:   time.Since(startTime).Nanoseconds(),
			})
			s.sampleCount += uint64(s.config.FrameSize)
		}
	}
}

func (s *ToneSource) generateSamples() {
	amplitude := s.config.Amplitude * 32767.0
	rate := float64(s.config.SampleRate)

	idx := 0
	for i := 0; i < s.config.FrameSize; i++ {
		var v float64
		freq := s.config.Frequency
		switch s.config.Pattern {
		case TonePatternSine:
			v = math.Sin(s.phase)
		case TonePatternSquare:
			v = 1
			if s.phase > math.Pi {
				v = -1
			}
		case TonePatternSweep:
			t := float64(s.sampleCount+uint64(i)) / rate
			period := s.config.SweepDuration.Seconds()
			progress := math.Mod(t, period) / period
			freq = s.config.SweepStartHz + (s.config.SweepEndHz-s.config.SweepStartHz)*progress
			v = math.Sin(s.phase)
		}

		s.phase += 2 * math.Pi * freq / rate
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}

		sample := uint16(int16(amplitude * v))
		for c := 0; c < s.config.Channels; c++ {
			binary.LittleEndian.PutUint16(s.sampleData[idx:], sample)
			idx += 2
		}
	}
}

func init() {
	RegisterAudioSource("tone", func(sampleRate, channels int) (AudioSource, error) {
		cfg := DefaultToneConfig()
		cfg.SampleRate, cfg.Channels = sampleRate, channels
		return NewToneSource(cfg), nil
	})
}
