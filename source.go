package produce

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryType tells where a source's buffers live.
type MemoryType int

const (
	MemoryCPU    MemoryType = iota // Mapped pixels in VideoFrame
	MemoryDMABuf                   // GPU buffers described by DMABuf
)

func (m MemoryType) String() string {
	if m == MemoryDMABuf {
		return "dmabuf"
	}
	return "cpu"
}

// SourceFormat is the result of negotiating with a FrameSource.
type SourceFormat struct {
	Width     int
	Height    int
	Format    PixelFormat // Pixel layout of CPU buffers
	Memory    MemoryType
	Fourcc    uint32   // DRM fourcc of DMA-BUF buffers
	Modifier  uint64   // DRM format modifier of DMA-BUF buffers
	Framerate Fraction // Nominal rate, zero when variable
}

// FrameHandler receives frames and state notifications from a FrameSource.
// The source holds it as a plain reference and never owns the receiver.
type FrameHandler interface {
	// ProcessFrame handles one buffer. Frame data is only valid for the
	// duration of the call.
	ProcessFrame(frame Frame)

	// StateChanged reports a protocol-level state transition.
	StateChanged(state SourceState)
}

// FrameSource delivers raw video frames, typically from a compositor stream.
type FrameSource interface {
	io.Closer

	// Negotiate agrees on a buffer format and returns it.
	Negotiate(ctx context.Context) (SourceFormat, error)

	// Start begins delivering frames to h. Frames may arrive on any goroutine.
	Start(ctx context.Context, h FrameHandler) error

	// Stop halts delivery. No ProcessFrame call starts after Stop returns.
	Stop() error
}

// AudioSamplesCallback is called when audio samples are available (push mode).
type AudioSamplesCallback func(samples *AudioSamples)

// AudioSource produces raw audio samples.
type AudioSource interface {
	io.Closer

	// Start begins capture, pushing samples to cb.
	Start(ctx context.Context, cb AudioSamplesCallback) error

	// Stop halts capture.
	Stop() error

	// SampleRate returns the audio sample rate.
	SampleRate() int

	// Channels returns the number of audio channels.
	Channels() int
}

// FrameSourceFactory creates a frame source from a size and rate hint.
type FrameSourceFactory func(width, height int, rate Fraction) (FrameSource, error)

// AudioSourceFactory creates an audio source.
type AudioSourceFactory func(sampleRate, channels int) (AudioSource, error)

// sourceRegistry holds registered source factories by name.
type sourceRegistry struct {
	videoFactories map[string]FrameSourceFactory
	audioFactories map[string]AudioSourceFactory
	mu             sync.RWMutex
}

var globalSourceRegistry = &sourceRegistry{
	videoFactories: make(map[string]FrameSourceFactory),
	audioFactories: make(map[string]AudioSourceFactory),
}

// RegisterFrameSource registers a frame source factory under name.
func RegisterFrameSource(name string, factory FrameSourceFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.videoFactories[name] = factory
}

// RegisterAudioSource registers an audio source factory under name.
func RegisterAudioSource(name string, factory AudioSourceFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.audioFactories[name] = factory
}

// CreateFrameSource creates a registered frame source.
func CreateFrameSource(name string, width, height int, rate Fraction) (FrameSource, error) {
	globalSourceRegistry.mu.RLock()
	factory, ok := globalSourceRegistry.videoFactories[name]
	globalSourceRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("frame source not available: %q", name)
	}
	return factory(width, height, rate)
}

// CreateAudioSource creates a registered audio source.
func CreateAudioSource(name string, sampleRate, channels int) (AudioSource, error) {
	globalSourceRegistry.mu.RLock()
	factory, ok := globalSourceRegistry.audioFactories[name]
	globalSourceRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("audio source not available: %q", name)
	}
	return factory(sampleRate, channels)
}

// AvailableFrameSources returns the registered frame source names, sorted.
func AvailableFrameSources() []string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalSourceRegistry.videoFactories))
	for n := range globalSourceRegistry.videoFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AvailableAudioSources returns the registered audio source names, sorted.
func AvailableAudioSources() []string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalSourceRegistry.audioFactories))
	for n := range globalSourceRegistry.audioFactories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
