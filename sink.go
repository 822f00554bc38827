package produce

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// OutputSink serializes encoded packets to a destination.
// Video and audio packets arrive interleaved; per stream, DTS never decreases.
type OutputSink interface {
	WritePacket(p *Packet) error

	// Close finalizes the destination (container trailer, connection teardown).
	Close() error
}

// PacketHandler receives every packet the producer emits.
type PacketHandler interface {
	ProcessPacket(p *Packet) error
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(p *Packet) error

// ProcessPacket implements PacketHandler.
func (f PacketHandlerFunc) ProcessPacket(p *Packet) error { return f(p) }

// SinkConfig describes the streams an OutputSink will carry.
type SinkConfig struct {
	Output string // File path, rtp://host:port or rtmp://host[:port]/app/stream

	VideoCodec VideoCodec
	Width      int
	Height     int
	Framerate  Fraction

	AudioCodec AudioCodec // AudioCodecUnknown for video only
	SampleRate int
	Channels   int

	// ParameterSets supplies H.264 SPS/PPS when the container needs them up
	// front. Optional.
	ParameterSets func() (sps, pps []byte)

	Logger logrus.FieldLogger
}

// OpenSink opens the sink selected by the scheme of cfg.Output.
func OpenSink(cfg SinkConfig) (OutputSink, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	switch {
	case cfg.Output == "":
		return nil, ErrNoOutput
	case strings.HasPrefix(cfg.Output, "rtp://"):
		return NewRTPSink(cfg)
	case strings.HasPrefix(cfg.Output, "rtmp://"):
		return NewRTMPSink(cfg)
	case strings.Contains(cfg.Output, "://"):
		return nil, fmt.Errorf("%w: output scheme of %q", ErrNotSupported, cfg.Output)
	default:
		return NewFileSink(cfg)
	}
}

var errSinkClosed = errors.New("sink closed")

// orderedSink is the default PacketHandler. It serializes writes from the
// video and audio workers and keeps DTS non-decreasing per stream.
type orderedSink struct {
	mu      sync.Mutex
	sink    OutputSink
	lastDTS [2]int64
	seen    [2]bool
	closed  bool

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func newOrderedSink(sink OutputSink) *orderedSink {
	return &orderedSink{sink: sink}
}

func (s *orderedSink) ProcessPacket(p *Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}

	k := 0
	if p.Kind == PacketAudio {
		k = 1
	}
	if s.seen[k] && p.DTS < s.lastDTS[k] {
		p.DTS = s.lastDTS[k]
	}
	if p.PTS < p.DTS {
		p.PTS = p.DTS
	}
	s.lastDTS[k] = p.DTS
	s.seen[k] = true

	if err := s.sink.WritePacket(p); err != nil {
		return err
	}
	s.packets.Add(1)
	s.bytes.Add(uint64(len(p.Data)))
	return nil
}

// Close closes the sink once; later calls return nil.
func (s *orderedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sink.Close()
}
