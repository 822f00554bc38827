package produce

import (
	"fmt"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// Re-export pion/rtp types for convenience
type (
	// RTPPacket is an alias to pion's rtp.Packet
	RTPPacket = rtp.Packet

	// RTPHeader is an alias to pion's rtp.Header
	RTPHeader = rtp.Header
)

// DefaultMTU is the RTP payload budget used by the packetizing sinks.
const DefaultMTU = 1200

// RTPWriter is an interface for writing RTP packets.
// pion's ivfwriter, h264writer and oggwriter all satisfy it.
type RTPWriter interface {
	WriteRTP(packet *RTPPacket) error
	Close() error
}

// rtpStream packetizes one elementary stream. RTP timestamps are derived
// from packet PTS so gaps from dropped frames stay visible to receivers.
type rtpStream struct {
	packetizer rtp.Packetizer
	clockRate  uint32
	base       uint32
	ssrc       uint32
	pt         uint8
}

func newRTPStream(payloader rtp.Payloader, pt uint8, clockRate uint32, mtu int) *rtpStream {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	ssrc := rand.Uint32()
	return &rtpStream{
		packetizer: rtp.NewPacketizer(uint16(mtu), pt, ssrc, payloader, rtp.NewRandomSequencer(), clockRate),
		clockRate:  clockRate,
		base:       rand.Uint32(),
		ssrc:       ssrc,
		pt:         pt,
	}
}

// newVideoRTPStream returns a packetizer for a video codec.
func newVideoRTPStream(codec VideoCodec, mtu int) (*rtpStream, error) {
	var payloader rtp.Payloader
	switch codec {
	case VideoCodecH264:
		payloader = &codecs.H264Payloader{}
	case VideoCodecVP8:
		payloader = &codecs.VP8Payloader{EnablePictureID: true}
	case VideoCodecVP9:
		payloader = &codecs.VP9Payloader{}
	default:
		return nil, fmt.Errorf("%w: RTP payload for %s", ErrCodecNotSupported, codec)
	}
	return newRTPStream(payloader, codec.DefaultPayloadType(), codec.ClockRate(), mtu), nil
}

// newAudioRTPStream returns a packetizer for an audio codec.
func newAudioRTPStream(codec AudioCodec, mtu int) (*rtpStream, error) {
	var payloader rtp.Payloader
	switch codec {
	case AudioCodecOpus:
		payloader = &codecs.OpusPayloader{}
	case AudioCodecG711A, AudioCodecG711U:
		payloader = &codecs.G711Payloader{}
	default:
		return nil, fmt.Errorf("%w: RTP payload for %s", ErrCodecNotSupported, codec)
	}
	return newRTPStream(payloader, codec.DefaultPayloadType(), codec.ClockRate(), mtu), nil
}

// packetize splits p into RTP packets stamped from its PTS.
func (s *rtpStream) packetize(p *Packet) []*rtp.Packet {
	ts := s.base + uint32(p.PTS*int64(s.clockRate)/1000)
	pkts := s.packetizer.Packetize(p.Data, 0)
	for _, pkt := range pkts {
		pkt.Timestamp = ts
	}
	return pkts
}
