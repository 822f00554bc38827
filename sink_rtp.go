package produce

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
)

// RTPSink sends packets as plain RTP over UDP. Video goes to the port in
// the URL and audio to port+2, the usual even-port RTP convention.
type RTPSink struct {
	videoConn net.Conn
	videoRTP  *rtpStream
	audioConn net.Conn
	audioRTP  *rtpStream
	log       logrus.FieldLogger
}

// NewRTPSink dials rtp://host:port from cfg.Output.
func NewRTPSink(cfg SinkConfig) (*RTPSink, error) {
	u, err := url.Parse(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("parse rtp output: %w", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("rtp output %q needs a port", cfg.Output)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &RTPSink{log: log}
	if s.videoRTP, err = newVideoRTPStream(cfg.VideoCodec, DefaultMTU); err != nil {
		return nil, err
	}
	if s.videoConn, err = net.Dial("udp", net.JoinHostPort(u.Hostname(), strconv.Itoa(port))); err != nil {
		return nil, err
	}
	if cfg.AudioCodec != AudioCodecUnknown {
		if s.audioRTP, err = newAudioRTPStream(cfg.AudioCodec, DefaultMTU); err != nil {
			s.Close()
			return nil, err
		}
		if s.audioConn, err = net.Dial("udp", net.JoinHostPort(u.Hostname(), strconv.Itoa(port+2))); err != nil {
			s.Close()
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"remote":     s.videoConn.RemoteAddr().String(),
		"video_ssrc": s.videoRTP.ssrc,
		"video_pt":   s.videoRTP.pt,
	}).Info("rtp sink opened")
	return s, nil
}

// WritePacket implements OutputSink.
func (s *RTPSink) WritePacket(p *Packet) error {
	conn, rs := s.videoConn, s.videoRTP
	if p.Kind == PacketAudio {
		conn, rs = s.audioConn, s.audioRTP
	}
	if conn == nil {
		return nil
	}
	for _, pkt := range rs.packetize(p) {
		buf, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if _, err := conn.Write(buf); err != nil {
			// Nobody listening yet; RTP receivers may join late.
			if errors.Is(err, syscall.ECONNREFUSED) {
				s.log.WithError(err).Debug("rtp receiver unreachable")
				continue
			}
			return err
		}
	}
	return nil
}

// Close implements OutputSink.
func (s *RTPSink) Close() error {
	var errs []error
	for _, c := range []net.Conn{s.videoConn, s.audioConn} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
