package produce

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// FLV tag constants
const (
	flvCodecAVC        = 7
	flvFrameKey        = 1
	flvFrameInter      = 2
	flvAVCSeqHeader    = 0
	flvAVCNALU         = 1
	flvSoundG711ALaw   = 7
	flvSoundG711MuLaw  = 8
	rtmpChunkAudio     = 5
	rtmpChunkVideo     = 6
	rtmpDefaultPort    = "1935"
	rtmpPublishingLive = "live"
)

// RTMPSink publishes H.264 video (and G.711 audio) to an RTMP server as FLV
// tags. Delta frames before the first keyframe are dropped.
type RTMPSink struct {
	client *rtmp.ClientConn
	stream *rtmp.Stream
	log    logrus.FieldLogger

	paramSets  func() (sps, pps []byte)
	sentHeader bool
	audioCodec AudioCodec
	warnedOpus bool
}

// NewRTMPSink connects to rtmp://host[:port]/app/stream and starts publishing.
func NewRTMPSink(cfg SinkConfig) (*RTMPSink, error) {
	if cfg.VideoCodec != VideoCodecH264 {
		return nil, fmt.Errorf("%w: RTMP carries H.264 only, not %s", ErrCodecNotSupported, cfg.VideoCodec)
	}
	addr, app, name, err := parseRTMPURL(cfg.Output)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	client, err := rtmp.Dial("rtmp", addr, &rtmp.ConnConfig{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0",
			TCURL:    cfg.Output[:strings.LastIndex(cfg.Output, "/")],
		},
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("rtmp connect: %w", err)
	}
	stream, err := client.CreateStream(nil, 128)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("rtmp create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: name,
		PublishingType: rtmpPublishingLive,
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("rtmp publish: %w", err)
	}

	log.WithFields(logrus.Fields{"addr": addr, "app": app, "stream": name}).Info("rtmp sink publishing")
	return &RTMPSink{
		client:     client,
		stream:     stream,
		log:        log,
		paramSets:  cfg.ParameterSets,
		audioCodec: cfg.AudioCodec,
	}, nil
}

// parseRTMPURL splits rtmp://host[:port]/app/stream.
func parseRTMPURL(raw string) (addr, app, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse rtmp output: %w", err)
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("rtmp output %q must be rtmp://host/app/stream", raw)
	}
	port := u.Port()
	if port == "" {
		port = rtmpDefaultPort
	}
	return net.JoinHostPort(u.Hostname(), port), parts[0], parts[1], nil
}

// WritePacket implements OutputSink.
func (s *RTMPSink) WritePacket(p *Packet) error {
	if p.Kind == PacketAudio {
		return s.writeAudio(p)
	}

	nalus := splitAnnexB(p.Data)
	if !s.sentHeader {
		if !p.IsKeyframe() {
			return nil
		}
		sps, pps := parameterSetsOf(nalus)
		if (sps == nil || pps == nil) && s.paramSets != nil {
			sps, pps = s.paramSets()
		}
		if sps == nil || pps == nil {
			return errors.New("rtmp: keyframe without SPS/PPS")
		}
		if err := s.writeVideo(uint32(p.DTS), avcSequenceHeader(sps, pps)); err != nil {
			return err
		}
		s.sentHeader = true
	}
	tag := avcVideoTag(nalus, p.IsKeyframe(), int32(p.PTS-p.DTS))
	if tag == nil {
		return nil
	}
	return s.writeVideo(uint32(p.DTS), tag)
}

func (s *RTMPSink) writeVideo(ts uint32, tag []byte) error {
	return s.stream.Write(rtmpChunkVideo, ts, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(tag)})
}

func (s *RTMPSink) writeAudio(p *Packet) error {
	var format byte
	switch p.AudioCodec {
	case AudioCodecG711A:
		format = flvSoundG711ALaw
	case AudioCodecG711U:
		format = flvSoundG711MuLaw
	default:
		if !s.warnedOpus {
			s.log.WithField("codec", p.AudioCodec).Warn("rtmp: audio codec has no FLV mapping, dropping audio")
			s.warnedOpus = true
		}
		return nil
	}
	return s.stream.Write(rtmpChunkAudio, uint32(p.DTS), &rtmpmsg.AudioMessage{Payload: bytes.NewReader(g711AudioTag(format, p.Data))})
}

// Close implements OutputSink.
func (s *RTMPSink) Close() error {
	return errors.Join(s.stream.Close(), s.client.Close())
}

// splitAnnexB returns the NAL units of an Annex-B byte stream.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		if start >= 0 {
			end := i
			if end > start && data[end-1] == 0 {
				end--
			}
			nalus = append(nalus, data[start:end])
		}
		start = i + 3
		i += 2
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

func parameterSetsOf(nalus [][]byte) (sps, pps []byte) {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch n[0] & 0x1F {
		case 7:
			sps = n
		case 8:
			pps = n
		}
	}
	return sps, pps
}

// avcSequenceHeader builds the FLV AVC sequence header carrying an
// AVCDecoderConfigurationRecord.
func avcSequenceHeader(sps, pps []byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{flvFrameKey<<4 | flvCodecAVC, flvAVCSeqHeader, 0, 0, 0})
	b.Write([]byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1})
	binary.Write(&b, binary.BigEndian, uint16(len(sps)))
	b.Write(sps)
	b.WriteByte(1)
	binary.Write(&b, binary.BigEndian, uint16(len(pps)))
	b.Write(pps)
	return b.Bytes()
}

// avcVideoTag builds an FLV AVC NALU tag body with length-prefixed NAL
// units. Parameter sets and access unit delimiters are left out.
func avcVideoTag(nalus [][]byte, key bool, cts int32) []byte {
	frameType := byte(flvFrameInter)
	if key {
		frameType = flvFrameKey
	}
	var b bytes.Buffer
	b.Write([]byte{frameType<<4 | flvCodecAVC, flvAVCNALU, byte(cts >> 16), byte(cts >> 8), byte(cts)})
	n := 0
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case 7, 8, 9:
			continue
		}
		binary.Write(&b, binary.BigEndian, uint32(len(nalu)))
		b.Write(nalu)
		n++
	}
	if n == 0 {
		return nil
	}
	return b.Bytes()
}

// g711AudioTag builds an FLV audio tag body for 8 kHz mono G.711.
func g711AudioTag(format byte, data []byte) []byte {
	tag := make([]byte, 0, len(data)+1)
	tag = append(tag, format<<4|0x02)
	return append(tag, data...)
}
