package produce

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/sirupsen/logrus"
)

// FileSink writes the video stream to a container file and the audio stream
// to a sibling file with the same base name.
//
//	VP8, VP9  IVF   (pion ivfwriter)
//	H.264     Annex-B elementary stream (pion h264writer)
//	Raw       concatenated I420 pictures
//	Opus      Ogg   (pion oggwriter), <base>.ogg
//	G.711     raw companded samples, <base>.alaw / <base>.ulaw
type FileSink struct {
	videoPath string
	audioPath string

	video    RTPWriter
	videoRTP *rtpStream
	videoRaw *os.File
	audio    RTPWriter
	audioRTP *rtpStream
	audioRaw *os.File
	log      logrus.FieldLogger
}

// NewFileSink creates the output files for cfg.
func NewFileSink(cfg SinkConfig) (*FileSink, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &FileSink{videoPath: cfg.Output, log: log}

	if err := s.openVideo(cfg); err != nil {
		return nil, err
	}
	if cfg.AudioCodec != AudioCodecUnknown {
		if err := s.openAudio(cfg); err != nil {
			s.Close()
			return nil, err
		}
	}
	log.WithFields(logrus.Fields{
		"video": s.videoPath,
		"audio": s.audioPath,
	}).Info("file sink opened")
	return s, nil
}

func (s *FileSink) openVideo(cfg SinkConfig) error {
	var (
		w   RTPWriter
		err error
	)
	switch cfg.VideoCodec {
	case VideoCodecVP8, VideoCodecVP9:
		var ivf *ivfwriter.IVFWriter
		if ivf, err = ivfwriter.New(cfg.Output, ivfwriter.WithCodec(cfg.VideoCodec.MimeType())); err == nil {
			w = ivf
		}
	case VideoCodecH264:
		var h264 *h264writer.H264Writer
		if h264, err = h264writer.New(cfg.Output); err == nil {
			w = h264
		}
	case VideoCodecRaw:
		s.videoRaw, err = os.Create(cfg.Output)
		return err
	default:
		return fmt.Errorf("%w: file output for %s", ErrCodecNotSupported, cfg.VideoCodec)
	}
	if err != nil {
		return err
	}
	if s.videoRTP, err = newVideoRTPStream(cfg.VideoCodec, DefaultMTU); err != nil {
		w.Close()
		return err
	}
	s.video = w
	return nil
}

func (s *FileSink) openAudio(cfg SinkConfig) error {
	base := strings.TrimSuffix(cfg.Output, filepath.Ext(cfg.Output))
	switch cfg.AudioCodec {
	case AudioCodecOpus:
		s.audioPath = base + ".ogg"
		rs, err := newAudioRTPStream(cfg.AudioCodec, DefaultMTU)
		if err != nil {
			return err
		}
		ogg, err := oggwriter.New(s.audioPath, uint32(cfg.SampleRate), uint16(cfg.Channels))
		if err != nil {
			return err
		}
		s.audio, s.audioRTP = ogg, rs
		return nil
	case AudioCodecG711A:
		s.audioPath = base + ".alaw"
	case AudioCodecG711U:
		s.audioPath = base + ".ulaw"
	default:
		return fmt.Errorf("%w: file output for %s", ErrCodecNotSupported, cfg.AudioCodec)
	}
	f, err := os.Create(s.audioPath)
	if err != nil {
		return err
	}
	s.audioRaw = f
	return nil
}

// WritePacket implements OutputSink.
func (s *FileSink) WritePacket(p *Packet) error {
	if p.Kind == PacketAudio {
		return s.write(s.audio, s.audioRTP, s.audioRaw, p)
	}
	return s.write(s.video, s.videoRTP, s.videoRaw, p)
}

func (s *FileSink) write(w RTPWriter, rs *rtpStream, raw *os.File, p *Packet) error {
	switch {
	case raw != nil:
		_, err := raw.Write(p.Data)
		return err
	case w != nil:
		for _, pkt := range rs.packetize(p) {
			if err := w.WriteRTP(pkt); err != nil {
				return err
			}
		}
		return nil
	default:
		// Stream not configured for this sink.
		return nil
	}
}

// Close implements OutputSink.
func (s *FileSink) Close() error {
	var errs []error
	for _, w := range []RTPWriter{s.video, s.audio} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	for _, f := range []*os.File{s.videoRaw, s.audioRaw} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}
