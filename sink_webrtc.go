package produce

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// WebRTCSink feeds encoded packets into local WebRTC tracks. The caller adds
// Tracks to its PeerConnections; writes before any binding are discarded by
// pion.
type WebRTCSink struct {
	video    *webrtc.TrackLocalStaticRTP
	videoRTP *rtpStream
	audio    *webrtc.TrackLocalStaticRTP
	audioRTP *rtpStream
}

// NewWebRTCSink creates a video track and, unless audio is
// AudioCodecUnknown, an audio track in the same media stream.
func NewWebRTCSink(streamID string, video VideoCodec, audio AudioCodec) (*WebRTCSink, error) {
	if video.MimeType() == "" {
		return nil, fmt.Errorf("%w: WebRTC track for %s", ErrCodecNotSupported, video)
	}
	s := &WebRTCSink{}
	var err error
	if s.videoRTP, err = newVideoRTPStream(video, DefaultMTU); err != nil {
		return nil, err
	}
	s.video, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  video.MimeType(),
		ClockRate: video.ClockRate(),
	}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("NewTrackLocalStaticRTP: %w", err)
	}

	if audio == AudioCodecUnknown {
		return s, nil
	}
	if s.audioRTP, err = newAudioRTPStream(audio, DefaultMTU); err != nil {
		return nil, err
	}
	capability := webrtc.RTPCodecCapability{MimeType: audio.MimeType(), ClockRate: audio.ClockRate()}
	if audio == AudioCodecOpus {
		capability.Channels = 2
	}
	if s.audio, err = webrtc.NewTrackLocalStaticRTP(capability, "audio", streamID); err != nil {
		return nil, fmt.Errorf("NewTrackLocalStaticRTP: %w", err)
	}
	return s, nil
}

// Tracks returns the tracks to add to a PeerConnection.
func (s *WebRTCSink) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.video}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

// WritePacket implements OutputSink.
func (s *WebRTCSink) WritePacket(p *Packet) error {
	track, rs := s.video, s.videoRTP
	if p.Kind == PacketAudio {
		track, rs = s.audio, s.audioRTP
	}
	if track == nil {
		return nil
	}
	for _, pkt := range rs.packetize(p) {
		if err := track.WriteRTP(pkt); err != nil {
			return err
		}
	}
	return nil
}

// Close implements OutputSink. Tracks are owned by their PeerConnections.
func (s *WebRTCSink) Close() error { return nil }
