package produce

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var errNoAudioSource = errors.New("audio enabled without an audio source")

// setupAudio creates the audio encoder. A failure disables audio and is
// not fatal; the returned codec is AudioCodecUnknown then.
func (p *Producer) setupAudio() AudioCodec {
	if !p.cfg.Audio.Enabled {
		return AudioCodecUnknown
	}
	src := p.opts.audio
	if src == nil {
		p.audioFailed("setupAudio", errNoAudioSource)
		return AudioCodecUnknown
	}

	cfg := DefaultAudioEncoderConfig(p.cfg.Audio.Codec)
	cfg.SampleRate = src.SampleRate()
	cfg.Channels = src.Channels()
	if p.cfg.Audio.BitrateBps > 0 {
		cfg.BitrateBps = p.cfg.Audio.BitrateBps
	}
	enc, err := p.opts.registry.NewAudioEncoder(cfg)
	if err != nil {
		p.audioFailed("setupAudio", err)
		return AudioCodecUnknown
	}
	p.audioEnc = enc
	p.log.WithFields(logrus.Fields{
		"codec":       enc.Codec(),
		"provider":    enc.Provider(),
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.Channels,
	}).Info("audio encoder ready")
	return enc.Codec()
}

func (p *Producer) startAudioSource() {
	if p.audioEnc == nil || p.audioOff.Load() {
		return
	}
	if err := p.opts.audio.Start(p.ctx, p.pushAudio); err != nil {
		p.audioFailed("audio.Start", err)
		return
	}
	p.audioStarted = true
}

// pushAudio is the AudioSource callback. Samples are copied and queued; a
// full queue drops them.
func (p *Producer) pushAudio(s *AudioSamples) {
	if p.audioOff.Load() || p.deactivated.Load() {
		return
	}
	select {
	case p.audioCh <- s.Clone():
	default:
		p.stats.audioDropped.Add(1)
	}
}

func (p *Producer) audioLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case s := <-p.audioCh:
			p.encodeAudio(s)
		}
	}
}

func (p *Producer) encodeAudio(s *AudioSamples) {
	if p.audioOff.Load() {
		return
	}
	p.arrivalMu.Lock()
	arrival := time.Since(p.start)
	p.arrivalMu.Unlock()
	s.Timestamp = int64(p.audioClock.rebase(time.Duration(s.Timestamp), arrival))

	pkts, err := p.audioEnc.Encode(s)
	if err != nil {
		p.audioFailed("audioEncode", err)
		return
	}
	if err := p.emit(pkts); err != nil {
		return
	}
	p.stats.audioPackets.Add(uint64(len(pkts)))
}

// audioFailed disables the audio branch for the rest of the stream. Video
// is unaffected.
func (p *Producer) audioFailed(op string, err error) {
	p.audioOff.Store(true)
	p.stats.audioErrors.Add(1)
	p.report(newStreamError(KindAudioFailure, op, err))
}
