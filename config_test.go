package produce

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yamlViper(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return v
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings(yamlViper(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)

	cfg, err := s.Config()
	require.NoError(t, err)
	assert.Equal(t, EncoderTypeVP8, cfg.EncoderType)
	assert.Equal(t, ProviderAuto, cfg.EncoderProvider)
	assert.Nil(t, cfg.Quality)
	assert.Equal(t, DefaultMaxFramerate, cfg.MaxFramerate)
	assert.Equal(t, DefaultMinFramerate, cfg.MinFramerate)
	assert.Equal(t, DefaultMaxPendingFrames, cfg.MaxPendingFrames)
	assert.False(t, cfg.Audio.Enabled)
	assert.Equal(t, "capture.ivf", cfg.Output)
}

func TestLoadSettingsFromYAML(t *testing.T) {
	v := yamlViper(t, `
encoder:
  type: h264-baseline
  provider: openh264
  preference: quality
  quality: 180
video:
  max_framerate: 30000/1001
  min_framerate: "0"
  max_pending_frames: 8
  width: 1280
  height: 720
  scale_mode: stretch
  inline_filter: true
audio:
  enabled: true
  codec: pcmu
  sample_rate: 8000
  channels: 1
output:
  destination: rtp://127.0.0.1:5004
log:
  level: debug
  format: json
`)
	s, err := LoadSettings(v)
	require.NoError(t, err)

	cfg, err := s.Config()
	require.NoError(t, err)
	assert.Equal(t, EncoderTypeH264Baseline, cfg.EncoderType)
	assert.Equal(t, ProviderOpenH264, cfg.EncoderProvider)
	assert.Equal(t, PreferenceQuality, cfg.Preference)
	require.NotNil(t, cfg.Quality)
	assert.Equal(t, uint8(180), *cfg.Quality)
	assert.Equal(t, Fraction{30000, 1001}, cfg.MaxFramerate)
	assert.True(t, cfg.MinFramerate.IsZero())
	assert.Equal(t, 8, cfg.MaxPendingFrames)
	assert.Equal(t, 1280, cfg.Width)
	assert.Equal(t, 720, cfg.Height)
	assert.Equal(t, ScaleModeStretch, cfg.ScaleMode)
	assert.True(t, cfg.InlineFilter)
	assert.Equal(t, "rtp://127.0.0.1:5004", cfg.Output)
	assert.True(t, cfg.Audio.Enabled)
	assert.Equal(t, AudioCodecG711U, cfg.Audio.Codec)
	assert.Equal(t, 8000, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)

	log := s.NewLogger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestLoadSettingsInvalid(t *testing.T) {
	v := yamlViper(t, `
encoder:
  type: av1
  quality: 300
video:
  max_framerate: "0"
  max_pending_frames: 0
  width: 640
  scale_mode: zoom
audio:
  enabled: true
  codec: aac
  channels: 6
output:
  destination: ""
log:
  level: trace
`)
	_, err := LoadSettings(v)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"encoder.type",
		"encoder.quality",
		"video.max_framerate",
		"video.max_pending_frames",
		"video.width",
		"video.scale_mode",
		"audio.codec",
		"audio.channels",
		"output.destination",
		"log.level",
	}, fields)
	assert.True(t, strings.HasPrefix(err.Error(), "10 validation errors:\n"))
	assert.Contains(t, err.Error(), "encoder.type: unknown encoder type (got: av1)")
}

func TestValidationErrorsFormatting(t *testing.T) {
	assert.Empty(t, ValidationErrors(nil).Error())

	one := ValidationErrors{{Field: "video.max_pending_frames", Value: -1, Message: "must be positive"}}
	assert.Equal(t, "video.max_pending_frames: must be positive (got: -1)", one.Error())
}

func TestValidateIgnoresDisabledAudio(t *testing.T) {
	s := DefaultSettings()
	s.Audio.Codec = "aac"
	s.Audio.Channels = 0
	assert.Empty(t, s.Validate())

	cfg, err := s.Config()
	require.NoError(t, err)
	assert.Equal(t, AudioCodecOpus, cfg.Audio.Codec, "codec is only parsed for an enabled branch")
}

func TestNewLoggerFallsBackOnBadLevel(t *testing.T) {
	s := DefaultSettings()
	s.Log.Level = "loud"
	log := s.NewLogger()
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}

func TestSameQuality(t *testing.T) {
	assert.True(t, sameQuality(nil, nil))
	assert.False(t, sameQuality(nil, QualityLevel(1)))
	assert.False(t, sameQuality(QualityLevel(1), nil))
	assert.True(t, sameQuality(QualityLevel(7), QualityLevel(7)))
	assert.False(t, sameQuality(QualityLevel(7), QualityLevel(8)))
}

func TestProducerApplySettings(t *testing.T) {
	src := newFakeSource(64, 48)
	var renegotiations atomic.Int32
	p, _ := newTestProducer(t, testConfig(4), src, newFakeEncoder(false),
		WithOnRenegotiationNeeded(func() { renegotiations.Add(1) }))
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Destroy()

	s := DefaultSettings()
	s.Encoder.Type = "raw"
	s.Video.MinFramerate = "0"
	s.Video.MaxPendingFrames = 9

	// Quality and preference match the running stream.
	require.NoError(t, p.ApplySettings(s))
	assert.Equal(t, 9, p.pending.Max())
	assert.Zero(t, renegotiations.Load())

	s.Encoder.Quality = 100
	require.NoError(t, p.ApplySettings(s))
	assert.Equal(t, int32(1), renegotiations.Load())

	require.NoError(t, p.ApplySettings(s))
	assert.Equal(t, int32(1), renegotiations.Load(), "unchanged quality")

	s.Encoder.Preference = "size"
	require.NoError(t, p.ApplySettings(s))
	assert.Equal(t, int32(2), renegotiations.Load())

	s.Encoder.Quality = -1
	require.NoError(t, p.ApplySettings(s))
	assert.Equal(t, int32(3), renegotiations.Load())

	s.Video.MaxPendingFrames = 0
	assert.Error(t, p.ApplySettings(s))
	s.Video.MaxPendingFrames = 9
	s.Encoder.Type = "mpeg2"
	assert.Error(t, p.ApplySettings(s))
}

func TestWatchSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "produce.yaml")
	// Replace the file atomically so the watcher never reads it half written.
	write := func(doc string) {
		tmp := path + ".tmp"
		require.NoError(t, os.WriteFile(tmp, []byte(doc), 0o644))
		require.NoError(t, os.Rename(tmp, path))
	}
	write("encoder:\n  type: raw\nvideo:\n  min_framerate: \"0\"\n  max_pending_frames: 4\n")

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	log, hook := logtest.NewNullLogger()
	var renegotiations atomic.Int32
	p, _ := newTestProducer(t, testConfig(4), newFakeSource(64, 48), newFakeEncoder(false),
		WithLogger(log),
		WithOnRenegotiationNeeded(func() { renegotiations.Add(1) }))
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Destroy()

	WatchSettings(v, p)

	write("encoder:\n  type: raw\n  quality: 42\nvideo:\n  min_framerate: \"0\"\n  max_pending_frames: 12\n")
	require.Eventually(t, func() bool {
		return renegotiations.Load() >= 1 && p.pending.Max() == 12
	}, 5*time.Second, 20*time.Millisecond)

	write("video:\n  max_pending_frames: -3\n")
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "ignoring invalid settings" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 12, p.pending.Max())
}
