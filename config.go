package produce

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings is the file and flag form of a stream configuration.
type Settings struct {
	Encoder EncoderSettings `mapstructure:"encoder"`
	Video   VideoSettings   `mapstructure:"video"`
	Audio   AudioSettings   `mapstructure:"audio"`
	Output  OutputSettings  `mapstructure:"output"`
	Log     LogSettings     `mapstructure:"log"`
}

// EncoderSettings selects and tunes the video encoder
type EncoderSettings struct {
	// Type is one of "h264main", "h264baseline", "vp8", "vp9", "raw"
	Type string `mapstructure:"type"`
	// Provider forces an implementation ("auto", "libvpx", "openh264", "x264", "vaapi", "builtin")
	Provider string `mapstructure:"provider"`
	// Preference is one of "default", "speed", "quality", "size"
	Preference string `mapstructure:"preference"`
	// Quality is 0-255, or -1 for the encoder default
	Quality int `mapstructure:"quality"`
	// Bitrate in bits per second, 0 derives it from size and rate
	Bitrate int `mapstructure:"bitrate"`
}

// VideoSettings controls pacing, admission and the encoded size
type VideoSettings struct {
	MaxFramerate     string `mapstructure:"max_framerate"`
	MinFramerate     string `mapstructure:"min_framerate"` // "0" disables idle repetition
	MaxPendingFrames int    `mapstructure:"max_pending_frames"`
	Width            int    `mapstructure:"width"`
	Height           int    `mapstructure:"height"`
	ScaleMode        string `mapstructure:"scale_mode"` // fit, fill or stretch
	InlineFilter     bool   `mapstructure:"inline_filter"`
}

// AudioSettings controls the optional audio branch
type AudioSettings struct {
	Enabled    bool   `mapstructure:"enabled"`
	Codec      string `mapstructure:"codec"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	Bitrate    int    `mapstructure:"bitrate"`
}

// OutputSettings names the destination
type OutputSettings struct {
	// Destination is a file path, rtp://host:port or rtmp://host/app/stream
	Destination string `mapstructure:"destination"`
}

// LogSettings controls logging
type LogSettings struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// DefaultSettings returns Settings with sensible default values
func DefaultSettings() *Settings {
	return &Settings{
		Encoder: EncoderSettings{
			Type:       "vp8",
			Provider:   "auto",
			Preference: "default",
			Quality:    -1,
		},
		Video: VideoSettings{
			MaxFramerate:     DefaultMaxFramerate.String(),
			MinFramerate:     DefaultMinFramerate.String(),
			MaxPendingFrames: DefaultMaxPendingFrames,
			ScaleMode:        ScaleModeFit.String(),
		},
		Audio: AudioSettings{
			Enabled:    false,
			Codec:      "opus",
			SampleRate: 48000,
			Channels:   2,
			Bitrate:    64000,
		},
		Output: OutputSettings{
			Destination: "capture.ivf",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	d := DefaultSettings()

	v.SetDefault("encoder.type", d.Encoder.Type)
	v.SetDefault("encoder.provider", d.Encoder.Provider)
	v.SetDefault("encoder.preference", d.Encoder.Preference)
	v.SetDefault("encoder.quality", d.Encoder.Quality)
	v.SetDefault("encoder.bitrate", d.Encoder.Bitrate)

	v.SetDefault("video.max_framerate", d.Video.MaxFramerate)
	v.SetDefault("video.min_framerate", d.Video.MinFramerate)
	v.SetDefault("video.max_pending_frames", d.Video.MaxPendingFrames)
	v.SetDefault("video.width", d.Video.Width)
	v.SetDefault("video.height", d.Video.Height)
	v.SetDefault("video.scale_mode", d.Video.ScaleMode)
	v.SetDefault("video.inline_filter", d.Video.InlineFilter)

	v.SetDefault("audio.enabled", d.Audio.Enabled)
	v.SetDefault("audio.codec", d.Audio.Codec)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.bitrate", d.Audio.Bitrate)

	v.SetDefault("output.destination", d.Output.Destination)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadSettings decodes and validates the settings held by v.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	s := DefaultSettings()
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if errs := s.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return s, nil
}

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The settings key (e.g., "video.max_pending_frames")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the Settings for invalid values and returns all validation errors found
func (s *Settings) Validate() []ValidationError {
	var errors []ValidationError

	if _, err := ParseEncoderType(s.Encoder.Type); err != nil {
		errors = append(errors, ValidationError{"encoder.type", s.Encoder.Type, "unknown encoder type"})
	}
	if _, ok := ParseProvider(s.Encoder.Provider); !ok {
		errors = append(errors, ValidationError{"encoder.provider", s.Encoder.Provider, "unknown provider"})
	}
	if _, err := ParseEncodingPreference(s.Encoder.Preference); err != nil {
		errors = append(errors, ValidationError{"encoder.preference", s.Encoder.Preference, "must be default, speed, quality or size"})
	}
	if s.Encoder.Quality < -1 || s.Encoder.Quality > 255 {
		errors = append(errors, ValidationError{"encoder.quality", s.Encoder.Quality, "must be between 0 and 255, or -1 for the encoder default"})
	}
	if s.Encoder.Bitrate < 0 {
		errors = append(errors, ValidationError{"encoder.bitrate", s.Encoder.Bitrate, "must not be negative"})
	}

	if f, err := ParseFraction(s.Video.MaxFramerate); err != nil || f.IsZero() {
		errors = append(errors, ValidationError{"video.max_framerate", s.Video.MaxFramerate, "must be a positive rate such as 30 or 30000/1001"})
	}
	if _, err := ParseFraction(s.Video.MinFramerate); err != nil {
		errors = append(errors, ValidationError{"video.min_framerate", s.Video.MinFramerate, "must be a rate such as 10, or 0 to disable"})
	}
	if s.Video.MaxPendingFrames <= 0 {
		errors = append(errors, ValidationError{"video.max_pending_frames", s.Video.MaxPendingFrames, "must be positive"})
	}
	if s.Video.Width < 0 || s.Video.Height < 0 || (s.Video.Width == 0) != (s.Video.Height == 0) {
		errors = append(errors, ValidationError{"video.width", fmt.Sprintf("%dx%d", s.Video.Width, s.Video.Height), "set both width and height, or neither"})
	}
	if _, err := ParseScaleMode(s.Video.ScaleMode); err != nil {
		errors = append(errors, ValidationError{"video.scale_mode", s.Video.ScaleMode, "must be fit, fill or stretch"})
	}

	if s.Audio.Enabled {
		if _, err := ParseAudioCodec(s.Audio.Codec); err != nil {
			errors = append(errors, ValidationError{"audio.codec", s.Audio.Codec, "must be opus, pcma or pcmu"})
		}
		if s.Audio.SampleRate <= 0 {
			errors = append(errors, ValidationError{"audio.sample_rate", s.Audio.SampleRate, "must be positive"})
		}
		if s.Audio.Channels < 1 || s.Audio.Channels > 2 {
			errors = append(errors, ValidationError{"audio.channels", s.Audio.Channels, "must be 1 or 2"})
		}
	}

	if s.Output.Destination == "" {
		errors = append(errors, ValidationError{"output.destination", s.Output.Destination, "is required"})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(s.Log.Level)) {
		errors = append(errors, ValidationError{"log.level", s.Log.Level, fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", "))})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(s.Log.Format)) {
		errors = append(errors, ValidationError{"log.format", s.Log.Format, "must be text or json"})
	}

	return errors
}

// Config converts validated settings into a stream Config.
func (s *Settings) Config() (Config, error) {
	cfg := DefaultConfig()

	var err error
	if cfg.EncoderType, err = ParseEncoderType(s.Encoder.Type); err != nil {
		return Config{}, err
	}
	provider, ok := ParseProvider(s.Encoder.Provider)
	if !ok {
		return Config{}, fmt.Errorf("unknown provider %q", s.Encoder.Provider)
	}
	cfg.EncoderProvider = provider
	if cfg.Preference, err = ParseEncodingPreference(s.Encoder.Preference); err != nil {
		return Config{}, err
	}
	if s.Encoder.Quality >= 0 {
		cfg.Quality = QualityLevel(uint8(s.Encoder.Quality))
	}
	cfg.BitrateBps = s.Encoder.Bitrate

	if cfg.MaxFramerate, err = ParseFraction(s.Video.MaxFramerate); err != nil {
		return Config{}, err
	}
	if cfg.MinFramerate, err = ParseFraction(s.Video.MinFramerate); err != nil {
		return Config{}, err
	}
	cfg.MaxPendingFrames = s.Video.MaxPendingFrames
	cfg.Width, cfg.Height = s.Video.Width, s.Video.Height
	if cfg.ScaleMode, err = ParseScaleMode(s.Video.ScaleMode); err != nil {
		return Config{}, err
	}
	cfg.InlineFilter = s.Video.InlineFilter
	cfg.Output = s.Output.Destination

	cfg.Audio.Enabled = s.Audio.Enabled
	if s.Audio.Enabled {
		if cfg.Audio.Codec, err = ParseAudioCodec(s.Audio.Codec); err != nil {
			return Config{}, err
		}
	}
	cfg.Audio.SampleRate = s.Audio.SampleRate
	cfg.Audio.Channels = s.Audio.Channels
	cfg.Audio.BitrateBps = s.Audio.Bitrate
	return cfg, nil
}

// NewLogger builds the logger described by the log section.
func (s *Settings) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(s.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if strings.EqualFold(s.Log.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// ApplySettings pushes the live-adjustable parts of s into a running
// producer: pacing, the admission bound, quality and preference. Encoder
// type, size, output and audio need a new stream.
func (p *Producer) ApplySettings(s *Settings) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}
	p.SetMaxFramerate(cfg.MaxFramerate)
	p.SetMinFramerate(cfg.MinFramerate)
	if err := p.SetMaxPendingFrames(cfg.MaxPendingFrames); err != nil {
		return err
	}

	p.stateMu.Lock()
	quality, pref := p.cfg.Quality, p.cfg.Preference
	p.stateMu.Unlock()

	if !sameQuality(quality, cfg.Quality) {
		if cfg.Quality == nil {
			err = p.ClearQuality()
		} else {
			err = p.SetQuality(*cfg.Quality)
		}
		if err != nil {
			return err
		}
	}
	if pref != cfg.Preference {
		return p.SetEncodingPreference(cfg.Preference)
	}
	return nil
}

func sameQuality(a, b *uint8) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// WatchSettings reloads the config file behind v whenever it changes and
// applies it to p. Invalid files are logged and ignored.
func WatchSettings(v *viper.Viper, p *Producer) {
	v.OnConfigChange(func(e fsnotify.Event) {
		log := p.log.WithFields(logrus.Fields{"file": e.Name, "op": e.Op.String()})
		s, err := LoadSettings(v)
		if err != nil {
			log.WithError(err).Warn("ignoring invalid settings")
			return
		}
		if err := p.ApplySettings(s); err != nil {
			log.WithError(err).Warn("applying settings")
			return
		}
		log.Info("settings reloaded")
	})
	v.WatchConfig()
}
