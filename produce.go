package produce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Config configures one produced stream.
type Config struct {
	EncoderType     EncoderType
	EncoderProvider Provider // ProviderAuto lets the registry choose
	Preference      EncodingPreference
	Quality         *uint8 // 0-255, nil = encoder default
	BitrateBps      int    // 0 = derived from size, rate and quality

	// Width and Height give the encoded size. Zero keeps the source size.
	Width     int
	Height    int
	ScaleMode ScaleMode // How a source of another aspect ratio is fitted

	MaxFramerate     Fraction // Frames closer than 1/MaxFramerate are dropped
	MinFramerate     Fraction // Idle repeat rate; zero disables repetition
	MaxPendingFrames int      // Bound of each admission stage

	// InlineFilter runs the filter graph on the frame-arrival goroutine
	// instead of the passthrough worker.
	InlineFilter bool

	// Output is passed to OpenSink when NewProducer gets no sink and no
	// packet handler is installed.
	Output string

	Audio AudioConfig
}

// AudioConfig configures the optional audio branch.
type AudioConfig struct {
	Enabled    bool
	Codec      AudioCodec
	SampleRate int
	Channels   int
	BitrateBps int
}

// DefaultConfig returns a VP8 stream with default pacing and bounds.
func DefaultConfig() Config {
	return Config{
		EncoderType:      EncoderTypeVP8,
		MaxFramerate:     DefaultMaxFramerate,
		MinFramerate:     DefaultMinFramerate,
		MaxPendingFrames: DefaultMaxPendingFrames,
		Audio: AudioConfig{
			Codec:      AudioCodecOpus,
			SampleRate: 48000,
			Channels:   2,
			BitrateBps: 64000,
		},
	}
}

// FrameHooks customizes how pictures reach the encoder.
type FrameHooks interface {
	// AboutToEncode runs on the output worker right before Encode and may
	// adjust the input, for example to force a keyframe.
	AboutToEncode(in *EncodeInput)

	// FramePTS converts a frame timestamp to the encoder's millisecond domain.
	FramePTS(pts time.Duration) int64
}

type defaultHooks struct{}

func (defaultHooks) AboutToEncode(*EncodeInput) {}

func (defaultHooks) FramePTS(pts time.Duration) int64 { return pts.Milliseconds() }

// Option configures a Producer.
type Option func(*options)

type options struct {
	log           logrus.FieldLogger
	registry      *EncoderRegistry
	hwFilter      FilterFactory
	swFilter      FilterFactory
	hooks         FrameHooks
	handler       PacketHandler
	audio         AudioSource
	onError       func(error)
	onProduced    func()
	onRenegotiate func()
}

// WithLogger sets the logger. The default is a private logrus.Logger at
// info level.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithEncoderRegistry replaces DefaultEncoderRegistry for encoder selection.
func WithEncoderRegistry(r *EncoderRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithFilterFactories replaces the hardware and software filter constructors.
// A nil hardware factory disables the hardware path.
func WithFilterFactories(hw, sw FilterFactory) Option {
	return func(o *options) {
		o.hwFilter = hw
		o.swFilter = sw
	}
}

// WithFrameHooks installs encode-time hooks.
func WithFrameHooks(h FrameHooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithPacketHandler sends packets to h instead of an OutputSink.
func WithPacketHandler(h PacketHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithAudioSource attaches the audio capture used when Config.Audio.Enabled.
func WithAudioSource(src AudioSource) Option {
	return func(o *options) { o.audio = src }
}

// WithOnError registers a callback for every reported error, fatal or not.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithOnProducedFrames registers a callback fired after each encoded video
// frame reached the packet handler.
func WithOnProducedFrames(fn func()) Option {
	return func(o *options) { o.onProduced = fn }
}

// WithOnRenegotiationNeeded registers a callback fired when a setting
// changed that the running encoder cannot apply.
func WithOnRenegotiationNeeded(fn func()) Option {
	return func(o *options) { o.onRenegotiate = fn }
}

// ProducerStats is a snapshot of stream counters.
type ProducerStats struct {
	FramesReceived      uint64
	FramesInactive      uint64 // Dropped while not streaming
	FramesRateDropped   uint64
	FramesFilterDropped uint64
	FramesEncodeDropped uint64
	FramesRepeated      uint64
	FramesEncoded       uint64
	FramesProduced      uint64
	EncodeErrors        uint64
	PTSBumps            uint64
	PacketsWritten      uint64
	BytesWritten        uint64
	AudioPackets        uint64
	AudioDropped        uint64
	AudioErrors         uint64
	PendingFilter       int64
	PendingEncode       int64
}

type producerCounters struct {
	received, inactive, rateDropped, filterDropped, encodeDropped atomic.Uint64
	repeated, encoded, produced, encodeErrors, ptsBumps           atomic.Uint64
	audioPackets, audioDropped, audioErrors                       atomic.Uint64
}

// Producer drives one capture-to-encode stream: it admits frames from a
// FrameSource, filters and encodes them on its workers and hands packets to
// an OutputSink or PacketHandler. It owns everything it is given.
type Producer struct {
	cfg    Config
	opts   options
	source FrameSource
	sink   OutputSink

	id  string
	log logrus.FieldLogger

	stateMu       sync.Mutex
	state         atomic.Int32
	ready         bool
	pendingSource *SourceState

	pending *pendingCounters
	repeat  *repeatTimer

	// Guarded by arrivalMu.
	arrivalMu  sync.Mutex
	gate       rateGate
	cursor     cursorState
	last       *lastFrame
	start      time.Time
	videoClock streamClock

	deactivated atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc

	passCh  chan *filterJob
	outCh   chan *encodeJob
	audioCh chan *AudioSamples

	wg          conc.WaitGroup
	workersDone chan struct{}

	encoder VideoEncoder
	filter  FilterGraph
	handler PacketHandler
	ordered *orderedSink
	clamp   ptsClamp // output worker only

	audioEnc     AudioEncoder
	audioOff     atomic.Bool
	audioStarted bool
	audioClock   streamClock // audio worker only

	sourceStarted bool
	outputFailed  atomic.Bool

	errMu sync.Mutex
	err   error

	cleanupOnce sync.Once
	closeOnce   sync.Once
	closeErr    error
	destroyOnce sync.Once
	destroyErr  error

	stats producerCounters
}

// NewProducer creates a stream in StreamStateCreated. sink may be nil when a
// packet handler is installed or cfg.Output names a destination.
func NewProducer(cfg Config, source FrameSource, sink OutputSink, opts ...Option) (*Producer, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	o := options{
		registry: defaultRegistry,
		hwFilter: defaultHardwareFilter,
		swFilter: NewSoftwareFilter,
		hooks:    defaultHooks{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		o.log = l
	}
	if cfg.MaxPendingFrames <= 0 {
		cfg.MaxPendingFrames = DefaultMaxPendingFrames
	}

	id := uuid.NewString()
	p := &Producer{
		cfg:     cfg,
		opts:    o,
		source:  source,
		sink:    sink,
		id:      id,
		log:     o.log.WithField("stream_id", id),
		pending: newPendingCounters(cfg.MaxPendingFrames),
	}
	p.gate.setMax(cfg.MaxFramerate)
	p.repeat = newRepeatTimer(p.repeatLast)
	p.repeat.setMin(cfg.MinFramerate)
	p.state.Store(int32(StreamStateCreated))
	return p, nil
}

// ID returns the stream id used in log fields.
func (p *Producer) ID() string { return p.id }

// State returns the current stream state.
func (p *Producer) State() StreamState { return StreamState(p.state.Load()) }

// Error returns the latest fatal error message, or "" while healthy.
func (p *Producer) Error() string {
	if err := p.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Err returns the latest fatal error as a *StreamError, or nil.
func (p *Producer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Encoder returns the selected video encoder, nil before Initialize.
func (p *Producer) Encoder() VideoEncoder { return p.encoder }

// FilterName returns the name of the selected filter graph.
func (p *Producer) FilterName() string {
	if p.filter == nil {
		return ""
	}
	return p.filter.Name()
}

func (p *Producer) transition(next StreamState) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.transitionLocked(next)
}

func (p *Producer) transitionLocked(next StreamState) bool {
	cur := StreamState(p.state.Load())
	if !cur.canTransition(next) {
		p.log.WithFields(logrus.Fields{"from": cur, "to": next}).Debug("ignoring state transition")
		return false
	}
	p.state.Store(int32(next))
	p.log.WithFields(logrus.Fields{"from": cur, "state": next}).Info("stream state changed")
	return true
}

// Initialize negotiates with the source, selects the encoder and filter
// graph, starts the workers and finally starts the source. The stream is
// Streaming before the source starts, so frames need no separate
// notification; a source state reported earlier is applied on top. Any
// failure leaves the stream in StreamStateError with no workers running.
func (p *Producer) Initialize(ctx context.Context) error {
	if !p.transition(StreamStateNegotiating) {
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, p.State())
	}

	format, err := p.source.Negotiate(ctx)
	if err != nil {
		return p.setupFailed("negotiate", err)
	}
	p.log.WithFields(logrus.Fields{
		"width":  format.Width,
		"height": format.Height,
		"format": format.Format,
		"memory": format.Memory,
	}).Debug("source format negotiated")

	if p.encoder, err = makeEncoder(p.opts.registry, p.cfg, format); err != nil {
		return p.setupFailed("makeEncoder", err)
	}
	if p.filter, err = setupFormat(format, p.encoder.Config(), p.opts.hwFilter, p.opts.swFilter, p.log); err != nil {
		return p.setupFailed("setupFormat", err)
	}

	audioCodec := p.setupAudio()
	if err := p.setupOutput(audioCodec); err != nil {
		return p.setupFailed("openSink", err)
	}

	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.arrivalMu.Lock()
	p.start = time.Now()
	p.arrivalMu.Unlock()

	n := p.pending.Max()
	p.passCh = make(chan *filterJob, n)
	p.outCh = make(chan *encodeJob, n)
	p.workersDone = make(chan struct{})
	if !p.cfg.InlineFilter {
		p.wg.Go(p.passthroughLoop)
	}
	p.wg.Go(p.outputLoop)
	if p.audioEnc != nil {
		p.audioCh = make(chan *AudioSamples, n)
		p.wg.Go(p.audioLoop)
	}
	go p.joinWorkers()
	p.repeat.arm()

	p.log.WithFields(logrus.Fields{
		"encoder":  p.encoder.Codec(),
		"provider": p.encoder.Provider(),
		"filter":   p.filter.Name(),
		"size":     fmt.Sprintf("%dx%d", p.encoder.Config().Width, p.encoder.Config().Height),
	}).Info("stream initialized")

	p.stateMu.Lock()
	p.ready = true
	remembered := p.pendingSource
	p.pendingSource = nil
	p.transitionLocked(StreamStateStreaming)
	p.stateMu.Unlock()

	if err := p.source.Start(p.ctx, p); err != nil {
		p.fail(newStreamError(KindSetupFailure, "source.Start", err))
		return p.Err()
	}
	p.sourceStarted = true
	if remembered != nil {
		p.applySourceState(*remembered)
	}
	p.startAudioSource()
	return nil
}

// setupFailed records a setup error before any worker started and releases
// what was acquired so far.
func (p *Producer) setupFailed(op string, err error) error {
	serr := newStreamError(KindSetupFailure, op, err)
	p.setErr(serr)
	p.log.WithError(err).WithField("op", op).Error("stream setup failed")
	p.transition(StreamStateError)
	p.notifyError(serr)
	p.closeResources()
	return serr
}

func (p *Producer) setupOutput(audio AudioCodec) error {
	if p.opts.handler != nil {
		p.handler = p.opts.handler
		return nil
	}
	sink := p.sink
	if sink == nil {
		encCfg := p.encoder.Config()
		sc := SinkConfig{
			Output:     p.cfg.Output,
			VideoCodec: encCfg.Codec,
			Width:      encCfg.Width,
			Height:     encCfg.Height,
			Framerate:  p.cfg.MaxFramerate,
			AudioCodec: audio,
			Logger:     p.log,
		}
		if p.audioEnc != nil {
			sc.SampleRate = p.audioEnc.Config().SampleRate
			sc.Channels = p.audioEnc.Config().Channels
		}
		if ps, ok := p.encoder.(ParameterSetProvider); ok {
			sc.ParameterSets = ps.ParameterSets
		}
		var err error
		if sink, err = OpenSink(sc); err != nil {
			return err
		}
		p.sink = sink
	}
	p.ordered = newOrderedSink(sink)
	p.handler = p.ordered
	return nil
}

// StateChanged implements FrameHandler. Notifications that arrive before
// Initialize finished are remembered and applied afterwards.
func (p *Producer) StateChanged(s SourceState) {
	p.stateMu.Lock()
	if !p.ready {
		p.pendingSource = &s
		p.stateMu.Unlock()
		p.log.WithField("source_state", s).Debug("source state deferred until setup completes")
		return
	}
	p.stateMu.Unlock()
	p.applySourceState(s)
}

func (p *Producer) applySourceState(s SourceState) {
	switch s {
	case SourceStateStreaming:
		if p.deactivated.Load() || p.State() == StreamStateStreaming {
			return
		}
		p.transition(StreamStateStreaming)
	case SourceStatePaused:
		if p.transition(StreamStatePaused) {
			p.pause()
		}
	case SourceStateError:
		p.fail(newStreamError(KindSourceError, "source", errors.New("source reported an error")))
	case SourceStateUnconnected:
		p.Deactivate()
	}
}

// pause stops repetition and drops queued frames that have not started
// encoding.
func (p *Producer) pause() {
	p.arrivalMu.Lock()
	p.repeat.stop()
	p.last = nil
	p.gate.reset()
	p.arrivalMu.Unlock()
	p.flushQueues()
}

// Deactivate stops admitting frames and signals the workers. It is
// idempotent and does not wait.
func (p *Producer) Deactivate() {
	p.arrivalMu.Lock()
	already := p.deactivated.Swap(true)
	p.repeat.stop()
	p.arrivalMu.Unlock()
	if already {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.stateMu.Lock()
	switch p.State() {
	case StreamStateStreaming, StreamStatePaused:
		p.transitionLocked(StreamStateDeactivating)
	}
	p.stateMu.Unlock()
	p.log.Debug("stream deactivated")
}

// Destroy deactivates the stream, waits for every worker, flushes the
// encoders into the sink and closes everything the producer owns. After it
// returns no callback fires. Later calls return the first result.
func (p *Producer) Destroy() error {
	p.destroyOnce.Do(func() {
		p.Deactivate()

		var errs []error
		if p.sourceStarted {
			errs = append(errs, p.source.Stop())
		}
		if p.audioStarted {
			errs = append(errs, p.opts.audio.Stop())
		}
		if p.workersDone != nil {
			<-p.workersDone
		}
		p.flushQueues()
		p.cleanup()
		errs = append(errs, p.closeResources())

		p.stateMu.Lock()
		if p.State() != StreamStateError {
			p.transitionLocked(StreamStateDestroyed)
		}
		p.stateMu.Unlock()
		p.destroyErr = errors.Join(errs...)
		p.log.Info("stream destroyed")
	})
	return p.destroyErr
}

func (p *Producer) closeResources() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.encoder != nil {
			errs = append(errs, p.encoder.Close())
		}
		if p.filter != nil {
			errs = append(errs, p.filter.Close())
		}
		if p.audioEnc != nil {
			errs = append(errs, p.audioEnc.Close())
		}
		if p.ordered != nil {
			errs = append(errs, p.ordered.Close())
		} else if p.sink != nil {
			errs = append(errs, p.sink.Close())
		}
		errs = append(errs, p.source.Close())
		if p.opts.audio != nil {
			errs = append(errs, p.opts.audio.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// cleanup flushes the encoders into the sink once all workers have stopped.
func (p *Producer) cleanup() {
	p.cleanupOnce.Do(func() {
		if p.encoder != nil {
			pkts, err := p.encoder.Flush()
			if err != nil {
				p.log.WithError(err).Warn("video encoder flush failed")
			}
			p.emitFlushed(pkts)
		}
		if p.audioEnc != nil && !p.audioOff.Load() {
			pkts, err := p.audioEnc.Flush()
			if err != nil {
				p.log.WithError(err).Warn("audio encoder flush failed")
			}
			p.emitFlushed(pkts)
		}
		if p.ordered != nil {
			if err := p.ordered.Close(); err != nil {
				p.log.WithError(err).Warn("closing sink")
			}
		}
	})
}

func (p *Producer) emitFlushed(pkts []*Packet) {
	if p.handler == nil || p.outputFailed.Load() {
		return
	}
	for _, pkt := range pkts {
		if err := p.handler.ProcessPacket(pkt); err != nil {
			p.log.WithError(err).Warn("writing flushed packet")
			return
		}
	}
}

// joinWorkers waits for the workers and reports a worker panic as fatal.
func (p *Producer) joinWorkers() {
	r := p.wg.WaitAndRecover()
	close(p.workersDone)
	if r != nil {
		p.fail(newStreamError(KindOutputFailure, "worker", r.AsError()))
	}
}

// setErr records err as the latest fatal error and reports whether it is
// the first one.
func (p *Producer) setErr(err error) bool {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	first := p.err == nil
	p.err = err
	return first
}

// fail records a fatal error, moves the stream to StreamStateError and
// deactivates it. Later fatal errors replace the recorded one; cleanup is
// scheduled by the first and runs once the workers have exited.
func (p *Producer) fail(err *StreamError) {
	first := p.setErr(err)
	p.log.WithError(err).WithField("op", err.Op).Error("stream failed")
	p.transition(StreamStateError)
	p.notifyError(err)
	p.Deactivate()
	if first && p.workersDone != nil {
		go func() {
			<-p.workersDone
			p.cleanup()
		}()
	}
}

// report handles an error; fatal kinds fail the stream.
func (p *Producer) report(err *StreamError) {
	if err.Kind.Fatal() {
		p.fail(err)
		return
	}
	p.log.WithError(err).WithField("op", err.Op).Warn("stream error")
	p.notifyError(err)
}

func (p *Producer) notifyError(err error) {
	if p.opts.onError != nil {
		p.opts.onError(err)
	}
}

// SetMaxFramerate changes the admission rate limit while running.
func (p *Producer) SetMaxFramerate(f Fraction) {
	p.gate.setMax(f)
	p.log.WithField("max_framerate", f).Debug("max framerate changed")
}

// SetMinFramerate changes the idle repeat rate. Zero disables repetition.
func (p *Producer) SetMinFramerate(f Fraction) {
	p.repeat.setMin(f)
	p.arrivalMu.Lock()
	defer p.arrivalMu.Unlock()
	if p.last != nil && !p.deactivated.Load() {
		p.repeat.arm()
	} else {
		p.repeat.stop()
	}
}

// SetMaxPendingFrames changes the per-stage admission bound. Queues keep the
// capacity they were created with; frames beyond it are dropped.
func (p *Producer) SetMaxPendingFrames(n int) error {
	if n <= 0 {
		return fmt.Errorf("max pending frames must be positive, got %d", n)
	}
	p.pending.SetMax(n)
	return nil
}

// SetQuality retunes the running encoder, or asks for renegotiation when it
// cannot retune.
func (p *Producer) SetQuality(q uint8) error {
	return p.setQuality(&q)
}

// ClearQuality returns the encoder to its default quality.
func (p *Producer) ClearQuality() error {
	return p.setQuality(nil)
}

func (p *Producer) setQuality(q *uint8) error {
	p.stateMu.Lock()
	p.cfg.Quality = q
	p.stateMu.Unlock()
	if qc, ok := p.retuner(FeatureDynamicBitrate); ok {
		return qc.SetQuality(q)
	}
	p.renegotiate("quality")
	return nil
}

// SetEncodingPreference retunes the running encoder, or asks for
// renegotiation when it cannot retune.
func (p *Producer) SetEncodingPreference(pref EncodingPreference) error {
	p.stateMu.Lock()
	p.cfg.Preference = pref
	p.stateMu.Unlock()
	if qc, ok := p.retuner(FeatureDynamicQuality); ok {
		return qc.SetEncodingPreference(pref)
	}
	p.renegotiate("preference")
	return nil
}

// retuner returns the running encoder's QualityController when its provider
// supports the runtime change.
func (p *Producer) retuner(need Features) (QualityController, bool) {
	if p.encoder == nil || !p.encoder.Provider().Features().Has(need) {
		return nil, false
	}
	qc, ok := p.encoder.(QualityController)
	return qc, ok
}

func (p *Producer) renegotiate(setting string) {
	p.log.WithField("setting", setting).Info("encoder cannot retune, renegotiation needed")
	if p.opts.onRenegotiate != nil {
		p.opts.onRenegotiate()
	}
}

// Stats returns a snapshot of the stream counters.
func (p *Producer) Stats() ProducerStats {
	s := ProducerStats{
		FramesReceived:      p.stats.received.Load(),
		FramesInactive:      p.stats.inactive.Load(),
		FramesRateDropped:   p.stats.rateDropped.Load(),
		FramesFilterDropped: p.stats.filterDropped.Load(),
		FramesEncodeDropped: p.stats.encodeDropped.Load(),
		FramesRepeated:      p.stats.repeated.Load(),
		FramesEncoded:       p.stats.encoded.Load(),
		FramesProduced:      p.stats.produced.Load(),
		EncodeErrors:        p.stats.encodeErrors.Load(),
		PTSBumps:            p.stats.ptsBumps.Load(),
		AudioPackets:        p.stats.audioPackets.Load(),
		AudioDropped:        p.stats.audioDropped.Load(),
		AudioErrors:         p.stats.audioErrors.Load(),
		PendingFilter:       p.pending.filter.Load(),
		PendingEncode:       p.pending.encode.Load(),
	}
	if o := p.ordered; o != nil {
		s.PacketsWritten = o.packets.Load()
		s.BytesWritten = o.bytes.Load()
	}
	return s
}
