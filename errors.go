package produce

import (
	"errors"
	"fmt"
)

// Codec and provider errors.
var (
	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")
	ErrNotSupported      = errors.New("operation not supported")
)

// Stream lifecycle errors.
var (
	ErrInvalidState   = errors.New("invalid stream state")
	ErrNoSource       = errors.New("frame source is required")
	ErrNoOutput       = errors.New("output sink or packet handler is required")
	ErrNoHardwarePath = errors.New("hardware filter path unavailable")
	ErrNoFilterPath   = errors.New("no usable filter path")
)

// ErrorKind classifies a stream error.
type ErrorKind int

const (
	KindSetupFailure  ErrorKind = iota + 1 // Negotiation, encoder or filter setup failed
	KindEncodeFailure                      // A single frame failed to filter or encode
	KindSourceError                        // The frame source reported an error
	KindAudioFailure                       // The audio branch failed
	KindOutputFailure                      // The output sink rejected data
)

// Kind sentinels, matchable with errors.Is against any *StreamError.
var (
	ErrSetupFailure  = errors.New("setup failure")
	ErrEncodeFailure = errors.New("encode failure")
	ErrSourceError   = errors.New("source error")
	ErrAudioFailure  = errors.New("audio failure")
	ErrOutputFailure = errors.New("output failure")
)

func (k ErrorKind) String() string {
	switch k {
	case KindSetupFailure:
		return "setup failure"
	case KindEncodeFailure:
		return "encode failure"
	case KindSourceError:
		return "source error"
	case KindAudioFailure:
		return "audio failure"
	case KindOutputFailure:
		return "output failure"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindSetupFailure:
		return ErrSetupFailure
	case KindEncodeFailure:
		return ErrEncodeFailure
	case KindSourceError:
		return ErrSourceError
	case KindAudioFailure:
		return ErrAudioFailure
	case KindOutputFailure:
		return ErrOutputFailure
	default:
		return nil
	}
}

// Fatal reports whether an error of this kind moves the stream to StreamStateError.
// Encode and audio failures only affect the frame or branch they happened in.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindSetupFailure, KindSourceError, KindOutputFailure:
		return true
	default:
		return false
	}
}

// StreamError is the error type reported by a Producer.
type StreamError struct {
	Kind ErrorKind
	Op   string // Operation that failed (e.g. "makeEncoder")
	Err  error
}

func newStreamError(kind ErrorKind, op string, err error) *StreamError {
	return &StreamError{Kind: kind, Op: op, Err: err}
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *StreamError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
