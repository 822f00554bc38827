package produce

// StreamState is the lifecycle state of a Producer.
type StreamState int32

const (
	StreamStateCreated StreamState = iota
	StreamStateNegotiating
	StreamStateStreaming
	StreamStatePaused
	StreamStateDeactivating
	StreamStateDestroyed
	StreamStateError
)

func (s StreamState) String() string {
	switch s {
	case StreamStateCreated:
		return "created"
	case StreamStateNegotiating:
		return "negotiating"
	case StreamStateStreaming:
		return "streaming"
	case StreamStatePaused:
		return "paused"
	case StreamStateDeactivating:
		return "deactivating"
	case StreamStateDestroyed:
		return "destroyed"
	case StreamStateError:
		return "error"
	default:
		return "unknown"
	}
}

// canTransition reports whether the lifecycle allows moving from s to next.
// Any live state may fall into Error; Error and Destroyed are terminal
// except that Error can still be torn down.
func (s StreamState) canTransition(next StreamState) bool {
	if next == StreamStateError {
		return s != StreamStateDestroyed && s != StreamStateError
	}
	switch s {
	case StreamStateCreated:
		return next == StreamStateNegotiating || next == StreamStateDestroyed
	case StreamStateNegotiating:
		return next == StreamStateStreaming || next == StreamStatePaused ||
			next == StreamStateDeactivating || next == StreamStateDestroyed
	case StreamStateStreaming:
		return next == StreamStatePaused || next == StreamStateDeactivating
	case StreamStatePaused:
		return next == StreamStateStreaming || next == StreamStateDeactivating
	case StreamStateDeactivating:
		return next == StreamStateDestroyed
	default:
		return false
	}
}

// SourceState is a protocol-level state reported by a FrameSource.
type SourceState int

const (
	SourceStateUnconnected SourceState = iota
	SourceStateConnecting
	SourceStatePaused
	SourceStateStreaming
	SourceStateError
)

func (s SourceState) String() string {
	switch s {
	case SourceStateUnconnected:
		return "unconnected"
	case SourceStateConnecting:
		return "connecting"
	case SourceStatePaused:
		return "paused"
	case SourceStateStreaming:
		return "streaming"
	case SourceStateError:
		return "error"
	default:
		return "unknown"
	}
}
