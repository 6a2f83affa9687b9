package session

import "encoding/json"

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Live reports whether an attempt is in flight or established.
func (s State) Live() bool { return s == StateConnecting || s == StateConnected }

type EventKind int

const (
	// User-driven.
	EventConnect EventKind = iota
	EventRetry
	EventDisconnect
	EventResize

	// Transport-driven.
	EventEstablished
	EventFailed
	EventClosed
	EventDisplaySize

	// Produced by the bootstrap itself while an attempt runs.
	eventAttemptFailed
	eventDialed
	eventTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventRetry:
		return "retry"
	case EventDisconnect:
		return "disconnect"
	case EventResize:
		return "resize"
	case EventEstablished:
		return "established"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	case EventDisplaySize:
		return "display_size"
	case eventAttemptFailed:
		return "attempt_failed"
	case eventDialed:
		return "dialed"
	case eventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is the single input type of the session state machine. Transports
// emit EventEstablished, EventFailed (with Err set, usually a
// *TransportError), EventClosed and EventDisplaySize (with Size set).
type Event struct {
	Kind         EventKind
	ConnectionID string
	Size         Size
	Err          error

	attempt   uint64
	transport Transport
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) Valid() bool { return s.Width > 0 && s.Height > 0 }
