// Package capture records protocol-level events (frames, state changes,
// errors) for offline debugging. Events are serialized as a CBOR stream;
// a capture file can be replayed with Reader.
package capture

import (
	"time"

	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn indicates a frame received from the device.
	DirectionIn Direction = 0

	// DirectionOut indicates a frame sent to the device.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// MaxFrameDataSize is the maximum body size stored per event. Larger
// bodies are truncated to keep capture files bounded.
const MaxFrameDataSize = 4096

// Event is one protocol event. CBOR encoding uses integer keys for
// compactness.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates frame flow, for frame events.
	Direction Direction `cbor:"3,keyasint,omitempty"`

	// RemoteAddr is the device address (IP:port).
	RemoteAddr string `cbor:"4,keyasint,omitempty"`

	// Frame is set for frame events.
	Frame *FrameEvent `cbor:"5,keyasint,omitempty"`

	// StateChange is set for connection state transitions.
	StateChange *StateChangeEvent `cbor:"6,keyasint,omitempty"`

	// Error is set for error events.
	Error string `cbor:"7,keyasint,omitempty"`
}

// FrameEvent describes one frame on the wire.
type FrameEvent struct {
	// CommandID is the frame's command id.
	CommandID uint32 `cbor:"1,keyasint"`

	// MessageID is the frame's correlation id.
	MessageID uint32 `cbor:"2,keyasint"`

	// Encryption is the frame's cipher tag.
	Encryption uint8 `cbor:"3,keyasint"`

	// Channel is the channel extension value, NoChannel if absent.
	Channel int32 `cbor:"4,keyasint"`

	// Size is the plaintext body size in bytes.
	Size int `cbor:"5,keyasint"`

	// Body holds the (possibly truncated) plaintext body.
	Body []byte `cbor:"6,keyasint,omitempty"`

	// Truncated indicates Body was cut at MaxFrameDataSize.
	Truncated bool `cbor:"7,keyasint,omitempty"`
}

// StateChangeEvent describes a connection state transition.
type StateChangeEvent struct {
	From string `cbor:"1,keyasint"`
	To   string `cbor:"2,keyasint"`
}

// NewFrameEvent builds a capture event for a decoded frame.
func NewFrameEvent(connID string, dir Direction, f *wire.Frame) Event {
	body := f.Body
	truncated := false
	if len(body) > MaxFrameDataSize {
		body = body[:MaxFrameDataSize]
		truncated = true
	}

	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Frame: &FrameEvent{
			CommandID:  f.CommandID,
			MessageID:  f.MessageID,
			Encryption: uint8(f.Encryption),
			Channel:    f.Channel,
			Size:       len(f.Body),
			Body:       body,
			Truncated:  truncated,
		},
	}
}

// NewStateChangeEvent builds a capture event for a state transition.
func NewStateChangeEvent(connID, from, to string) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		StateChange:  &StateChangeEvent{From: from, To: to},
	}
}

// Logger is the interface capture sinks implement.
// Pass nil or NoopLogger to disable capture.
type Logger interface {
	// Log records a protocol event. Implementations must be thread-safe
	// and must not block the read loop.
	Log(event Event)
}

// NoopLogger discards all events. Safe for concurrent use as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// MultiLogger fans events out to several sinks.
type MultiLogger []Logger

// Log forwards the event to every sink.
func (m MultiLogger) Log(event Event) {
	for _, l := range m {
		if l != nil {
			l.Log(event)
		}
	}
}

// Compile-time interface satisfaction checks.
var (
	_ Logger = NoopLogger{}
	_ Logger = MultiLogger{}
)
