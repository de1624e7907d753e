package knx

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the direction of a group communication.
type EventKind uint8

// Group event kinds.
const (
	EventWrite EventKind = iota
	EventReadResponse
	EventReadRequest
)

// String returns the event kind name used in logs, JSON and MQTT topics.
func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "write"
	case EventReadResponse:
		return "response"
	case EventReadRequest:
		return "read"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// CarriesValue reports whether events of this kind carry the current value
// of the destination group address.
func (k EventKind) CarriesValue() bool {
	return k == EventWrite || k == EventReadResponse
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "write":
		*k = EventWrite
	case "response", "read_response":
		*k = EventReadResponse
	case "read", "read_request":
		*k = EventReadRequest
	default:
		return fmt.Errorf("knx: unknown event kind %q", text)
	}
	return nil
}

// GroupEvent is an inbound group communication observed on the bus.
type GroupEvent struct {
	// Source is the sender's individual address (e.g. "1.1.5").
	Source string `json:"source"`

	// Destination is the group address the telegram was sent to.
	Destination GroupAddress `json:"destination"`

	// Value is the payload. Empty for read requests.
	Value GroupValue `json:"value"`

	// Kind is the direction of the communication.
	Kind EventKind `json:"kind"`

	// Timestamp records when the event was received.
	Timestamp time.Time `json:"timestamp"`

	// Epoch identifies the connection the event was received on. It is
	// stamped by the connection manager; transports leave it zero.
	Epoch uint64 `json:"epoch"`
}

// String returns a compact human-readable representation.
func (e GroupEvent) String() string {
	return fmt.Sprintf("GroupEvent{%s %s→%s value:%s epoch:%d}", e.Kind, e.Source, e.Destination, e.Value, e.Epoch)
}
