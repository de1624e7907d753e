package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// State is the lifecycle state of the bus connection.
type State int32

// Connection states.
const (
	StateClosed State = iota
	StateOpening
	StateConnected
	StateClosing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateClosed, StateOpening, StateConnected, StateClosing} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// EventType distinguishes the two kinds of Event.
type EventType uint8

// Event types.
const (
	EventStateChanged EventType = iota
	EventGroup
)

// StateChange records one transition of the connection state machine.
type StateChange struct {
	From  State  `json:"from"`
	To    State  `json:"to"`
	Epoch uint64 `json:"epoch"`

	// Reason is set when the transition was caused by a failure:
	// knx.ErrConnectionLost for a dropped link, or the open error.
	Reason error `json:"-"`

	Timestamp time.Time `json:"timestamp"`
}

// Lost reports whether the change is an unexpected loss of the connection.
func (c StateChange) Lost() bool {
	return c.To == StateClosed && errors.Is(c.Reason, knx.ErrConnectionLost)
}

// Event is published by the Manager for every state change and every
// inbound group event, in the order they happened.
type Event struct {
	Type  EventType
	State StateChange
	Group knx.GroupEvent
}
