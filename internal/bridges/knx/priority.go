package knx

import (
	"fmt"
	"strings"
)

// Priority is the KNX bus-access priority of a telegram.
//
// Lower values are more urgent: System < Alarm < High < Low. The numeric
// values match the two priority bits of a KNX control field.
type Priority uint8

// Message priorities.
const (
	PrioritySystem Priority = 0
	PriorityAlarm  Priority = 2
	PriorityHigh   Priority = 1
	PriorityLow    Priority = 3
)

// DefaultPriority is used when a caller does not choose one.
const DefaultPriority = PriorityHigh

// rank orders priorities by urgency. The wire encoding puts High (01)
// before Alarm (10), so numeric comparison is not enough.
func (p Priority) rank() int {
	switch p {
	case PrioritySystem:
		return 0
	case PriorityAlarm:
		return 1
	case PriorityHigh:
		return 2
	default:
		return 3
	}
}

// MoreUrgentThan reports whether p should win bus access over other.
func (p Priority) MoreUrgentThan(other Priority) bool {
	return p.rank() < other.rank()
}

// IsValid reports whether p is one of the four defined priorities.
func (p Priority) IsValid() bool {
	return p <= PriorityLow
}

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityAlarm:
		return "alarm"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ParsePriority parses a priority name. An empty string yields
// DefaultPriority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultPriority, nil
	case "system":
		return PrioritySystem, nil
	case "alarm", "urgent":
		return PriorityAlarm, nil
	case "high", "normal":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return DefaultPriority, fmt.Errorf("knx: unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("knx: invalid priority %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
