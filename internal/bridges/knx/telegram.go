package knx

import (
	"encoding/binary"
	"fmt"
	"time"
)

// knxd protocol message types.
const (
	// EIBOpenGroupCon opens a group socket for sending/receiving group telegrams.
	// Format: type(2) + reserved(1) + write_only(1) + reserved(1)
	EIBOpenGroupCon uint16 = 0x0026

	// EIBGroupPacket is used to send and receive group telegrams.
	// Payload format: GA(2) + APDU (2+ bytes)
	//   Short APDU (value ≤ 6 bits): [0x00, APCI|value] (2 bytes)
	//   Long APDU: [0x00, APCI] + data (3+ bytes)
	EIBGroupPacket uint16 = 0x0027

	// EIBClose closes the knxd connection gracefully.
	EIBClose uint16 = 0x0006
)

// APCI (Application Protocol Control Information) codes.
const (
	// APCIRead is a group read request.
	APCIRead byte = 0x00

	// APCIResponse is a group read response.
	APCIResponse byte = 0x40

	// APCIWrite is a group write.
	APCIWrite byte = 0x80
)

const (
	// knxdHeaderSize is the size of the knxd message header (size + type).
	knxdHeaderSize = 4

	// groupPacketMinSize is the receive-side minimum: src(2) + GA(2) + APDU(2).
	groupPacketMinSize = 6

	apciMask      = 0xC0
	shortDataMask = 0x3F
)

// Telegram is a KNX group telegram as exchanged with knxd.
type Telegram struct {
	// Source is the sender's individual address (e.g., "1.1.5").
	// Only populated for received telegrams.
	Source string

	// Destination is the target group address.
	Destination GroupAddress

	// APCI indicates the telegram type (read, response, or write).
	APCI byte

	// Value is the payload. Empty for read requests.
	Value GroupValue

	// Timestamp records when the telegram was received or created.
	Timestamp time.Time
}

// ParseTelegram parses a received knxd group packet (after the knxd header).
//
// The receive format of EIB_OPEN_GROUPCON is:
//
//	Byte 0-1: Source individual address (big-endian)
//	Byte 2-3: Destination group address (big-endian)
//	Byte 4:   TPCI
//	Byte 5:   APCI (upper 2 bits) | data (lower 6 bits) for short frames
//	Byte 6+:  Data bytes for long frames
//
// The send format has no source prefix.
//
// Short frames decode to a 6-bit GroupValue because the wire cannot tell
// a 1-bit value from a 6-bit one; the datapoint converter masks as needed.
func ParseTelegram(data []byte) (Telegram, error) {
	if len(data) < groupPacketMinSize {
		return Telegram{}, fmt.Errorf("%w: too short (%d bytes, need at least %d)", ErrInvalidTelegram, len(data), groupPacketMinSize)
	}

	source := formatIndividualAddress(binary.BigEndian.Uint16(data[0:2]))
	dest := GroupAddressFromUint16(binary.BigEndian.Uint16(data[2:4]))
	apci := data[5] & apciMask

	var value GroupValue
	switch {
	case len(data) > groupPacketMinSize:
		if (len(data)-groupPacketMinSize)*bitsPerByte > MaxValueBits {
			return Telegram{}, fmt.Errorf("%w: %d data bytes exceeds frame capacity", ErrInvalidTelegram, len(data)-groupPacketMinSize)
		}
		value = BytesValue(data[groupPacketMinSize:]...)
	case apci == APCIWrite || apci == APCIResponse:
		value = GroupValue{data: string([]byte{data[5] & shortDataMask}), bits: ShortValueBits}
	}

	return Telegram{
		Source:      source,
		Destination: dest,
		APCI:        apci,
		Value:       value,
		Timestamp:   time.Now(),
	}, nil
}

// formatIndividualAddress converts a 16-bit individual address to "A.L.D" format.
func formatIndividualAddress(ia uint16) string {
	area := (ia >> 12) & 0x0F
	line := (ia >> 8) & 0x0F
	device := ia & 0xFF
	return fmt.Sprintf("%d.%d.%d", area, line, device)
}

// Encode encodes the telegram to the knxd send format for EIB_OPEN_GROUPCON.
//
//	Byte 0-1: Destination group address (big-endian)
//	Byte 2+:  APDU: [TPCI, APCI|short_data, long_data...]
//
// Values of up to 6 bits travel in the APCI byte; wider values follow it.
func (t Telegram) Encode() []byte {
	if t.Value.IsEmpty() || t.Value.IsShort() {
		buf := make([]byte, 4) //nolint:mnd // GA(2) + TPCI + APCI
		binary.BigEndian.PutUint16(buf[0:2], t.Destination.ToUint16())
		buf[3] = t.APCI
		if t.Value.IsShort() {
			buf[3] |= t.Value.data[0] & shortDataMask
		}
		return buf
	}

	buf := make([]byte, 4+t.Value.Len()) //nolint:mnd // GA(2) + TPCI + APCI
	binary.BigEndian.PutUint16(buf[0:2], t.Destination.ToUint16())
	buf[3] = t.APCI
	copy(buf[4:], t.Value.data)
	return buf
}

// IsWrite returns true if this is a group write telegram.
func (t Telegram) IsWrite() bool {
	return t.APCI == APCIWrite
}

// IsRead returns true if this is a group read request.
func (t Telegram) IsRead() bool {
	return t.APCI == APCIRead
}

// IsResponse returns true if this is a group read response.
func (t Telegram) IsResponse() bool {
	return t.APCI == APCIResponse
}

// Event converts a received telegram to a GroupEvent.
func (t Telegram) Event() (GroupEvent, error) {
	var kind EventKind
	switch t.APCI {
	case APCIWrite:
		kind = EventWrite
	case APCIResponse:
		kind = EventReadResponse
	case APCIRead:
		kind = EventReadRequest
	default:
		return GroupEvent{}, fmt.Errorf("%w: unsupported APCI 0x%02X", ErrInvalidTelegram, t.APCI)
	}
	return GroupEvent{
		Source:      t.Source,
		Destination: t.Destination,
		Value:       t.Value,
		Kind:        kind,
		Timestamp:   t.Timestamp,
	}, nil
}

// String returns a human-readable representation of the telegram.
func (t Telegram) String() string {
	apciStr := "UNKNOWN"
	switch t.APCI {
	case APCIRead:
		apciStr = "READ"
	case APCIResponse:
		apciStr = "RESPONSE"
	case APCIWrite:
		apciStr = "WRITE"
	}

	return fmt.Sprintf("Telegram{GA:%s, APCI:%s, Value:%s/%d}", t.Destination, apciStr, t.Value, t.Value.Bits())
}

// NewWriteTelegram creates a group write telegram.
func NewWriteTelegram(dest GroupAddress, value GroupValue) Telegram {
	return Telegram{
		Destination: dest,
		APCI:        APCIWrite,
		Value:       value,
		Timestamp:   time.Now(),
	}
}

// NewReadTelegram creates a group read request telegram.
func NewReadTelegram(dest GroupAddress) Telegram {
	return Telegram{
		Destination: dest,
		APCI:        APCIRead,
		Timestamp:   time.Now(),
	}
}

// NewResponseTelegram creates a group read response telegram.
func NewResponseTelegram(dest GroupAddress, value GroupValue) Telegram {
	return Telegram{
		Destination: dest,
		APCI:        APCIResponse,
		Value:       value,
		Timestamp:   time.Now(),
	}
}

// EncodeKNXDMessage wraps a payload in the knxd message format.
//
//	Byte 0-1: Size of type + payload (big-endian, excludes the size field)
//	Byte 2-3: Message type (big-endian)
//	Byte 4+:  Payload
func EncodeKNXDMessage(msgType uint16, payload []byte) []byte {
	buf := make([]byte, knxdHeaderSize+len(payload))

	sizeField := 2 + len(payload)
	binary.BigEndian.PutUint16(buf[0:2], uint16(sizeField)) //nolint:gosec // bounded by small message sizes
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	copy(buf[4:], payload)

	return buf
}

// ParseKNXDMessage parses one complete knxd message.
func ParseKNXDMessage(data []byte) (msgType uint16, payload []byte, err error) {
	if len(data) < knxdHeaderSize {
		return 0, nil, fmt.Errorf("%w: message too short (%d bytes)", ErrInvalidTelegram, len(data))
	}

	declaredSize := binary.BigEndian.Uint16(data[0:2])
	expectedSize := len(data) - 2
	if int(declaredSize) != expectedSize {
		return 0, nil, fmt.Errorf("%w: size mismatch (declared %d, expected %d)",
			ErrInvalidTelegram, declaredSize, expectedSize)
	}

	msgType = binary.BigEndian.Uint16(data[2:4])
	if len(data) > knxdHeaderSize {
		payload = data[knxdHeaderSize:]
	}

	return msgType, payload, nil
}
