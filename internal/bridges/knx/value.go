package knx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GroupValue limits.
const (
	// ShortValueBits is the widest value that travels inside the APCI byte
	// of a telegram instead of in separate data bytes.
	ShortValueBits = 6

	// MaxValueBits is the largest payload accepted. A standard KNX frame
	// carries at most 14 data bytes.
	MaxValueBits = 14 * 8

	bitsPerByte = 8
)

// GroupValue is the raw bit-packed payload of a group communication.
//
// A GroupValue carries its bit length explicitly because KNX values may be
// narrower than a byte. Values of 1-6 bits are held in a single byte (low
// bits); wider values occupy ceil(bits/8) big-endian bytes. The zero
// GroupValue has no bits and is the payload of a read request.
//
// GroupValue is immutable and comparable: two values are equal when both
// the payload and the bit length match.
type GroupValue struct {
	data string
	bits int
}

// NewGroupValue creates a GroupValue from a payload and an explicit bit
// length. The payload is copied.
//
// Returns ErrInvalidGroupValue if bits is out of range, the payload length
// does not match the bit length, or bits above the width are set.
func NewGroupValue(data []byte, bits int) (GroupValue, error) {
	if bits < 0 || bits > MaxValueBits {
		return GroupValue{}, fmt.Errorf("%w: bit length %d out of range 0-%d", ErrInvalidGroupValue, bits, MaxValueBits)
	}
	if want := byteLen(bits); len(data) != want {
		return GroupValue{}, fmt.Errorf("%w: %d bits need %d bytes, got %d", ErrInvalidGroupValue, bits, want, len(data))
	}
	if unused := byteLen(bits)*bitsPerByte - bits; unused > 0 && data[0]>>(bitsPerByte-unused) != 0 {
		return GroupValue{}, fmt.Errorf("%w: value 0x%X exceeds %d bits", ErrInvalidGroupValue, data, bits)
	}
	return GroupValue{data: string(data), bits: bits}, nil
}

// BitValue returns the 1-bit value for b.
func BitValue(b bool) GroupValue {
	if b {
		return GroupValue{data: "\x01", bits: 1}
	}
	return GroupValue{data: "\x00", bits: 1}
}

// ShortValue returns a value of 1-8 bits held in a single byte.
func ShortValue(v uint8, bits int) (GroupValue, error) {
	if bits < 1 || bits > bitsPerByte {
		return GroupValue{}, fmt.Errorf("%w: short value width must be 1-8 bits, got %d", ErrInvalidGroupValue, bits)
	}
	return NewGroupValue([]byte{v}, bits)
}

// BytesValue returns a value whose width is a whole number of bytes.
func BytesValue(data ...byte) GroupValue {
	return GroupValue{data: string(data), bits: len(data) * bitsPerByte}
}

// byteLen returns the number of payload bytes needed for bits.
func byteLen(bits int) int {
	return (bits + bitsPerByte - 1) / bitsPerByte
}

// Bits returns the bit length fixed at construction.
func (v GroupValue) Bits() int {
	return v.bits
}

// Len returns the payload length in bytes.
func (v GroupValue) Len() int {
	return len(v.data)
}

// Bytes returns a copy of the payload.
func (v GroupValue) Bytes() []byte {
	return []byte(v.data)
}

// IsEmpty reports whether the value carries no bits.
func (v GroupValue) IsEmpty() bool {
	return v.bits == 0
}

// IsShort reports whether the value fits into the APCI byte of a telegram.
func (v GroupValue) IsShort() bool {
	return v.bits > 0 && v.bits <= ShortValueBits
}

// Uint returns the payload as a big-endian unsigned integer.
// Only the last 8 bytes are considered for wider payloads.
func (v GroupValue) Uint() uint64 {
	var n uint64
	for i := 0; i < len(v.data); i++ {
		n = n<<bitsPerByte | uint64(v.data[i])
	}
	return n
}

// Equal reports whether v and other carry the same payload and bit length.
func (v GroupValue) Equal(other GroupValue) bool {
	return v == other
}

// String returns the legacy textual form, see FormatGroupValue.
func (v GroupValue) String() string {
	return FormatGroupValue(v)
}

// ParseGroupValue parses the legacy textual group value form.
//
// The bit width is inferred from the string length:
//   - 1 char: one hex digit, a 6-bit short value ("0"/"1" are the boolean encodings)
//   - 2 chars: one hex byte, an 8-bit value
//   - 3 chars: a decimal byte 0-255, an 8-bit value
//   - longer, even length: hex bytes, 8 bits per byte
//
// The inference cannot tell "1" (short) from "01" (byte) apart by intent.
// Use ParseGroupValueBits when the width is known.
func ParseGroupValue(s string) (GroupValue, error) {
	s = strings.TrimSpace(s)
	switch n := len(s); {
	case n == 0:
		return GroupValue{}, fmt.Errorf("%w: empty string", ErrInvalidGroupValue)
	case n == 1:
		d, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return GroupValue{}, fmt.Errorf("%w: %q is not a hex digit", ErrInvalidGroupValue, s)
		}
		return GroupValue{data: string([]byte{byte(d)}), bits: ShortValueBits}, nil
	case n == 2:
		b, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return GroupValue{}, fmt.Errorf("%w: %q is not a hex byte", ErrInvalidGroupValue, s)
		}
		return BytesValue(byte(b)), nil
	case n == 3:
		b, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return GroupValue{}, fmt.Errorf("%w: %q is not a decimal byte 0-255", ErrInvalidGroupValue, s)
		}
		return BytesValue(byte(b)), nil
	case n%2 != 0:
		return GroupValue{}, fmt.Errorf("%w: %q has odd hex length", ErrInvalidGroupValue, s)
	default:
		data, err := hex.DecodeString(s)
		if err != nil {
			return GroupValue{}, fmt.Errorf("%w: %q is not hex: %w", ErrInvalidGroupValue, s, err)
		}
		if len(data)*bitsPerByte > MaxValueBits {
			return GroupValue{}, fmt.Errorf("%w: %d bytes exceeds frame capacity", ErrInvalidGroupValue, len(data))
		}
		return BytesValue(data...), nil
	}
}

// ParseGroupValueBits parses a textual group value with an explicit width.
//
// The text is hex, most significant digit first, with an optional 0x
// prefix; missing leading digits are zero ("C" is 0x0C for 8 bits). This
// is the form FormatGroupValue produces, so its output parses back
// unchanged. 1-bit values also accept "true"/"false" and "on"/"off".
func ParseGroupValueBits(s string, bits int) (GroupValue, error) {
	s = strings.TrimSpace(s)
	if bits < 1 || bits > MaxValueBits {
		return GroupValue{}, fmt.Errorf("%w: bit length %d out of range 1-%d", ErrInvalidGroupValue, bits, MaxValueBits)
	}
	size := byteLen(bits)

	if bits == 1 {
		switch strings.ToLower(s) {
		case "true", "on":
			return BitValue(true), nil
		case "false", "off":
			return BitValue(false), nil
		}
	}

	digits, _ := strings.CutPrefix(strings.ToLower(s), "0x")
	if digits == "" {
		return GroupValue{}, fmt.Errorf("%w: empty string", ErrInvalidGroupValue)
	}
	if len(digits)%2 != 0 {
		digits = "0" + digits
	}
	data, err := hex.DecodeString(digits)
	if err != nil {
		return GroupValue{}, fmt.Errorf("%w: %q is not hex", ErrInvalidGroupValue, s)
	}
	// leading zero bytes beyond the width are tolerated
	for len(data) > size && data[0] == 0 {
		data = data[1:]
	}
	if len(data) > size {
		return GroupValue{}, fmt.Errorf("%w: %q is wider than %d bits", ErrInvalidGroupValue, s, bits)
	}
	padded := make([]byte, size)
	copy(padded[size-len(data):], data)
	return NewGroupValue(padded, bits)
}

// FormatGroupValue returns the legacy textual form of v.
//
// Short values below 0x10 are a single hex digit, everything else is
// uppercase hex, two digits per byte. An empty value formats as "".
func FormatGroupValue(v GroupValue) string {
	if v.IsEmpty() {
		return ""
	}
	if v.IsShort() && v.data[0] < 0x10 {
		return strings.ToUpper(strconv.FormatUint(uint64(v.data[0]), 16))
	}
	return strings.ToUpper(hex.EncodeToString([]byte(v.data)))
}

// groupValueJSON is the wire form used by the HTTP API and MQTT payloads.
type groupValueJSON struct {
	Hex  string `json:"hex"`
	Bits int    `json:"bits"`
}

// MarshalJSON encodes the value as {"hex": "...", "bits": n}.
func (v GroupValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(groupValueJSON{
		Hex:  strings.ToUpper(hex.EncodeToString([]byte(v.data))),
		Bits: v.bits,
	})
}

// UnmarshalJSON decodes the {"hex": "...", "bits": n} form.
func (v *GroupValue) UnmarshalJSON(b []byte) error {
	var raw groupValueJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGroupValue, err)
	}
	data, err := hex.DecodeString(raw.Hex)
	if err != nil {
		return fmt.Errorf("%w: hex: %w", ErrInvalidGroupValue, err)
	}
	parsed, err := NewGroupValue(data, raw.Bits)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
