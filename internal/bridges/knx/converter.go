package knx

import (
	"fmt"
	"math"
	"strings"
)

// Datapoint encoding constants.
const (
	dpt3DirectionBit = 0x08
	dpt3StepsMask    = 0x07
	dpt3MaxSteps     = 7

	dpt5MaxRaw = 255

	dpt9MinValue     = -671088.64
	dpt9MaxValue     = 670760.96
	dpt9MaxExponent  = 15
	dpt9MantissaMin  = -2048
	dpt9MantissaMax  = 2047
	dpt9MantissaMask = 0x07FF
	dpt9SignBit      = 0x8000
	dpt9Invalid      = 0x7FFF

	dpt17MaxScene  = 63
	dpt17SceneMask = 0x3F
	dpt18LearnBit  = 0x80

	dpt16MaxChars = 14
	dpt16ASCIIMax = 127
	dpt16Latin1   = 255

	rgbBytes = 3
)

// Decode converts a GroupValue into the canonical typed value for d.
//
// Returns ErrMalformedPayload if the payload width does not match d.Bits.
// Short datapoint types (6 bits or fewer) accept any short payload, since
// received short frames carry 6 bits regardless of the datapoint width; the
// payload is masked to d.Bits.
func Decode(v GroupValue, d Descriptor) (any, error) {
	if err := checkWidth(v, d); err != nil {
		return nil, err
	}
	raw := v.Uint()

	switch d.Kind {
	case KindBool:
		return raw&0x01 != 0, nil

	case KindControl:
		return ControlValue{
			Increase: raw&dpt3DirectionBit != 0,
			Steps:    uint8(raw & dpt3StepsMask), //nolint:gosec // masked to 3 bits
		}, nil

	case KindScaled:
		lo, hi := d.Min, d.Max
		return lo + float64(raw)*(hi-lo)/dpt5MaxRaw, nil

	case KindUnsigned:
		return int64(raw), nil //nolint:gosec // width checked, at most 32 bits

	case KindSigned:
		shift := 64 - uint(d.Bits)
		return int64(raw<<shift) >> shift, nil //nolint:gosec // sign extension

	case KindFloat16:
		return decodeFloat16(uint16(raw)) //nolint:gosec // width checked, 16 bits

	case KindFloat32:
		return float64(math.Float32frombits(uint32(raw))), nil //nolint:gosec // width checked, 32 bits

	case KindScene:
		return int64(raw & dpt17SceneMask), nil

	case KindSceneControl:
		return SceneControl{
			Scene: uint8(raw & dpt17SceneMask), //nolint:gosec // masked to 6 bits
			Learn: raw&dpt18LearnBit != 0,
		}, nil

	case KindRGB:
		b := v.Bytes()
		return RGB{R: b[0], G: b[1], B: b[2]}, nil

	case KindString:
		b := v.Bytes()
		end := len(b)
		for end > 0 && b[end-1] == 0 {
			end--
		}
		runes := make([]rune, 0, end)
		for _, c := range b[:end] {
			runes = append(runes, rune(c))
		}
		return string(runes), nil

	default:
		return nil, fmt.Errorf("%w: %s has no decoder for kind %s", ErrUnknownDatapoint, d.ID, d.Kind)
	}
}

// Encode converts a typed value into a GroupValue of width d.Bits.
//
// Besides the canonical type, numeric kinds accept any Go integer or float
// type; integer kinds accept floats only when they have no fractional part
// (JSON numbers decode as float64).
//
// Returns ErrOutOfRange when the value cannot be represented and
// ErrUnsupportedValue when its Go type does not fit the datapoint.
func Encode(x any, d Descriptor) (GroupValue, error) {
	switch d.Kind {
	case KindBool:
		b, ok := x.(bool)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		if b {
			return newWidthValue(1, d)
		}
		return newWidthValue(0, d)

	case KindControl:
		c, ok := x.(ControlValue)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		if c.Steps > dpt3MaxSteps {
			return GroupValue{}, fmt.Errorf("%w: %s steps must be 0-%d, got %d", ErrOutOfRange, d.ID, dpt3MaxSteps, c.Steps)
		}
		raw := uint64(c.Steps)
		if c.Increase {
			raw |= dpt3DirectionBit
		}
		return newWidthValue(raw, d)

	case KindScaled:
		f, ok := toFloat(x)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		if f < d.Min || f > d.Max || math.IsNaN(f) {
			return GroupValue{}, fmt.Errorf("%w: %s value must be %g-%g, got %g", ErrOutOfRange, d.ID, d.Min, d.Max, f)
		}
		raw := math.Round((f - d.Min) * dpt5MaxRaw / (d.Max - d.Min))
		return newWidthValue(uint64(raw), d)

	case KindUnsigned, KindSigned, KindScene:
		n, ok, err := toInt(x)
		if err != nil {
			return GroupValue{}, fmt.Errorf("%w: %s: %w", ErrOutOfRange, d.ID, err)
		}
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		lo, hi := intRange(d)
		if n < lo || n > hi {
			return GroupValue{}, fmt.Errorf("%w: %s value must be %d-%d, got %d", ErrOutOfRange, d.ID, lo, hi, n)
		}
		mask := uint64(1)<<uint(d.Bits) - 1
		return newWidthValue(uint64(n)&mask, d) //nolint:gosec // two's complement truncation to width

	case KindFloat16:
		f, ok := toFloat(x)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		raw, err := encodeFloat16(f)
		if err != nil {
			return GroupValue{}, fmt.Errorf("%w: %s: %w", ErrOutOfRange, d.ID, err)
		}
		return newWidthValue(uint64(raw), d)

	case KindFloat32:
		f, ok := toFloat(x)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		if math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
			return GroupValue{}, fmt.Errorf("%w: %s value %g exceeds float32", ErrOutOfRange, d.ID, f)
		}
		return newWidthValue(uint64(math.Float32bits(float32(f))), d)

	case KindSceneControl:
		sc, ok := x.(SceneControl)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		if sc.Scene > dpt17MaxScene {
			return GroupValue{}, fmt.Errorf("%w: %s scene must be 0-%d, got %d", ErrOutOfRange, d.ID, dpt17MaxScene, sc.Scene)
		}
		raw := uint64(sc.Scene)
		if sc.Learn {
			raw |= dpt18LearnBit
		}
		return newWidthValue(raw, d)

	case KindRGB:
		c, ok := x.(RGB)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		return NewGroupValue([]byte{c.R, c.G, c.B}, d.Bits)

	case KindString:
		s, ok := x.(string)
		if !ok {
			return GroupValue{}, unsupported(x, d)
		}
		return encodeString(s, d)

	default:
		return GroupValue{}, fmt.Errorf("%w: %s has no encoder for kind %s", ErrUnknownDatapoint, d.ID, d.Kind)
	}
}

// checkWidth verifies that v has the payload width d expects.
func checkWidth(v GroupValue, d Descriptor) error {
	if d.IsShort() {
		if !v.IsShort() {
			return fmt.Errorf("%w: %s expects a short value of %d bits, got %d bits", ErrMalformedPayload, d.ID, d.Bits, v.Bits())
		}
		return nil
	}
	if v.Bits() != d.Bits {
		return fmt.Errorf("%w: %s expects %d bits, got %d", ErrMalformedPayload, d.ID, d.Bits, v.Bits())
	}
	if d.Kind == KindFloat16 && v.Uint() == dpt9Invalid {
		return fmt.Errorf("%w: %s invalid value 0x7FFF (sensor error or not available)", ErrMalformedPayload, d.ID)
	}
	return nil
}

// newWidthValue packs raw into a big-endian GroupValue of width d.Bits.
func newWidthValue(raw uint64, d Descriptor) (GroupValue, error) {
	size := byteLen(d.Bits)
	data := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		data[i] = byte(raw)
		raw >>= bitsPerByte
	}
	return NewGroupValue(data, d.Bits)
}

// intRange returns the inclusive bounds for integer kinds.
func intRange(d Descriptor) (lo, hi int64) {
	if d.Kind == KindScene {
		return 0, dpt17MaxScene
	}
	if d.hasRange() {
		return int64(d.Min), int64(d.Max)
	}
	if d.Kind == KindSigned {
		return -(1 << (d.Bits - 1)), 1<<(d.Bits-1) - 1
	}
	return 0, 1<<d.Bits - 1
}

// encodeFloat16 encodes the KNX 2-byte float.
//
//	Byte 0: SEEE EMMM
//	Byte 1: MMMM MMMM
//
// Value = 0.01 × M × 2^E with M a 12-bit two's complement mantissa whose
// sign bit is S. The smallest exponent that fits is chosen.
func encodeFloat16(value float64) (uint16, error) {
	if math.IsNaN(value) || value < dpt9MinValue || value > dpt9MaxValue {
		return 0, fmt.Errorf("2-byte float must be %.2f to %.2f, got %g", dpt9MinValue, dpt9MaxValue, value)
	}

	for exp := 0; exp <= dpt9MaxExponent; exp++ {
		m := math.Round(value * 100 / math.Ldexp(1, exp))
		if m < dpt9MantissaMin || m > dpt9MantissaMax {
			continue
		}
		m12 := uint16(int16(m)) & 0x0FFF //nolint:gosec // bounded to 12 bits above
		sign := (m12 >> 11) & 0x01
		return sign<<15 | uint16(exp)<<11 | m12&dpt9MantissaMask, nil //nolint:gosec // exp bounded
	}
	return 0, fmt.Errorf("2-byte float exponent overflow for %g", value)
}

// decodeFloat16 decodes the KNX 2-byte float.
func decodeFloat16(raw uint16) (float64, error) {
	exp := int((raw >> 11) & 0x0F)
	m := int(raw & dpt9MantissaMask)
	if raw&dpt9SignBit != 0 {
		m -= 2048
	}
	return float64(m) * 0.01 * math.Ldexp(1, exp), nil
}

// encodeString encodes a DPT 16 string, NUL padded to 14 bytes.
func encodeString(s string, d Descriptor) (GroupValue, error) {
	maxChar := rune(dpt16Latin1)
	if d.Max > 0 && d.Max < dpt16Latin1 {
		maxChar = rune(d.Max)
	}

	buf := make([]byte, byteLen(d.Bits))
	i := 0
	for _, r := range s {
		if i >= len(buf) {
			return GroupValue{}, fmt.Errorf("%w: %s string longer than %d characters", ErrOutOfRange, d.ID, len(buf))
		}
		if r > maxChar {
			return GroupValue{}, fmt.Errorf("%w: %s character %q not representable", ErrOutOfRange, d.ID, r)
		}
		buf[i] = byte(r)
		i++
	}
	return NewGroupValue(buf, d.Bits)
}

// toFloat converts any Go numeric type to float64.
func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toInt converts any Go numeric type to int64. Floats must be integral.
func toInt(x any) (int64, bool, error) {
	switch n := x.(type) {
	case int:
		return int64(n), true, nil
	case int8:
		return int64(n), true, nil
	case int16:
		return int64(n), true, nil
	case int32:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case uint:
		return int64(n), true, nil //nolint:gosec // range checked by caller
	case uint8:
		return int64(n), true, nil
	case uint16:
		return int64(n), true, nil
	case uint32:
		return int64(n), true, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, true, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), true, nil
	case float32, float64:
		f, _ := toFloat(n)
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, true, fmt.Errorf("%g is not an integer", f)
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, true, fmt.Errorf("%g overflows int64", f)
		}
		return int64(f), true, nil
	default:
		return 0, false, nil
	}
}

func unsupported(x any, d Descriptor) error {
	return fmt.Errorf("%w: %s (%s) cannot encode %T", ErrUnsupportedValue, d.ID, d.Kind, x)
}

// Converter encodes and decodes values by datapoint type identifier.
type Converter struct {
	catalog *Catalog
}

// NewConverter creates a Converter backed by catalog. A nil catalog uses
// NewDefaultCatalog.
func NewConverter(catalog *Catalog) *Converter {
	if catalog == nil {
		catalog = NewDefaultCatalog()
	}
	return &Converter{catalog: catalog}
}

// Catalog returns the descriptor catalog.
func (c *Converter) Catalog() *Catalog {
	return c.catalog
}

// DecodeID decodes v using the descriptor registered for dptID.
func (c *Converter) DecodeID(v GroupValue, dptID string) (any, Descriptor, error) {
	d, err := c.catalog.Lookup(dptID)
	if err != nil {
		return nil, Descriptor{}, err
	}
	x, err := Decode(v, d)
	return x, d, err
}

// EncodeID encodes x using the descriptor registered for dptID.
func (c *Converter) EncodeID(x any, dptID string) (GroupValue, error) {
	d, err := c.catalog.Lookup(dptID)
	if err != nil {
		return GroupValue{}, err
	}
	return Encode(x, d)
}

// Format renders a decoded value for logs and MQTT state payloads.
func Format(x any, d Descriptor) string {
	var s string
	switch v := x.(type) {
	case float64:
		s = fmt.Sprintf("%.2f", v)
	case bool, int64, string:
		s = fmt.Sprint(v)
	case RGB:
		s = fmt.Sprintf("#%02X%02X%02X", v.R, v.G, v.B)
	default:
		s = fmt.Sprintf("%+v", v)
	}
	if d.Unit != "" {
		s += " " + d.Unit
	}
	return strings.TrimSpace(s)
}
