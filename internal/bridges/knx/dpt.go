package knx

import "fmt"

// Kind selects the value layout of a datapoint type.
type Kind uint8

// Datapoint value layouts.
const (
	// KindBool is a 1-bit boolean (DPT 1). Canonical type: bool.
	KindBool Kind = iota + 1

	// KindControl is a 4-bit direction + step code (DPT 3).
	// Canonical type: ControlValue.
	KindControl

	// KindScaled is an 8-bit unsigned value scaled linearly onto Min..Max
	// (DPT 5.001, 5.003). Canonical type: float64.
	KindScaled

	// KindUnsigned is an unsigned integer of Bits width (DPT 5.004, 7, 12).
	// Canonical type: int64.
	KindUnsigned

	// KindSigned is a two's complement integer of Bits width (DPT 6, 8, 13).
	// Canonical type: int64.
	KindSigned

	// KindFloat16 is the KNX 2-byte float (DPT 9). Canonical type: float64.
	KindFloat16

	// KindFloat32 is an IEEE 754 single (DPT 14). Canonical type: float64.
	KindFloat32

	// KindScene is a 6-bit scene number in one byte (DPT 17).
	// Canonical type: int64.
	KindScene

	// KindSceneControl is a scene number plus learn flag (DPT 18).
	// Canonical type: SceneControl.
	KindSceneControl

	// KindRGB is a 3-byte colour (DPT 232.600). Canonical type: RGB.
	KindRGB

	// KindString is a 14-byte NUL padded character string (DPT 16).
	// Canonical type: string. Max selects the character set: 127 for
	// ASCII, 255 for ISO 8859-1.
	KindString
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindControl:
		return "control"
	case KindScaled:
		return "scaled"
	case KindUnsigned:
		return "unsigned"
	case KindSigned:
		return "signed"
	case KindFloat16:
		return "float16"
	case KindFloat32:
		return "float32"
	case KindScene:
		return "scene"
	case KindSceneControl:
		return "scene_control"
	case KindRGB:
		return "rgb"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Descriptor describes how to interpret a GroupValue as a typed value.
type Descriptor struct {
	// ID is the datapoint type identifier in "main.sub" form, e.g. "9.001".
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Bits is the payload width.
	Bits int `json:"bits"`

	// Kind selects the value layout.
	Kind Kind `json:"kind"`

	// Min and Max bound the typed value. For KindScaled they define the
	// scale; for integer kinds they restrict the range. Zero Min and Max
	// mean the full range of the bit width.
	Min float64 `json:"min"`
	Max float64 `json:"max"`

	// Unit is the physical unit of numeric values, if any.
	Unit string `json:"unit,omitempty"`
}

// Main returns the main type number part of the ID ("9" for "9.001").
func (d Descriptor) Main() string {
	for i := 0; i < len(d.ID); i++ {
		if d.ID[i] == '.' {
			return d.ID[:i]
		}
	}
	return d.ID
}

// IsShort reports whether values of this type travel in the APCI byte.
func (d Descriptor) IsShort() bool {
	return d.Bits > 0 && d.Bits <= ShortValueBits
}

// hasRange reports whether Min/Max restrict the value.
func (d Descriptor) hasRange() bool {
	return d.Min != 0 || d.Max != 0
}

// ControlValue is a relative dimming or blind control step (DPT 3).
type ControlValue struct {
	// Increase selects increase/down when true and decrease/up when false.
	Increase bool `json:"increase"`

	// Steps is the step code 0-7. 0 means stop.
	Steps uint8 `json:"steps"`
}

// SceneControl is a scene recall or learn command (DPT 18).
type SceneControl struct {
	Scene uint8 `json:"scene"`
	Learn bool  `json:"learn"`
}

// RGB represents an RGB colour value (DPT 232.600).
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}
