package knx

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Common datapoint type identifiers.
const (
	DPTSwitch         = "1.001"
	DPTBool           = "1.002"
	DPTUpDown         = "1.008"
	DPTDimmingControl = "3.007"
	DPTBlindControl   = "3.008"
	DPTPercentage     = "5.001"
	DPTAngle          = "5.003"
	DPTPercentU8      = "5.004"
	DPTCounterU8      = "5.010"
	DPTTemperature    = "9.001"
	DPTLux            = "9.004"
	DPTHumidity       = "9.007"
	DPTActiveEnergy   = "13.010"
	DPTPower          = "14.056"
	DPTString         = "16.000"
	DPTSceneNumber    = "17.001"
	DPTSceneControl   = "18.001"
	DPTColourRGB      = "232.600"
)

// builtinDescriptors is the datapoint table installed by NewDefaultCatalog.
// Entries with an "x" sub number are the generic layout for their main
// type and serve unknown subtypes.
var builtinDescriptors = []Descriptor{
	{ID: "1.xxx", Name: "Boolean", Bits: 1, Kind: KindBool},
	{ID: DPTSwitch, Name: "Switch", Bits: 1, Kind: KindBool},
	{ID: DPTBool, Name: "Boolean", Bits: 1, Kind: KindBool},
	{ID: "1.003", Name: "Enable", Bits: 1, Kind: KindBool},
	{ID: "1.007", Name: "Step", Bits: 1, Kind: KindBool},
	{ID: DPTUpDown, Name: "Up/Down", Bits: 1, Kind: KindBool},
	{ID: "1.009", Name: "Open/Close", Bits: 1, Kind: KindBool},
	{ID: "1.010", Name: "Start", Bits: 1, Kind: KindBool},
	{ID: "1.017", Name: "Trigger", Bits: 1, Kind: KindBool},

	{ID: "3.xxx", Name: "Control", Bits: 4, Kind: KindControl},
	{ID: DPTDimmingControl, Name: "Dimming control", Bits: 4, Kind: KindControl},
	{ID: DPTBlindControl, Name: "Blind control", Bits: 4, Kind: KindControl},

	{ID: "5.xxx", Name: "Unsigned 8-bit", Bits: 8, Kind: KindUnsigned},
	{ID: DPTPercentage, Name: "Percentage", Bits: 8, Kind: KindScaled, Min: 0, Max: 100, Unit: "%"},
	{ID: DPTAngle, Name: "Angle", Bits: 8, Kind: KindScaled, Min: 0, Max: 360, Unit: "°"},
	{ID: DPTPercentU8, Name: "Percentage (0..255)", Bits: 8, Kind: KindUnsigned, Unit: "%"},
	{ID: DPTCounterU8, Name: "Counter pulses", Bits: 8, Kind: KindUnsigned},

	{ID: "6.xxx", Name: "Signed 8-bit", Bits: 8, Kind: KindSigned},
	{ID: "6.001", Name: "Percentage (-128..127)", Bits: 8, Kind: KindSigned, Unit: "%"},
	{ID: "6.010", Name: "Counter pulses", Bits: 8, Kind: KindSigned},

	{ID: "7.xxx", Name: "Unsigned 16-bit", Bits: 16, Kind: KindUnsigned},
	{ID: "7.001", Name: "Pulses", Bits: 16, Kind: KindUnsigned},
	{ID: "7.600", Name: "Colour temperature", Bits: 16, Kind: KindUnsigned, Unit: "K"},

	{ID: "8.xxx", Name: "Signed 16-bit", Bits: 16, Kind: KindSigned},
	{ID: "8.001", Name: "Pulse difference", Bits: 16, Kind: KindSigned},

	{ID: "9.xxx", Name: "2-byte float", Bits: 16, Kind: KindFloat16},
	{ID: DPTTemperature, Name: "Temperature", Bits: 16, Kind: KindFloat16, Unit: "°C"},
	{ID: "9.002", Name: "Temperature difference", Bits: 16, Kind: KindFloat16, Unit: "K"},
	{ID: DPTLux, Name: "Illuminance", Bits: 16, Kind: KindFloat16, Unit: "lx"},
	{ID: "9.005", Name: "Wind speed", Bits: 16, Kind: KindFloat16, Unit: "m/s"},
	{ID: DPTHumidity, Name: "Humidity", Bits: 16, Kind: KindFloat16, Unit: "%"},
	{ID: "9.008", Name: "Air quality", Bits: 16, Kind: KindFloat16, Unit: "ppm"},

	{ID: "12.xxx", Name: "Unsigned 32-bit", Bits: 32, Kind: KindUnsigned},
	{ID: "12.001", Name: "Counter pulses", Bits: 32, Kind: KindUnsigned},

	{ID: "13.xxx", Name: "Signed 32-bit", Bits: 32, Kind: KindSigned},
	{ID: "13.001", Name: "Counter pulses", Bits: 32, Kind: KindSigned},
	{ID: DPTActiveEnergy, Name: "Active energy", Bits: 32, Kind: KindSigned, Unit: "Wh"},

	{ID: "14.xxx", Name: "4-byte float", Bits: 32, Kind: KindFloat32},
	{ID: "14.019", Name: "Electric current", Bits: 32, Kind: KindFloat32, Unit: "A"},
	{ID: "14.027", Name: "Electric potential", Bits: 32, Kind: KindFloat32, Unit: "V"},
	{ID: DPTPower, Name: "Power", Bits: 32, Kind: KindFloat32, Unit: "W"},

	{ID: "16.xxx", Name: "Character string", Bits: 112, Kind: KindString, Max: dpt16ASCIIMax},
	{ID: DPTString, Name: "ASCII string", Bits: 112, Kind: KindString, Max: dpt16ASCIIMax},
	{ID: "16.001", Name: "ISO 8859-1 string", Bits: 112, Kind: KindString, Max: dpt16Latin1},

	{ID: "17.xxx", Name: "Scene number", Bits: 8, Kind: KindScene},
	{ID: DPTSceneNumber, Name: "Scene number", Bits: 8, Kind: KindScene},

	{ID: "18.xxx", Name: "Scene control", Bits: 8, Kind: KindSceneControl},
	{ID: DPTSceneControl, Name: "Scene control", Bits: 8, Kind: KindSceneControl},

	{ID: "232.xxx", Name: "RGB colour", Bits: 24, Kind: KindRGB},
	{ID: DPTColourRGB, Name: "RGB colour", Bits: 24, Kind: KindRGB},
}

// Catalog looks up datapoint descriptors by type identifier.
//
// Thread Safety: All methods are safe for concurrent use.
type Catalog struct {
	mu   sync.RWMutex
	byID map[string]Descriptor
}

// NewCatalog creates a catalog holding descriptors.
func NewCatalog(descriptors ...Descriptor) *Catalog {
	c := &Catalog{byID: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		c.byID[d.ID] = d
	}
	return c
}

// NewDefaultCatalog creates a catalog with the built-in datapoint types.
func NewDefaultCatalog() *Catalog {
	return NewCatalog(builtinDescriptors...)
}

// Register adds or replaces a descriptor.
func (c *Catalog) Register(d Descriptor) error {
	id, err := NormalizeDPT(d.ID)
	if err != nil {
		return err
	}
	if d.Bits < 1 || d.Bits > MaxValueBits {
		return fmt.Errorf("%w: %s bit width %d out of range", ErrUnknownDatapoint, d.ID, d.Bits)
	}
	if d.Kind == KindScaled && d.Max <= d.Min {
		return fmt.Errorf("%w: %s scaled type needs max > min", ErrUnknownDatapoint, d.ID)
	}
	d.ID = id

	c.mu.Lock()
	c.byID[id] = d
	c.mu.Unlock()
	return nil
}

// Lookup returns the descriptor for id.
//
// Accepted forms are "9.001", "9.1", "DPT9.001", "DPST-9-1" and a bare
// main type "9". Unknown subtypes of a known main type resolve to the
// generic layout of that main type, with the requested ID.
func (c *Catalog) Lookup(id string) (Descriptor, error) {
	norm, err := NormalizeDPT(id)
	if err != nil {
		return Descriptor{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if d, ok := c.byID[norm]; ok {
		return d, nil
	}
	main, _, _ := strings.Cut(norm, ".")
	if d, ok := c.byID[main+".xxx"]; ok {
		d.ID = norm
		return d, nil
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownDatapoint, id)
}

// All returns every registered descriptor sorted by ID.
func (c *Catalog) All() []Descriptor {
	c.mu.RLock()
	out := make([]Descriptor, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return dptLess(out[i].ID, out[j].ID)
	})
	return out
}

// NormalizeDPT converts the accepted identifier spellings to "main.sub"
// with a three digit sub number. A bare main type becomes "main.xxx".
func NormalizeDPT(id string) (string, error) {
	s := strings.TrimSpace(id)
	upper := strings.ToUpper(s)

	var main, sub string
	switch {
	case strings.HasPrefix(upper, "DPST-"):
		parts := strings.Split(s[len("DPST-"):], "-")
		if len(parts) != 2 { //nolint:mnd // DPST-main-sub
			return "", fmt.Errorf("%w: %q", ErrUnknownDatapoint, id)
		}
		main, sub = parts[0], parts[1]
	case strings.HasPrefix(upper, "DPT-"):
		main = s[len("DPT-"):]
	case strings.HasPrefix(upper, "DPT"):
		main, sub, _ = strings.Cut(strings.TrimSpace(s[len("DPT"):]), ".")
	default:
		main, sub, _ = strings.Cut(s, ".")
	}

	m, err := strconv.Atoi(main)
	if err != nil || m < 1 {
		return "", fmt.Errorf("%w: %q", ErrUnknownDatapoint, id)
	}
	if sub == "" || strings.EqualFold(sub, "xxx") {
		return fmt.Sprintf("%d.xxx", m), nil
	}
	n, err := strconv.Atoi(sub)
	if err != nil || n < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownDatapoint, id)
	}
	return fmt.Sprintf("%d.%03d", m, n), nil
}

// dptLess orders identifiers numerically by main then sub type.
func dptLess(a, b string) bool {
	am, as, _ := strings.Cut(a, ".")
	bm, bs, _ := strings.Cut(b, ".")
	ai, _ := strconv.Atoi(am)
	bi, _ := strconv.Atoi(bm)
	if ai != bi {
		return ai < bi
	}
	return as < bs
}
