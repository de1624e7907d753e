package knx

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Datapoint binds a group address to a datapoint type.
type Datapoint struct {
	Address    GroupAddress `json:"ga"`
	Descriptor Descriptor   `json:"dpt"`
	Name       string       `json:"name,omitempty"`
	Telemetry  bool         `json:"telemetry"`
}

// DatapointMap holds the configured datapoint bindings and presents group
// values typed. Addresses without a binding are presented raw.
//
// Thread Safety: All methods are safe for concurrent use.
type DatapointMap struct {
	conv *Converter

	mu   sync.RWMutex
	byGA map[GroupAddress]Datapoint
}

// NewDatapointMap creates an empty map. A nil converter uses the default
// catalog.
func NewDatapointMap(conv *Converter) *DatapointMap {
	if conv == nil {
		conv = NewConverter(nil)
	}
	return &DatapointMap{conv: conv, byGA: make(map[GroupAddress]Datapoint)}
}

// Add binds ga to the datapoint type dptID, replacing any earlier binding.
func (m *DatapointMap) Add(ga GroupAddress, dptID, name string, telemetry bool) error {
	d, err := m.conv.Catalog().Lookup(dptID)
	if err != nil {
		return fmt.Errorf("datapoint %s: %w", ga, err)
	}
	m.mu.Lock()
	m.byGA[ga] = Datapoint{Address: ga, Descriptor: d, Name: name, Telemetry: telemetry}
	m.mu.Unlock()
	return nil
}

// Lookup returns the binding for ga.
func (m *DatapointMap) Lookup(ga GroupAddress) (Datapoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dp, ok := m.byGA[ga]
	return dp, ok
}

// All returns every binding ordered by address.
func (m *DatapointMap) All() []Datapoint {
	m.mu.RLock()
	out := make([]Datapoint, 0, len(m.byGA))
	for _, dp := range m.byGA {
		out = append(out, dp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.ToUint16() < out[j].Address.ToUint16()
	})
	return out
}

// Len returns the number of bindings.
func (m *DatapointMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byGA)
}

// Converter returns the converter used for encoding and decoding.
func (m *DatapointMap) Converter() *Converter {
	return m.conv
}

// ValueInput is a value as submitted by an API or MQTT client: either a
// typed Value encoded through a datapoint type, or Raw text parsed with
// ParseGroupValue. When Bits is set, Raw is hex as FormatGroupValue writes
// it and is parsed with ParseGroupValueBits.
type ValueInput struct {
	Value any    `json:"value,omitempty"`
	Raw   string `json:"raw,omitempty"`
	DPT   string `json:"dpt,omitempty"`
	Bits  int    `json:"bits,omitempty"`
}

// Encode turns in into a GroupValue for ga. A typed value uses in.DPT,
// falling back to the datapoint bound to ga.
func (m *DatapointMap) Encode(ga GroupAddress, in ValueInput) (GroupValue, error) {
	if in.Raw != "" {
		if in.Bits > 0 {
			return ParseGroupValueBits(in.Raw, in.Bits)
		}
		return ParseGroupValue(in.Raw)
	}
	if in.Value == nil {
		return GroupValue{}, fmt.Errorf("%w: value or raw is required", ErrInvalidGroupValue)
	}

	d, err := m.descriptor(ga, in.DPT)
	if err != nil {
		return GroupValue{}, err
	}
	x, err := coerce(in.Value, d)
	if err != nil {
		return GroupValue{}, err
	}
	return Encode(x, d)
}

func (m *DatapointMap) descriptor(ga GroupAddress, dptID string) (Descriptor, error) {
	if dptID != "" {
		return m.conv.Catalog().Lookup(dptID)
	}
	if dp, ok := m.Lookup(ga); ok {
		return dp.Descriptor, nil
	}
	return Descriptor{}, fmt.Errorf("%w: no datapoint type for %s", ErrUnknownDatapoint, ga)
}

// coerce converts JSON objects into the struct a composite kind expects.
func coerce(x any, d Descriptor) (any, error) {
	obj, ok := x.(map[string]any)
	if !ok {
		return x, nil
	}

	var target any
	switch d.Kind {
	case KindControl:
		target = &ControlValue{}
	case KindSceneControl:
		target = &SceneControl{}
	case KindRGB:
		target = &RGB{}
	default:
		return x, nil
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedValue, d.ID, err)
	}

	switch t := target.(type) {
	case *ControlValue:
		return *t, nil
	case *SceneControl:
		return *t, nil
	default:
		return *target.(*RGB), nil
	}
}

// Presented is a group value prepared for API and MQTT payloads.
type Presented struct {
	Raw   string `json:"raw"`
	Bits  int    `json:"bits"`
	Value any    `json:"value,omitempty"`
	Text  string `json:"text,omitempty"`
	DPT   string `json:"dpt,omitempty"`
	Unit  string `json:"unit,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

// Present decodes v for ga. dptID overrides the bound datapoint type; when
// neither is known only the raw form is filled in. A decode failure is
// reported in Error rather than returned so the raw value still reaches
// the client.
func (m *DatapointMap) Present(ga GroupAddress, v GroupValue, dptID string) Presented {
	p := Presented{Raw: FormatGroupValue(v), Bits: v.Bits()}

	dp, bound := m.Lookup(ga)
	if bound {
		p.Name = dp.Name
	}

	var d Descriptor
	switch {
	case dptID != "":
		looked, err := m.conv.Catalog().Lookup(dptID)
		if err != nil {
			p.Error = err.Error()
			return p
		}
		d = looked
	case bound:
		d = dp.Descriptor
	default:
		return p
	}

	p.DPT = d.ID
	p.Unit = d.Unit
	if v.IsEmpty() {
		return p
	}
	x, err := Decode(v, d)
	if err != nil {
		p.Error = err.Error()
		return p
	}
	p.Value = x
	p.Text = Format(x, d)
	return p
}
