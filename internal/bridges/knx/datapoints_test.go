package knx

import (
	"errors"
	"fmt"
	"testing"
)

func testDatapoints(t *testing.T) *DatapointMap {
	t.Helper()
	m := NewDatapointMap(nil)
	for _, b := range []struct{ ga, dpt, name string }{
		{"1/2/3", DPTSwitch, "Kitchen light"},
		{"3/1/0", DPTTemperature, "Living temperature"},
		{"4/0/1", DPTDimmingControl, "Hall dimmer"},
	} {
		if err := m.Add(MustParseGroupAddress(b.ga), b.dpt, b.name, true); err != nil {
			t.Fatalf("Add(%s) error = %v", b.ga, err)
		}
	}
	return m
}

func TestDatapointMap_AddLookup(t *testing.T) {
	m := testDatapoints(t)

	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
	dp, ok := m.Lookup(MustParseGroupAddress("3/1/0"))
	if !ok || dp.Descriptor.ID != DPTTemperature || dp.Name != "Living temperature" {
		t.Errorf("Lookup(3/1/0) = %+v, %v", dp, ok)
	}
	if _, ok := m.Lookup(MustParseGroupAddress("9/7/9")); ok {
		t.Error("Lookup of unbound address succeeded")
	}

	all := m.All()
	if all[0].Address.String() != "1/2/3" || all[2].Address.String() != "4/0/1" {
		t.Errorf("All() not ordered by address: %v, %v", all[0].Address, all[2].Address)
	}

	if err := m.Add(MustParseGroupAddress("5/5/5"), "nope", "", false); !errors.Is(err, ErrUnknownDatapoint) {
		t.Errorf("Add with bad dpt error = %v, want ErrUnknownDatapoint", err)
	}
}

func TestDatapointMap_Encode(t *testing.T) {
	m := testDatapoints(t)

	tests := []struct {
		name    string
		ga      string
		in      ValueInput
		want    GroupValue
		wantErr error
	}{
		{name: "bound bool", ga: "1/2/3", in: ValueInput{Value: true}, want: BitValue(true)},
		{name: "bound float", ga: "3/1/0", in: ValueInput{Value: 21.0}, want: BytesValue(0x0C, 0x1A)},
		{name: "control object", ga: "4/0/1", in: ValueInput{Value: map[string]any{"increase": true, "steps": 3.0}}, want: mustShort(0x0B, 4)},
		{name: "explicit dpt", ga: "9/7/9", in: ValueInput{Value: 100.0, DPT: DPTPercentage}, want: BytesValue(0xFF)},
		{name: "legacy raw", ga: "9/7/9", in: ValueInput{Raw: "1"}, want: mustShort(0x01, ShortValueBits)},
		{name: "raw with bits", ga: "9/7/9", in: ValueInput{Raw: "true", Bits: 1}, want: BitValue(true)},
		{name: "unbound typed", ga: "9/7/9", in: ValueInput{Value: 1.0}, wantErr: ErrUnknownDatapoint},
		{name: "nothing", ga: "1/2/3", in: ValueInput{}, wantErr: ErrInvalidGroupValue},
		{name: "wrong type", ga: "1/2/3", in: ValueInput{Value: "on"}, wantErr: ErrUnsupportedValue},
		{name: "out of range", ga: "9/7/9", in: ValueInput{Value: 101.0, DPT: DPTPercentage}, wantErr: ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Encode(MustParseGroupAddress(tt.ga), tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Encode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Encode() = %v/%d, want %v/%d", got, got.Bits(), tt.want, tt.want.Bits())
			}
		})
	}
}

func TestDatapointMap_Present(t *testing.T) {
	m := testDatapoints(t)

	p := m.Present(MustParseGroupAddress("3/1/0"), BytesValue(0x0C, 0x1A), "")
	if p.Value != 21.0 || p.Unit != "°C" || p.Name != "Living temperature" || p.Raw != "0C1A" {
		t.Errorf("Present(temperature) = %+v", p)
	}
	if p.Text != "21.00 °C" {
		t.Errorf("Text = %q", p.Text)
	}

	unbound := m.Present(MustParseGroupAddress("9/7/9"), BytesValue(0x2A), "")
	if unbound.Value != nil || unbound.DPT != "" || unbound.Raw != "2A" || unbound.Bits != 8 {
		t.Errorf("Present(unbound) = %+v", unbound)
	}

	override := m.Present(MustParseGroupAddress("9/7/9"), BytesValue(0x2A), "5.010")
	if override.Value != int64(42) {
		t.Errorf("Present(override) value = %#v, want 42", override.Value)
	}

	bad := m.Present(MustParseGroupAddress("3/1/0"), BytesValue(0x01), "")
	if bad.Error == "" || bad.Raw != "01" {
		t.Errorf("Present(malformed) = %+v, want error with raw kept", bad)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotConnected, CodeNotConnected},
		{fmt.Errorf("%w: after 5s", ErrTimeout), CodeTimeout},
		{ErrConnectionLost, CodeConnectionLost},
		{fmt.Errorf("%w: %w", ErrTransport, errors.New("broken pipe")), CodeDeviceUnreachable},
		{fmt.Errorf("%w: %w", ErrTransport, ErrProtocolDesync), CodeProtocolError},
		{ErrOutOfRange, CodeInvalidParameters},
		{ErrUnknownDatapoint, CodeNotConfigured},
		{ErrBusy, CodeBusy},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
