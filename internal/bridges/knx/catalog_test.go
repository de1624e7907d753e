package knx

import (
	"errors"
	"testing"
)

func TestNormalizeDPT(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"9.001", "9.001", false},
		{"9.1", "9.001", false},
		{"DPT9.001", "9.001", false},
		{"dpt 9.001", "9.001", false},
		{"DPST-9-1", "9.001", false},
		{"DPT-9", "9.xxx", false},
		{"9", "9.xxx", false},
		{"232.600", "232.600", false},
		{"1.xxx", "1.xxx", false},
		{"", "", true},
		{"abc", "", true},
		{"DPST-9", "", true},
		{"9.abc", "", true},
		{"0.001", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeDPT(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownDatapoint) {
					t.Errorf("NormalizeDPT(%q) error = %v, want ErrUnknownDatapoint", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeDPT(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeDPT(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCatalogLookup(t *testing.T) {
	c := NewDefaultCatalog()

	d, err := c.Lookup("9.001")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if d.Kind != KindFloat16 || d.Bits != 16 || d.Unit != "°C" {
		t.Errorf("Lookup(9.001) = %+v", d)
	}

	// unknown subtype of a known main type falls back to the generic layout
	d, err = c.Lookup("9.020")
	if err != nil {
		t.Fatalf("Lookup(9.020) error: %v", err)
	}
	if d.ID != "9.020" || d.Kind != KindFloat16 || d.Unit != "" {
		t.Errorf("Lookup(9.020) = %+v, want generic float16 with requested ID", d)
	}

	if _, err := c.Lookup("250.001"); !errors.Is(err, ErrUnknownDatapoint) {
		t.Errorf("Lookup(250.001) error = %v, want ErrUnknownDatapoint", err)
	}
}

func TestCatalogRegister(t *testing.T) {
	c := NewCatalog()

	err := c.Register(Descriptor{ID: "DPT5.100", Name: "Fan stage", Bits: 8, Kind: KindScaled, Min: 0, Max: 3})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	d, err := c.Lookup("5.100")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if d.ID != "5.100" || d.Name != "Fan stage" {
		t.Errorf("Lookup() = %+v", d)
	}

	tests := []struct {
		name string
		d    Descriptor
	}{
		{"bad id", Descriptor{ID: "x", Bits: 8, Kind: KindUnsigned}},
		{"zero bits", Descriptor{ID: "5.200", Bits: 0, Kind: KindUnsigned}},
		{"scaled without range", Descriptor{ID: "5.201", Bits: 8, Kind: KindScaled}},
	}
	for _, tt := range tests {
		if err := c.Register(tt.d); !errors.Is(err, ErrUnknownDatapoint) {
			t.Errorf("Register(%s) error = %v, want ErrUnknownDatapoint", tt.name, err)
		}
	}
}

func TestCatalogAllSorted(t *testing.T) {
	all := NewDefaultCatalog().All()
	if len(all) != len(builtinDescriptors) {
		t.Fatalf("All() returned %d descriptors, want %d", len(all), len(builtinDescriptors))
	}
	for i := 1; i < len(all); i++ {
		if dptLess(all[i].ID, all[i-1].ID) {
			t.Errorf("All() not sorted: %s before %s", all[i-1].ID, all[i].ID)
		}
	}
	if all[0].Main() != "1" || all[len(all)-1].Main() != "232" {
		t.Errorf("All() bounds = %s..%s", all[0].ID, all[len(all)-1].ID)
	}
}
