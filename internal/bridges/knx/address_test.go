package knx

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseGroupAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    GroupAddress
		wantErr bool
	}{
		{"simple", "1/2/3", GroupAddress{1, 2, 3}, false},
		{"zero", "0/0/0", GroupAddress{0, 0, 0}, false},
		{"maximum", "31/7/255", GroupAddress{31, 7, 255}, false},
		{"surrounding spaces", " 4/1/10 ", GroupAddress{4, 1, 10}, false},
		{"main too large", "32/0/0", GroupAddress{}, true},
		{"middle too large", "0/8/0", GroupAddress{}, true},
		{"sub too large", "0/0/256", GroupAddress{}, true},
		{"two levels", "1/2", GroupAddress{}, true},
		{"four levels", "1/2/3/4", GroupAddress{}, true},
		{"not a number", "a/b/c", GroupAddress{}, true},
		{"negative", "-1/0/0", GroupAddress{}, true},
		{"empty", "", GroupAddress{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGroupAddress(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGroupAddress) {
					t.Errorf("ParseGroupAddress(%q) error = %v, want ErrInvalidGroupAddress", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGroupAddress(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseGroupAddress(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// Every valid address survives String → Parse unchanged.
func TestGroupAddressStringRoundTrip(t *testing.T) {
	for main := 0; main <= maxMain; main++ {
		for middle := 0; middle <= maxMiddle; middle++ {
			for sub := 0; sub <= maxSub; sub++ {
				ga := GroupAddress{Main: uint8(main), Middle: uint8(middle), Sub: uint8(sub)}
				got, err := ParseGroupAddress(ga.String())
				if err != nil {
					t.Fatalf("ParseGroupAddress(%q) error: %v", ga.String(), err)
				}
				if got != ga {
					t.Fatalf("round trip %v → %q → %v", ga, ga.String(), got)
				}
			}
		}
	}
}

func TestGroupAddressUint16RoundTrip(t *testing.T) {
	for raw := 0; raw <= 0xFFFF; raw++ {
		ga := GroupAddressFromUint16(uint16(raw))
		if got := ga.ToUint16(); got != uint16(raw) {
			t.Fatalf("0x%04X → %v → 0x%04X", raw, ga, got)
		}
	}

	if got := (GroupAddress{Main: 1, Middle: 2, Sub: 3}).ToUint16(); got != 0x0A03 {
		t.Errorf("ToUint16(1/2/3) = 0x%04X, want 0x0A03", got)
	}
}

func TestGroupAddressURLEncode(t *testing.T) {
	ga := GroupAddress{Main: 1, Middle: 2, Sub: 3}
	encoded := ga.URLEncode()
	if encoded != "1%2F2%2F3" {
		t.Errorf("URLEncode() = %q, want 1%%2F2%%2F3", encoded)
	}

	decoded, err := ParseGroupAddressFromURL(encoded)
	if err != nil {
		t.Fatalf("ParseGroupAddressFromURL() error: %v", err)
	}
	if decoded != ga {
		t.Errorf("ParseGroupAddressFromURL() = %v, want %v", decoded, ga)
	}

	if _, err := ParseGroupAddressFromURL("%zz"); !errors.Is(err, ErrInvalidGroupAddress) {
		t.Errorf("ParseGroupAddressFromURL(bad escape) error = %v, want ErrInvalidGroupAddress", err)
	}
}

func TestGroupAddressJSON(t *testing.T) {
	type doc struct {
		GA     GroupAddress            `json:"ga"`
		Values map[GroupAddress]string `json:"values"`
	}

	in := doc{
		GA:     GroupAddress{Main: 5, Middle: 0, Sub: 1},
		Values: map[GroupAddress]string{{Main: 1, Middle: 2, Sub: 3}: "on"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if want := `{"ga":"5/0/1","values":{"1/2/3":"on"}}`; string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	var out doc
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out.GA != in.GA || out.Values[GroupAddress{Main: 1, Middle: 2, Sub: 3}] != "on" {
		t.Errorf("Unmarshal() = %+v, want %+v", out, in)
	}

	if err := json.Unmarshal([]byte(`{"ga":"40/0/0"}`), &out); err == nil {
		t.Error("Unmarshal() of invalid address should fail")
	}
}

func TestGroupAddressIsValid(t *testing.T) {
	if !(GroupAddress{Main: 31, Middle: 7, Sub: 255}).IsValid() {
		t.Error("31/7/255 should be valid")
	}
	if (GroupAddress{Main: 32}).IsValid() {
		t.Error("32/0/0 should be invalid")
	}
	if (GroupAddress{Middle: 8}).IsValid() {
		t.Error("0/8/0 should be invalid")
	}
}
