// Package knx holds the KNX value types shared by the rest of knxlink.
//
// It has no connection state of its own. The connection package owns the
// single bus link and the groupcomm package issues reads and writes over
// it; both speak in the types defined here.
//
// # Group Addresses
//
// KNX uses group addresses for communication. This package uses the 3-level
// format: Main/Middle/Sub (e.g., "1/2/3").
//
//	addr, err := knx.ParseGroupAddress("1/2/3")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(addr.String()) // "1/2/3"
//
// # Group Values
//
// A GroupValue is an immutable payload with an explicit bit length. Values
// of 1 to 6 bits are "short" and travel inside the APCI byte; wider values
// occupy whole bytes after it. Two values are equal when both payload and
// length match, so GroupValue works with == and as a map key.
//
// # Datapoint Types
//
// KNX defines standardised data formats (DPTs). Encode and Decode convert
// between a GroupValue and a typed Go value using a Descriptor from a
// Catalog:
//
//   - DPT 1.xxx: bool
//   - DPT 3.xxx: ControlValue
//   - DPT 5.xxx, 9.xxx, 14.xxx: float64 (scaled or float)
//   - DPT 6, 7, 8, 12, 13, 17: int64
//   - DPT 16.xxx: string
//   - DPT 18.001: SceneControl
//   - DPT 232.600: RGB
//
// # knxd framing
//
// Telegram, EncodeKNXDMessage and ParseKNXDMessage implement the group
// socket framing of the knxd daemon (EIB_OPEN_GROUPCON).
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - KNX Specification: https://www.knx.org
//   - knxd daemon: https://github.com/knxd/knxd
package knx
