package knx

import "errors"

// Connection lifecycle errors.
var (
	// ErrNotConnected is returned when an operation requires an active bus
	// connection but none is established.
	ErrNotConnected = errors.New("knx: not connected")

	// ErrAlreadyConnected is returned by Connect when the connection is
	// already established.
	ErrAlreadyConnected = errors.New("knx: already connected")

	// ErrBusy is returned when a connect or disconnect is already in flight.
	ErrBusy = errors.New("knx: connection change in progress")

	// ErrTransport wraps a failure reported by the underlying bus transport.
	// The original error remains reachable through errors.Is/As.
	ErrTransport = errors.New("knx: transport error")

	// ErrConnectionLost is returned when the connection dropped while an
	// operation was pending.
	ErrConnectionLost = errors.New("knx: connection lost")
)

// Per-call outcome errors.
var (
	// ErrCancelled is returned when the caller's context was cancelled.
	ErrCancelled = errors.New("knx: operation cancelled")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("knx: operation timed out")
)

// Value and conversion errors.
var (
	// ErrInvalidGroupAddress is returned when a group address string
	// cannot be parsed.
	ErrInvalidGroupAddress = errors.New("knx: invalid group address")

	// ErrInvalidGroupValue is returned when a textual group value cannot be
	// parsed or a bit length is not representable.
	ErrInvalidGroupValue = errors.New("knx: invalid group value")

	// ErrUnknownDatapoint is returned when a datapoint type identifier is
	// not in the catalog.
	ErrUnknownDatapoint = errors.New("knx: unknown datapoint type")

	// ErrOutOfRange is returned by Encode when the typed value cannot be
	// represented in the datapoint's bit width.
	ErrOutOfRange = errors.New("knx: value out of range")

	// ErrMalformedPayload is returned by Decode when the payload length does
	// not match the datapoint's bit width.
	ErrMalformedPayload = errors.New("knx: malformed payload")

	// ErrUnsupportedValue is returned by Encode when the Go type of the
	// value does not fit the datapoint.
	ErrUnsupportedValue = errors.New("knx: unsupported value type")
)

// Wire errors.
var (
	// ErrInvalidTelegram is returned when a received telegram is malformed.
	ErrInvalidTelegram = errors.New("knx: invalid telegram")

	// ErrProtocolDesync is returned when the knxd stream framing can no
	// longer be trusted. The connection must be dropped.
	ErrProtocolDesync = errors.New("knx: protocol desync")
)

// Stable error codes carried in MQTT acks/responses and HTTP error bodies.
const (
	CodeNotConnected      = "NOT_CONNECTED"
	CodeAlreadyConnected  = "ALREADY_CONNECTED"
	CodeBusy              = "BUSY"
	CodeConnectionLost    = "CONNECTION_LOST"
	CodeTimeout           = "TIMEOUT"
	CodeCancelled         = "CANCELLED"
	CodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	CodeInvalidParameters = "INVALID_PARAMETERS"
	CodeInvalidCommand    = "INVALID_COMMAND"
	CodeNotConfigured     = "NOT_CONFIGURED"
	CodeProtocolError     = "PROTOCOL_ERROR"
	CodeInternal          = "BRIDGE_ERROR"
)

// ErrorCode maps an error returned by this module to its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrAlreadyConnected):
		return CodeAlreadyConnected
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrConnectionLost):
		return CodeConnectionLost
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrInvalidTelegram), errors.Is(err, ErrProtocolDesync):
		return CodeProtocolError
	case errors.Is(err, ErrTransport):
		return CodeDeviceUnreachable
	case errors.Is(err, ErrUnknownDatapoint):
		return CodeNotConfigured
	case errors.Is(err, ErrInvalidGroupAddress),
		errors.Is(err, ErrInvalidGroupValue),
		errors.Is(err, ErrOutOfRange),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrUnsupportedValue):
		return CodeInvalidParameters
	default:
		return CodeInternal
	}
}
