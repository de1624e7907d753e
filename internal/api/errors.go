package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes. Bus errors use the knx codes instead.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeUnauthorized  = "unauthorised"
	ErrCodeInternal      = "internal_error"
	ErrCodeUnavailable   = "unavailable"
	ErrCodeNotConfigured = "not_configured"
)

// statusForCode maps knx error codes onto HTTP statuses.
var statusForCode = map[string]int{
	knx.CodeNotConnected:      http.StatusServiceUnavailable,
	knx.CodeConnectionLost:    http.StatusServiceUnavailable,
	knx.CodeAlreadyConnected:  http.StatusConflict,
	knx.CodeBusy:              http.StatusConflict,
	knx.CodeTimeout:           http.StatusGatewayTimeout,
	knx.CodeCancelled:         http.StatusRequestTimeout,
	knx.CodeDeviceUnreachable: http.StatusBadGateway,
	knx.CodeProtocolError:     http.StatusBadGateway,
	knx.CodeInvalidParameters: http.StatusBadRequest,
	knx.CodeInvalidCommand:    http.StatusBadRequest,
	knx.CodeNotConfigured:     http.StatusUnprocessableEntity,
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBusError writes err with its knx code and the matching status.
func writeBusError(w http.ResponseWriter, err error) {
	code := knx.ErrorCode(err)
	status, ok := statusForCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeError(w, status, code, err.Error())
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
