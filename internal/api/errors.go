package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// RPCCode is the device's own error code when the device rejected the call.
	RPCCode *int `json:"rpc_code,omitempty"`

	// Details carries partial results, such as a bulk schedule outcome.
	Details any `json:"details,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "service_unavailable"
)

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

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="venusbridge"`)
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDeviceError maps a device-layer error onto an HTTP status and writes
// it. details may be nil.
func writeDeviceError(w http.ResponseWriter, err error, details any) {
	code := venus.ErrorCode(err)
	status := httpStatusFor(code)
	writeJSON(w, status, Error{
		Status:  status,
		Code:    strings.ToLower(code),
		Message: err.Error(),
		RPCCode: venus.RPCCode(err),
		Details: details,
	})
}

// httpStatusFor maps a venus error code to an HTTP status.
func httpStatusFor(code string) int {
	switch code {
	case venus.ErrCodeInvalidParameters, venus.ErrCodeInvalidCommand:
		return http.StatusBadRequest
	case venus.ErrCodeNotConfigured:
		return http.StatusServiceUnavailable
	case venus.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case venus.ErrCodeDeviceUnreachable,
		venus.ErrCodeDeviceError,
		venus.ErrCodeRejected,
		venus.ErrCodeProtocolError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
