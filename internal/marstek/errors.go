package marstek

import (
	"errors"
	"fmt"
)

// Domain errors for the marstek package.
var (
	// ErrDecode is returned when a datagram is not valid UTF-8 JSON or does
	// not carry a "result" or "error" member.
	ErrDecode = errors.New("marstek: malformed response")

	// ErrTimeout is returned when no matching reply arrived within any attempt.
	ErrTimeout = errors.New("marstek: request timed out")

	// ErrSendFailed is returned when a request datagram cannot be written.
	ErrSendFailed = errors.New("marstek: send failed")

	// ErrReceiveFailed is returned when reading from the socket fails for a
	// reason other than a deadline.
	ErrReceiveFailed = errors.New("marstek: receive failed")

	// ErrInvalidAddress is returned when the device address cannot be resolved.
	ErrInvalidAddress = errors.New("marstek: invalid device address")

	// ErrUnknownEndpoint is returned for an endpoint name the facade does not know.
	ErrUnknownEndpoint = errors.New("marstek: unknown endpoint")

	// ErrInvalidMode is returned for a mode name outside Auto, AI, Manual, Passive.
	ErrInvalidMode = errors.New("marstek: invalid mode")

	// ErrInvalidSlot is returned when a schedule slot fails validation.
	ErrInvalidSlot = errors.New("marstek: invalid schedule slot")

	// ErrInvalidPower is returned when a power or countdown value is out of range.
	ErrInvalidPower = errors.New("marstek: invalid power setting")

	// ErrRejected is returned when a mutating reply carries set_result false.
	ErrRejected = errors.New("marstek: setting rejected by device")

	// ErrSocket is returned when a UDP socket cannot be opened at all.
	ErrSocket = errors.New("marstek: socket unavailable")
)

// RPCError is the error object a device returns instead of a result.
// It is surfaced unchanged and never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("marstek: device error %d: %s", e.Code, e.Message)
}

// IsRPCError reports whether err wraps a device error object and returns it.
func IsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
