package marstek

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// Request is one JSON-RPC call. Params is omitted from the wire form when
// it is nil or empty; the firmware rejects an explicit empty object on some
// methods.
type Request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is a decoded reply. Exactly one of Result and Error is set.
type Response struct {
	ID     int64
	Result Result
	Error  *RPCError

	hasID bool
}

// Matches reports whether the reply answers the request with the given id.
// A reply without a numeric id matches nothing.
func (r *Response) Matches(id int64) bool {
	return r.hasID && r.ID == id
}

// HasResult reports whether the reply carried a "result" member.
func (r *Response) HasResult() bool {
	return r.Error == nil && r.Result != nil
}

// Encode serialises a request to its UTF-8 JSON wire form.
//
// Parameters:
//   - req: The request to encode
//
// Returns:
//   - []byte: The datagram payload
//   - error: If a params value cannot be marshalled
func Encode(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Method, err)
	}
	return data, nil
}

// Decode parses a reply datagram.
//
// The only shape checks are: valid UTF-8, a JSON object, and the presence
// of "result" or "error". An "error" member that is null counts as absent.
// When both are present the error wins. A null result decodes to an empty
// Result. Everything inside "result" is passed through untouched.
//
// Returns an error wrapping ErrDecode on any failure.
func Decode(data []byte) (*Response, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	resultRaw, hasResult := raw["result"]
	errorRaw, hasError := raw["error"]
	if hasError && isNull(errorRaw) {
		hasError = false
	}
	if !hasResult && !hasError {
		return nil, fmt.Errorf("%w: neither result nor error present", ErrDecode)
	}

	resp := &Response{}
	if idRaw, ok := raw["id"]; ok {
		resp.ID, resp.hasID = decodeID(idRaw)
	}

	if hasError {
		resp.Error = decodeRPCError(errorRaw)
		return resp, nil
	}

	var result map[string]any
	if err := json.Unmarshal(resultRaw, &result); err != nil {
		return nil, fmt.Errorf("%w: result is not an object: %w", ErrDecode, err)
	}
	if result == nil {
		result = make(map[string]any)
	}
	resp.Result = result

	return resp, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// decodeID accepts integral JSON numbers only.
func decodeID(raw json.RawMessage) (int64, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// decodeRPCError tolerates firmware that sends a bare string or number as
// the error member.
func decodeRPCError(raw json.RawMessage) *RPCError {
	var rpcErr RPCError
	if err := json.Unmarshal(raw, &rpcErr); err == nil {
		return &rpcErr
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &RPCError{Message: s}
	}

	return &RPCError{Message: string(raw)}
}

// Result is the opaque result object of a reply.
type Result map[string]any

// Float returns a numeric field as float64.
// Numeric strings are accepted because some firmware builds quote numbers.
func (r Result) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns a numeric field truncated to int64.
func (r Result) Int(key string) (int64, bool) {
	f, ok := r.Float(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// String returns a string field.
func (r Result) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// Bool returns a boolean field. The device reports flags as either JSON
// booleans or 0/1 numbers.
func (r Result) Bool(key string) (bool, bool) {
	switch v := r[key].(type) {
	case bool:
		return v, true
	case nil:
		return false, false
	default:
		f, ok := r.Float(key)
		if !ok {
			return false, false
		}
		return f != 0, true
	}
}

// Map returns a nested object field.
func (r Result) Map(key string) (Result, bool) {
	m, ok := r[key].(map[string]any)
	if !ok {
		return nil, false
	}
	return Result(m), true
}

// Clone returns a shallow copy of the result.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
