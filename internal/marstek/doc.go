// Package marstek implements the local UDP JSON-RPC dialect spoken by
// Marstek Venus E battery inverters.
//
// The package is split into four layers, leaf first:
//
//   - Codec: builds and parses the request/response envelope (Encode, Decode).
//   - Transport: one unconnected UDP socket per attempt, a per-attempt
//     timeout and a bounded retry that resends the same request id (Call,
//     Session).
//   - Discovery: a broadcast probe resent on a fixed cadence for the whole
//     scan window, with replies deduplicated by source address (Scanner).
//   - Facade: typed endpoint operations with vendor method names and
//     parameter shapes (Client).
//
// # Wire Format
//
// Requests and replies are single UTF-8 JSON datagrams:
//
//	-> {"id":1,"method":"ES.GetStatus","params":{"id":0}}
//	<- {"id":1,"result":{"bat_soc":87,"pv_power":420}}
//	<- {"id":1,"error":{"code":-32601,"message":"Method not found"}}
//
// Result maps are passed through opaquely. The field set varies by endpoint
// and firmware version, so callers read values with the typed accessors on
// Result rather than a fixed schema.
//
// # Errors
//
//   - ErrDecode: the datagram was not valid UTF-8 JSON or carried neither
//     "result" nor "error". Never retried.
//   - ErrTimeout: every attempt ran out of time.
//   - *RPCError: the device answered with an error object. Never retried.
//
// # Schedules
//
// The device stores up to ten schedule slots and offers no way to read them
// back. Anything written with SetSchedule is therefore write-only from the
// host's point of view.
//
// # Thread Safety
//
// Session, Scanner and Client are safe for concurrent use. Each call owns
// its socket exclusively.
package marstek
