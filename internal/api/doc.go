// Package api implements the HTTP REST API and WebSocket server for the
// Venus bridge.
//
// This package provides:
//   - REST endpoints for snapshots, refreshes and device commands
//   - WebSocket hub streaming snapshot updates
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/metrics
//	GET  /api/v1/devices
//	POST /api/v1/devices/refresh
//	GET  /api/v1/devices/{id}
//	GET  /api/v1/devices/{id}/snapshot
//	GET  /api/v1/devices/{id}/history
//	POST /api/v1/devices/{id}/refresh
//	POST /api/v1/devices/{id}/call
//	POST /api/v1/devices/{id}/mode
//	POST /api/v1/devices/{id}/passive
//	POST /api/v1/devices/{id}/schedule
//	POST /api/v1/devices/{id}/schedules/apply
//	POST /api/v1/devices/{id}/schedules/clear
//	POST /api/v1/devices/{id}/schedules/clear-wholesale
//	GET  /api/v1/discovery
//	POST /api/v1/discovery
//	GET  /api/v1/audit
//	GET  /metrics          Prometheus text format
//	GET  /ws
//
// Device errors map to HTTP statuses: invalid parameters 400, timeouts 504,
// device-side failures 502, missing discovery 503. A device error reply
// carries its own code in rpc_code.
//
// # Graceful Degradation
//
// History and audit are optional. Without them their routes answer 503 and
// everything else keeps working.
package api
