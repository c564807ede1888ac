package venus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// MQTT message types exchanged between the bridge and its consumers.

// CommandMessage asks the bridge to change a device.
// Topic: {prefix}/command/{device_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is taken from the topic when the payload omits it.
	DeviceID string `json:"device_id"`

	// Command is the command name (e.g., "set_mode", "clear_schedules").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"mode": "Auto"} for set_mode
	//   {"power": -400, "cd_time": 3600} for set_passive
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("mqtt", "api", "cli").
	Source string `json:"source"`
}

// Command names accepted on the command topic.
const (
	CommandSetMode        = "set_mode"
	CommandSetSchedule    = "set_schedule"
	CommandSetPassive     = "set_passive"
	CommandClearSchedules = "clear_schedules"
	CommandApplySchedules = "apply_schedules"
	CommandClearWholesale = "clear_schedules_wholesale"
	CommandRefresh        = "refresh"
)

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckCompleted indicates the device accepted the command.
	AckCompleted AckStatus = "completed"

	// AckPartial indicates a multi-slot write where some slots failed.
	AckPartial AckStatus = "partial"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: {prefix}/ack/{device_id}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	DeviceID string    `json:"device_id"`
	Command  string    `json:"command"`
	Status   AckStatus `json:"status"`

	// Result is the device's reply, or a BulkResult for multi-slot writes.
	Result any `json:"result,omitempty"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE", "INVALID_COMMAND").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// RPCCode is the device's own error code when it answered with one.
	RPCCode *int `json:"rpc_code,omitempty"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeDeviceError       = "DEVICE_ERROR"
	ErrCodeRejected          = "REJECTED"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries one endpoint slice of a device snapshot.
// Topic: {prefix}/state/{device_id}/{endpoint}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string           `json:"device_id"`
	Endpoint  marstek.Endpoint `json:"endpoint"`
	Timestamp time.Time        `json:"timestamp"`
	State     marstek.Result   `json:"state"`

	// Stale is true while the last periodic refresh has failed.
	Stale bool `json:"stale"`
}

// EventMessage reports something that happened to a device.
// Topic: {prefix}/event/{device_id}
type EventMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EventUpdateFailed is published when a periodic status refresh fails.
const EventUpdateFailed = "update_failed"

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates every device answered its last refresh.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates MQTT is down or some devices are stale.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates no device is answering.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge operational status.
// Topic: {prefix}/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Devices reports per-device reachability.
	Devices []DeviceHealth `json:"devices,omitempty"`

	// DevicesManaged is the number of configured devices.
	DevicesManaged int `json:"devices_managed"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// DeviceHealth is one device's entry in a HealthMessage.
type DeviceHealth struct {
	DeviceID       string     `json:"device_id"`
	Reachable      bool       `json:"reachable"`
	LastUpdate     *time.Time `json:"last_update,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	UpdateFailures uint64     `json:"update_failures"`
}

// RequestMessage asks the bridge for data.
// Topic: {prefix}/request/{request_id}
type RequestMessage struct {
	// RequestID uniquely identifies this request for correlation.
	RequestID string `json:"request_id"`

	// Timestamp is when the request was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation.
	// Values: "get_snapshot", "refresh", "refresh_all", "call", "discover"
	Action string `json:"action"`

	// DeviceID is the target device (for device-specific actions).
	DeviceID string `json:"device_id,omitempty"`

	// Parameters contains action-specific values.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Request actions.
const (
	ActionGetSnapshot = "get_snapshot"
	ActionRefresh     = "refresh"
	ActionRefreshAll  = "refresh_all"
	ActionCall        = "call"
	ActionDiscover    = "discover"
)

// ResponseMessage answers a request.
// Topic: {prefix}/response/{request_id}
type ResponseMessage struct {
	// RequestID is the ID from the original request.
	RequestID string `json:"request_id"`

	// Timestamp is when the response was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Success indicates whether the request succeeded.
	Success bool `json:"success"`

	// Data contains the response payload (if successful).
	Data map[string]any `json:"data,omitempty"`

	// Error contains error details (if failed).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// DiscoveryMessage announces the devices found by a scan.
// Topic: {prefix}/discovery
type DiscoveryMessage struct {
	Timestamp time.Time                  `json:"timestamp"`
	Bridge    string                     `json:"bridge"`
	Devices   []marstek.DiscoveredDevice `json:"devices"`
}

// UnmarshalJSON accepts an RFC3339 timestamp or none at all.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment for a command that reached the
// device.
func NewAckMessage(cmd CommandMessage, status AckStatus, result any) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Status:    status,
		Result:    result,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Status:    status,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewStateMessage creates a state message for one snapshot slice.
func NewStateMessage(s *Snapshot, ep marstek.Endpoint) StateMessage {
	d := s.Endpoints[ep]
	return StateMessage{
		DeviceID:  s.DeviceID,
		Endpoint:  ep,
		Timestamp: d.UpdatedAt,
		State:     d.Result,
		Stale:     s.Stale(),
	}
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
// This message is published by the broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

func errorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

func successResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}
