package mqtt

import "fmt"

// DefaultTopicPrefix is the root of every bridge topic when the config
// leaves mqtt.topic_prefix empty.
const DefaultTopicPrefix = "venus"

// Topics provides builders for bridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// All topics use the flat scheme {prefix}/{category}/{id}:
//
//	topics := mqtt.NewTopics("venus")
//	stateTopic := topics.State("venus-1", "status")
//	// Returns: "venus/state/venus-1/status"
type Topics struct {
	Prefix string
}

// NewTopics returns topic builders rooted at prefix.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// =============================================================================
// Device Topics
// =============================================================================

// State returns the retained topic carrying one endpoint slice of a device
// snapshot.
//
// Example: venus/state/venus-1/status
func (t Topics) State(deviceID, endpoint string) string {
	return fmt.Sprintf("%s/state/%s/%s", t.prefix(), deviceID, endpoint)
}

// Command returns the topic for commands to a device.
//
// Example: venus/command/venus-1
func (t Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", t.prefix(), deviceID)
}

// Ack returns the topic for command acknowledgements.
//
// Example: venus/ack/venus-1
func (t Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", t.prefix(), deviceID)
}

// Event returns the topic for device events such as failed updates.
//
// Example: venus/event/venus-1
func (t Topics) Event(deviceID string) string {
	return fmt.Sprintf("%s/event/%s", t.prefix(), deviceID)
}

// =============================================================================
// Request/Response Topics
// =============================================================================

// Request returns the topic for a request to the bridge.
//
// Example: venus/request/req-abc123
func (t Topics) Request(requestID string) string {
	return fmt.Sprintf("%s/request/%s", t.prefix(), requestID)
}

// Response returns the topic for the response to a request.
//
// Example: venus/response/req-abc123
func (t Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s", t.prefix(), requestID)
}

// =============================================================================
// Bridge Topics
// =============================================================================

// Health returns the retained bridge health topic.
//
// Example: venus/health
func (t Topics) Health() string {
	return t.prefix() + "/health"
}

// Discovery returns the topic for discovery results.
//
// Example: venus/discovery
func (t Topics) Discovery() string {
	return t.prefix() + "/discovery"
}

// SystemStatus returns the topic for client online/offline status.
//
// Example: venus/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// AllCommands returns a pattern matching commands for every device.
//
// Example: venus/command/+
func (t Topics) AllCommands() string {
	return t.prefix() + "/command/+"
}

// AllRequests returns a pattern matching every request.
//
// Example: venus/request/+
func (t Topics) AllRequests() string {
	return t.prefix() + "/request/+"
}

// AllStates returns a pattern matching every endpoint of every device.
//
// Example: venus/state/+/+
func (t Topics) AllStates() string {
	return t.prefix() + "/state/+/+"
}

// AllTopics returns a pattern matching all bridge topics.
// Use with caution - high message volume.
//
// Example: venus/#
func (t Topics) AllTopics() string {
	return t.prefix() + "/#"
}
