package venus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/venus-bridge/internal/audit"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// Bridge operation constants.
const (
	// commandTimeout bounds a whole command including the follow-up refresh.
	// A full clear makes ten device calls, each with its own retries.
	commandTimeout = 5 * time.Minute

	// requestTimeout bounds request handling other than discovery.
	requestTimeout = time.Minute
)

// Bridge connects device coordinators to MQTT. It handles:
//   - Publishing snapshot slices as retained state messages
//   - Publishing update-failed events
//   - Receiving commands and acknowledging them
//   - Answering requests (snapshot, refresh, raw call, discovery)
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id      string
	mqtt    MQTTClient
	topics  mqtt.Topics
	manager *Manager
	health  *HealthReporter
	auditor Auditor // optional command audit

	unsubscribe func()

	// Shutdown coordination
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// *mqtt.Client satisfies it; tests use a mock.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Auditor records executed commands. It is satisfied by audit.Repository.
type Auditor interface {
	Create(ctx context.Context, log *audit.AuditLog) error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID identifies this bridge in health and discovery messages.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Manager holds the device coordinators.
	Manager *Manager

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Topics builds topic names. The zero value uses the default prefix.
	Topics mqtt.Topics

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// Auditor is optional. If nil, commands are not recorded.
	Auditor Auditor

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("device manager is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:        opts.BridgeID,
		mqtt:      opts.MQTTClient,
		topics:    mqtt.NewTopics(opts.Topics.Prefix),
		manager:   opts.Manager,
		auditor:   opts.Auditor,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Topic:     b.topics.Health(),
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Manager:   opts.Manager,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start subscribes to command and request topics, starts publishing
// snapshot updates and starts health reporting. Device polling is started
// separately on the Manager.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := b.topics.AllCommands()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := b.topics.AllRequests()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.unsubscribe = b.manager.Subscribe(b.handleUpdate)

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.id,
		"devices", b.manager.Len())

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
// Topics are {prefix}/command/{device_id} and {prefix}/request/{request_id}.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, b.topics.Prefix+"/")
	if !ok {
		return fmt.Errorf("topic %s outside prefix", topic)
	}

	kind, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("invalid topic format: %s", topic)
	}

	switch kind {
	case "command":
		b.handleCommand(id, payload)
	case "request":
		b.handleRequest(id, payload)
	default:
		return fmt.Errorf("unknown message type: %s", kind)
	}
	return nil
}

// handleCommand parses a command and runs it in the background. Commands
// can take minutes (a full clear), so the MQTT handler returns at once.
func (b *Bridge) handleCommand(deviceID string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		b.publishAckError(CommandMessage{DeviceID: deviceID}, ErrCodeInvalidParameters,
			fmt.Sprintf("invalid command payload: %v", err), nil)
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = deviceID
	}
	if cmd.Source == "" {
		cmd.Source = "mqtt"
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	coord, err := b.manager.Get(cmd.DeviceID)
	if err != nil {
		b.publishAckError(cmd, ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", cmd.DeviceID), nil)
		return
	}
	if b.ctx.Err() != nil {
		b.publishAckError(cmd, ErrCodeBridgeError, "bridge is stopping", nil)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.executeCommand(coord, cmd)
	}()
}

// executeCommand runs a command and publishes its acknowledgment.
func (b *Bridge) executeCommand(coord *Coordinator, cmd CommandMessage) {
	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	started := time.Now()
	result, status, err := Execute(ctx, coord, cmd.Command, cmd.Parameters)
	b.recordCommand(cmd, status, err, time.Since(started))

	if err != nil {
		b.logError("command execution failed",
			fmt.Errorf("device=%s command=%s: %w", cmd.DeviceID, cmd.Command, err))
		b.publishAckError(cmd, ErrorCode(err), err.Error(), err)
		return
	}
	b.publishAck(cmd, status, result)
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus, result any) {
	b.publishJSON(b.topics.Ack(cmd.DeviceID), NewAckMessage(cmd, status, result), false)
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, code, message string, cause error) {
	ack := NewAckError(cmd, code, message)
	ack.Error.RPCCode = RPCCode(cause)

	b.publishJSON(b.topics.Ack(cmd.DeviceID), ack, false)

	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// recordCommand writes an audit entry when an auditor is configured.
func (b *Bridge) recordCommand(cmd CommandMessage, status AckStatus, cmdErr error, elapsed time.Duration) {
	if b.auditor == nil {
		return
	}

	details := map[string]any{
		"command_id":  cmd.ID,
		"status":      string(status),
		"duration_ms": elapsed.Milliseconds(),
	}
	if len(cmd.Parameters) > 0 {
		details["parameters"] = cmd.Parameters
	}
	if cmdErr != nil {
		details["error"] = cmdErr.Error()
	}

	entry := &audit.AuditLog{
		Action:     cmd.Command,
		EntityType: "device",
		EntityID:   cmd.DeviceID,
		Source:     cmd.Source,
		Details:    details,
	}
	// Audit writes outlive a cancelled command.
	if err := b.auditor.Create(context.WithoutCancel(b.ctx), entry); err != nil {
		b.logDebug("command audit skipped", "device", cmd.DeviceID, "reason", err.Error())
	}
}

// handleRequest processes a request message and publishes the response.
func (b *Bridge) handleRequest(requestID string, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	if b.ctx.Err() != nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		resp := b.answer(req)
		b.publishJSON(b.topics.Response(req.RequestID), resp, false)
	}()
}

func (b *Bridge) answer(req RequestMessage) ResponseMessage {
	switch req.Action {
	case ActionGetSnapshot:
		return b.handleGetSnapshot(req)
	case ActionRefresh:
		return b.handleRefresh(req)
	case ActionRefreshAll:
		return b.handleRefreshAll(req)
	case ActionCall:
		return b.handleCall(req)
	case ActionDiscover:
		return b.handleDiscover(req)
	default:
		return errorResponse(req.RequestID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}
}

func (b *Bridge) deviceFor(req RequestMessage) (*Coordinator, *ResponseMessage) {
	if req.DeviceID == "" {
		resp := errorResponse(req.RequestID, ErrCodeInvalidParameters, "device_id is required")
		return nil, &resp
	}
	coord, err := b.manager.Get(req.DeviceID)
	if err != nil {
		resp := errorResponse(req.RequestID, ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", req.DeviceID))
		return nil, &resp
	}
	return coord, nil
}

func (b *Bridge) handleGetSnapshot(req RequestMessage) ResponseMessage {
	coord, errResp := b.deviceFor(req)
	if errResp != nil {
		return *errResp
	}
	return successResponse(req.RequestID, map[string]any{
		"snapshot": coord.Snapshot(),
	})
}

func (b *Bridge) handleRefresh(req RequestMessage) ResponseMessage {
	coord, errResp := b.deviceFor(req)
	if errResp != nil {
		return *errResp
	}

	var p RefreshParams
	if err := DecodeParams(req.Parameters, &p); err != nil {
		return errorResponse(req.RequestID, ErrCodeInvalidParameters, err.Error())
	}

	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	result, err := coord.RequestRefresh(ctx, p.Endpoint)
	if err != nil {
		return errorResponse(req.RequestID, ErrorCode(err), err.Error())
	}
	return successResponse(req.RequestID, map[string]any{
		"device_id": coord.ID(),
		"result":    result,
	})
}

func (b *Bridge) handleRefreshAll(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	results, err := b.manager.RefreshAll(ctx)

	outcome := make(map[string]any, len(results))
	failed := 0
	for id, rerr := range results {
		if rerr != nil {
			outcome[id] = rerr.Error()
			failed++
			continue
		}
		outcome[id] = "ok"
	}
	data := map[string]any{
		"results": outcome,
		"failed":  failed,
	}

	if err != nil {
		resp := errorResponse(req.RequestID, ErrorCode(err), err.Error())
		resp.Error.Details = data
		return resp
	}
	return successResponse(req.RequestID, data)
}

func (b *Bridge) handleCall(req RequestMessage) ResponseMessage {
	coord, errResp := b.deviceFor(req)
	if errResp != nil {
		return *errResp
	}

	var p CallParams
	if err := DecodeParams(req.Parameters, &p); err != nil {
		return errorResponse(req.RequestID, ErrCodeInvalidParameters, err.Error())
	}

	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	result, err := coord.CallEndpoint(ctx, p.Endpoint, p.Params)
	if err != nil {
		resp := errorResponse(req.RequestID, ErrorCode(err), err.Error())
		if code := RPCCode(err); code != nil {
			resp.Error.Details = map[string]any{"rpc_code": *code}
		}
		return resp
	}
	return successResponse(req.RequestID, map[string]any{
		"device_id": coord.ID(),
		"endpoint":  p.Endpoint,
		"result":    result,
	})
}

func (b *Bridge) handleDiscover(req RequestMessage) ResponseMessage {
	var window time.Duration
	if v, ok := req.Parameters["window_seconds"].(float64); ok && v > 0 {
		window = time.Duration(v * float64(time.Second))
	}

	devices, err := b.manager.Discover(b.ctx, window)
	if err != nil && !errors.Is(err, context.Canceled) {
		return errorResponse(req.RequestID, ErrorCode(err), err.Error())
	}
	b.PublishDiscovery(devices)

	return successResponse(req.RequestID, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// PublishDiscovery announces discovered devices on the discovery topic.
func (b *Bridge) PublishDiscovery(devices []marstek.DiscoveredDevice) {
	if devices == nil {
		devices = []marstek.DiscoveredDevice{}
	}
	b.publishJSON(b.topics.Discovery(), DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    b.id,
		Devices:   devices,
	}, false)
}

// handleUpdate publishes coordinator updates: a retained state message for
// the changed slice, or an event when a periodic refresh failed.
func (b *Bridge) handleUpdate(u Update) {
	if u.Failed() {
		b.publishJSON(b.topics.Event(u.DeviceID), EventMessage{
			DeviceID:  u.DeviceID,
			Timestamp: time.Now().UTC(),
			Type:      EventUpdateFailed,
			Endpoint:  string(u.Endpoint),
			Error:     u.Err.Error(),
		}, false)
		return
	}

	b.publishJSON(b.topics.State(u.DeviceID, string(u.Endpoint)),
		NewStateMessage(u.Snapshot, u.Endpoint), true)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", fmt.Errorf("topic=%s: %w", topic, err))
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish", fmt.Errorf("topic=%s: %w", topic, err))
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
