package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize        = 256
	defaultWSMaxMessageSize = 8192
)

// Event channels clients can subscribe to.
const (
	// ChannelSnapshot carries every published snapshot.
	ChannelSnapshot = "device.snapshot"

	// ChannelUpdateFailed carries the update-failed signal of a periodic
	// status refresh.
	ChannelUpdateFailed = "device.update_failed"
)

// SnapshotEvent is the payload of both event channels.
type SnapshotEvent struct {
	DeviceID string           `json:"device_id"`
	Endpoint marstek.Endpoint `json:"endpoint,omitempty"`
	Error    string           `json:"error,omitempty"`
	Snapshot *venus.Snapshot  `json:"snapshot"`
}

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, devices. An empty
// Devices list on subscribe means every device. On unsubscribe, Devices is
// ignored and the channels are dropped entirely.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	clients map[*wsConn]struct{}
	mu      sync.RWMutex

	dropped atomic.Uint64
}

// wsConn is one connected client. subscriptions maps a channel to its
// device filter; a nil filter accepts every device.
type wsConn struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subscriptions map[string]map[string]struct{}
	mu            sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsConn]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// unregister removes a client. Only the caller that actually removes it
// closes the send channel, so shutdown and a disconnecting reader cannot
// both close it.
func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends an event for deviceID to every client subscribed to
// channel whose device filter admits it.
func (h *Hub) Broadcast(channel, deviceID string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Copy the client list so no client lock is taken under the hub lock.
	h.mu.RLock()
	clients := make([]*wsConn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.wants(channel, deviceID) {
			c.trySend(data)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "device", deviceID, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded because a client's send
// buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// broadcastUpdate relays a coordinator update to WebSocket clients. It is
// registered as a venus.Listener and never blocks.
func (s *Server) broadcastUpdate(u venus.Update) {
	event := SnapshotEvent{
		DeviceID: u.DeviceID,
		Endpoint: u.Endpoint,
		Snapshot: u.Snapshot,
	}
	if u.Failed() {
		event.Error = u.Err.Error()
		s.hub.Broadcast(ChannelUpdateFailed, u.DeviceID, event)
	}
	s.hub.Broadcast(ChannelSnapshot, u.DeviceID, event)
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]map[string]struct{}),
	}
	s.hub.register(c)

	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

// wsTimings returns the ping interval and pong wait, defaulting to 30s and 10s.
func wsTimings(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping = time.Duration(cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pong = time.Duration(cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return ping, pong
}

func (c *wsConn) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultWSMaxMessageSize
	}
	c.conn.SetReadLimit(int64(maxSize))

	pingInterval, pongWait := wsTimings(cfg)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	}
	extend() //nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Application pings count as liveness too; some browsers never
		// answer protocol pings.
		extend() //nolint:errcheck // Best-effort deadline reset
		c.handleMessage(message)
	}
}

func (c *wsConn) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // Best-effort deadline; write error caught by caller
		c.conn.SetWriteDeadline(time.Now().Add(pongWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // Best-effort close message
				return
			}
			if err := write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		sub, ok := decodeSubscription(msg.Payload)
		if !ok || len(sub.Channels) == 0 {
			c.sendError(msg.ID, "invalid "+msg.Type+" payload: channels required")
			return
		}
		if msg.Type == WSTypeSubscribe {
			c.subscribe(sub)
			c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
				"subscribed": sub.Channels,
				"devices":    sub.Devices,
			})
			return
		}
		c.unsubscribe(sub.Channels)
		c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodeSubscription re-decodes the generic payload into its typed form.
func decodeSubscription(payload any) (WSSubscribePayload, bool) {
	var sub WSSubscribePayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return sub, false
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, false
	}
	return sub, true
}

// subscribe adds channels. Subscribing again to a channel replaces its
// device filter.
func (c *wsConn) subscribe(sub WSSubscribePayload) {
	var filter map[string]struct{}
	if len(sub.Devices) > 0 {
		filter = make(map[string]struct{}, len(sub.Devices))
		for _, id := range sub.Devices {
			filter[id] = struct{}{}
		}
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.subscriptions[ch] = filter
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed", "channels", sub.Channels, "devices", sub.Devices)
}

func (c *wsConn) unsubscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
	c.mu.Unlock()
}

func (c *wsConn) wants(channel, deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	filter, ok := c.subscriptions[channel]
	if !ok {
		return false
	}
	if filter == nil {
		return true
	}
	_, ok = filter[deviceID]
	return ok
}

// trySend queues data without blocking. A full buffer drops the message;
// a channel closed by a concurrent disconnect is absorbed.
func (c *wsConn) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.hub.dropped.Add(1)
	}
}

func (c *wsConn) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *wsConn) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
