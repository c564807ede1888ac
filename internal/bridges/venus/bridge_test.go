package venus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/venus-bridge/internal/audit"
	"github.com/nerrad567/venus-bridge/internal/marstek"
)

type recordingAuditor struct {
	mu      sync.Mutex
	entries []*audit.AuditLog
	err     error
}

func (a *recordingAuditor) Create(_ context.Context, log *audit.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return a.err
}

func (a *recordingAuditor) all() []*audit.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*audit.AuditLog, len(a.entries))
	copy(out, a.entries)
	return out
}

type bridgeFixture struct {
	bridge  *Bridge
	client  *MockMQTTClient
	manager *Manager
	device  *fakeDevice
	auditor *recordingAuditor
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	dev := newFakeDevice()
	dev.reply(marstek.MethodGetStatus, statusResult(64))

	m := NewManager(nil, 0)
	if err := m.Add(newTestCoordinator(t, "venus-1", dev)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	client := NewMockMQTTClient()
	auditor := &recordingAuditor{}
	b, err := NewBridge(BridgeOptions{
		BridgeID:       "venus-bridge-01",
		Version:        "test",
		Manager:        m,
		MQTTClient:     client,
		HealthInterval: time.Hour,
		Auditor:        auditor,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	return &bridgeFixture{bridge: b, client: client, manager: m, device: dev, auditor: auditor}
}

func (f *bridgeFixture) send(t *testing.T, topic string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.client.SimulateMessage(topic, payload); err != nil {
		t.Fatalf("SimulateMessage(%s) error = %v", topic, err)
	}
}

func (f *bridgeFixture) waitAck(t *testing.T, deviceID string) AckMessage {
	t.Helper()
	topic := "venus/ack/" + deviceID
	waitFor(t, "ack on "+topic, func() bool {
		return len(f.client.PublishedTo(topic)) > 0
	})
	var ack AckMessage
	if err := json.Unmarshal(f.client.PublishedTo(topic)[0].Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func (f *bridgeFixture) waitResponse(t *testing.T, requestID string) ResponseMessage {
	t.Helper()
	topic := "venus/response/" + requestID
	waitFor(t, "response on "+topic, func() bool {
		return len(f.client.PublishedTo(topic)) > 0
	})
	var resp ResponseMessage
	if err := json.Unmarshal(f.client.PublishedTo(topic)[0].Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestNewBridge_Validation(t *testing.T) {
	if _, err := NewBridge(BridgeOptions{MQTTClient: NewMockMQTTClient()}); err == nil {
		t.Error("NewBridge() without manager should fail")
	}
	if _, err := NewBridge(BridgeOptions{Manager: NewManager(nil, 0)}); err == nil {
		t.Error("NewBridge() without MQTT client should fail")
	}
}

func TestBridge_StartSubscribes(t *testing.T) {
	f := newBridgeFixture(t)

	subs := f.client.GetSubscriptions()
	topics := map[string]bool{}
	for _, s := range subs {
		topics[s.Topic] = true
	}
	if !topics["venus/command/+"] || !topics["venus/request/+"] {
		t.Errorf("subscriptions = %+v", subs)
	}
	if len(f.client.PublishedTo("venus/health")) == 0 {
		t.Error("no starting health published")
	}
}

func TestBridge_CommandAcknowledged(t *testing.T) {
	f := newBridgeFixture(t)

	f.send(t, "venus/command/venus-1", map[string]any{
		"id":         "cmd-1",
		"command":    CommandSetPassive,
		"parameters": map[string]any{"power": -400, "cd_time": 3600},
	})

	ack := f.waitAck(t, "venus-1")
	if ack.CommandID != "cmd-1" || ack.Status != AckCompleted || ack.Error != nil {
		t.Errorf("ack = %+v", ack)
	}

	calls := f.device.callsTo(marstek.MethodSetPassive)
	if len(calls) != 1 || calls[0].Params["power"] != -400 {
		t.Errorf("set passive calls = %+v", calls)
	}

	waitFor(t, "audit entry", func() bool { return len(f.auditor.all()) == 1 })
	entry := f.auditor.all()[0]
	if entry.Action != CommandSetPassive || entry.EntityID != "venus-1" || entry.Source != "mqtt" {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestBridge_CommandPartialClear(t *testing.T) {
	f := newBridgeFixture(t)
	f.device.on(marstek.MethodSetSchedule, func(p map[string]any) (marstek.Result, error) {
		if p["time_num"] == 3 {
			return nil, marstek.ErrTimeout
		}
		return marstek.Result{"set_result": true}, nil
	})

	f.send(t, "venus/command/venus-1", map[string]any{"id": "cmd-2", "command": CommandClearSchedules})

	ack := f.waitAck(t, "venus-1")
	if ack.Status != AckPartial {
		t.Fatalf("ack status = %q, want partial", ack.Status)
	}
	res, _ := ack.Result.(map[string]any)
	if res["succeeded"] != float64(9) || res["total"] != float64(10) {
		t.Errorf("ack result = %v", ack.Result)
	}
	failed, _ := res["failed_slots"].([]any)
	if len(failed) != 1 || failed[0] != float64(3) {
		t.Errorf("failed_slots = %v", res["failed_slots"])
	}
}

func TestBridge_CommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		payload  any
		setup    func(*fakeDevice)
		deviceID string
		wantCode string
		wantRPC  *int
	}{
		{
			name:     "unknown device",
			topic:    "venus/command/venus-9",
			payload:  map[string]any{"id": "c", "command": CommandSetMode, "parameters": map[string]any{"mode": "Auto"}},
			deviceID: "venus-9",
			wantCode: ErrCodeNotConfigured,
		},
		{
			name:     "unknown command",
			topic:    "venus/command/venus-1",
			payload:  map[string]any{"id": "c", "command": "warp"},
			deviceID: "venus-1",
			wantCode: ErrCodeInvalidCommand,
		},
		{
			name:     "invalid mode",
			topic:    "venus/command/venus-1",
			payload:  map[string]any{"id": "c", "command": CommandSetMode, "parameters": map[string]any{"mode": "Turbo"}},
			deviceID: "venus-1",
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:    "device error",
			topic:   "venus/command/venus-1",
			payload: map[string]any{"id": "c", "command": CommandSetMode, "parameters": map[string]any{"mode": "AI"}},
			setup: func(d *fakeDevice) {
				d.fail(marstek.MethodSetMode, &marstek.RPCError{Code: -32601, Message: "Method not found"})
			},
			deviceID: "venus-1",
			wantCode: ErrCodeDeviceError,
			wantRPC:  func() *int { v := -32601; return &v }(),
		},
		{
			name:     "device timeout",
			topic:    "venus/command/venus-1",
			payload:  map[string]any{"id": "c", "command": CommandClearWholesale},
			setup:    func(d *fakeDevice) { d.fail(marstek.MethodSetMode, marstek.ErrTimeout) },
			deviceID: "venus-1",
			wantCode: ErrCodeTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			if tt.setup != nil {
				tt.setup(f.device)
			}

			f.send(t, tt.topic, tt.payload)
			ack := f.waitAck(t, tt.deviceID)

			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Fatalf("ack = %+v, want code %s", ack, tt.wantCode)
			}
			if tt.wantRPC != nil && (ack.Error.RPCCode == nil || *ack.Error.RPCCode != *tt.wantRPC) {
				t.Errorf("RPCCode = %v, want %d", ack.Error.RPCCode, *tt.wantRPC)
			}
		})
	}
}

func TestBridge_InvalidCommandPayload(t *testing.T) {
	f := newBridgeFixture(t)

	if err := f.client.SimulateMessage("venus/command/venus-1", []byte("{not json")); err != nil {
		t.Fatalf("SimulateMessage() error = %v", err)
	}
	ack := f.waitAck(t, "venus-1")
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidParameters {
		t.Errorf("ack = %+v", ack)
	}
}

func TestBridge_RejectsMalformedTopics(t *testing.T) {
	f := newBridgeFixture(t)

	for _, topic := range []string{"other/command/x", "venus/command", "venus/bogus/x"} {
		if err := f.bridge.handleMQTTMessage(topic, []byte("{}")); err == nil {
			t.Errorf("handleMQTTMessage(%q) should fail", topic)
		}
	}
}

func TestBridge_Requests(t *testing.T) {
	f := newBridgeFixture(t)
	f.device.reply(marstek.MethodGetDevice, marstek.Result{"device": "VenusE"})
	f.device.fail(marstek.MethodWifiStatus, &marstek.RPCError{Code: -32603, Message: "Internal error"})

	tests := []struct {
		name        string
		req         RequestMessage
		wantSuccess bool
		wantCode    string
		check       func(t *testing.T, resp ResponseMessage)
	}{
		{
			name:        "refresh status",
			req:         RequestMessage{Action: ActionRefresh, DeviceID: "venus-1"},
			wantSuccess: true,
			check: func(t *testing.T, resp ResponseMessage) {
				result, _ := resp.Data["result"].(map[string]any)
				if result["bat_soc"] != float64(64) {
					t.Errorf("result = %v", resp.Data["result"])
				}
			},
		},
		{
			name:        "get snapshot",
			req:         RequestMessage{Action: ActionGetSnapshot, DeviceID: "venus-1"},
			wantSuccess: true,
			check: func(t *testing.T, resp ResponseMessage) {
				snap, _ := resp.Data["snapshot"].(map[string]any)
				if snap["device_id"] != "venus-1" {
					t.Errorf("snapshot = %v", resp.Data["snapshot"])
				}
			},
		},
		{
			name: "call device info",
			req: RequestMessage{Action: ActionCall, DeviceID: "venus-1",
				Parameters: map[string]any{"endpoint": "device_info"}},
			wantSuccess: true,
		},
		{
			name: "call with device error",
			req: RequestMessage{Action: ActionCall, DeviceID: "venus-1",
				Parameters: map[string]any{"endpoint": "wifi"}},
			wantCode: ErrCodeDeviceError,
			check: func(t *testing.T, resp ResponseMessage) {
				if resp.Error.Details["rpc_code"] != float64(-32603) {
					t.Errorf("details = %v", resp.Error.Details)
				}
			},
		},
		{
			name:        "refresh all",
			req:         RequestMessage{Action: ActionRefreshAll},
			wantSuccess: true,
			check: func(t *testing.T, resp ResponseMessage) {
				if resp.Data["failed"] != float64(0) {
					t.Errorf("failed = %v", resp.Data["failed"])
				}
			},
		},
		{
			name:     "missing device",
			req:      RequestMessage{Action: ActionRefresh},
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "unknown device",
			req:      RequestMessage{Action: ActionGetSnapshot, DeviceID: "venus-9"},
			wantCode: ErrCodeNotConfigured,
		},
		{
			name:     "discover without scanner",
			req:      RequestMessage{Action: ActionDiscover},
			wantCode: ErrCodeNotConfigured,
		},
		{
			name:     "unknown action",
			req:      RequestMessage{Action: "dance"},
			wantCode: ErrCodeInvalidCommand,
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "req-" + string(rune('a'+i))
			tt.req.RequestID = id
			f.send(t, "venus/request/"+id, tt.req)

			resp := f.waitResponse(t, id)
			if resp.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (error %+v)", resp.Success, tt.wantSuccess, resp.Error)
			}
			if tt.wantCode != "" && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Fatalf("error = %+v, want code %s", resp.Error, tt.wantCode)
			}
			if tt.check != nil {
				tt.check(t, resp)
			}
		})
	}
}

func TestBridge_PublishesStateAndEvents(t *testing.T) {
	f := newBridgeFixture(t)
	c, _ := f.manager.Get("venus-1")

	if err := c.RefreshStatus(context.Background()); err != nil {
		t.Fatalf("RefreshStatus() error = %v", err)
	}

	states := f.client.PublishedTo("venus/state/venus-1/status")
	if len(states) != 1 {
		t.Fatalf("got %d state messages, want 1", len(states))
	}
	if !states[0].Retained {
		t.Error("state messages should be retained")
	}
	var state StateMessage
	if err := json.Unmarshal(states[0].Payload, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Stale || state.State["bat_soc"] != float64(64) {
		t.Errorf("state = %+v", state)
	}

	f.device.fail(marstek.MethodGetStatus, marstek.ErrTimeout)
	_ = c.RefreshStatus(context.Background())

	events := f.client.PublishedTo("venus/event/venus-1")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	var ev EventMessage
	if err := json.Unmarshal(events[0].Payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != EventUpdateFailed || ev.Error == "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestBridge_StopPublishesStopping(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.Stop()

	msgs := f.client.PublishedTo("venus/health")
	var last HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health status = %q, want stopping", last.Status)
	}

	f.send(t, "venus/command/venus-1", map[string]any{"id": "late", "command": CommandClearWholesale})
	ack := f.waitAck(t, "venus-1")
	if ack.Error == nil || ack.Error.Code != ErrCodeBridgeError {
		t.Errorf("ack after stop = %+v", ack)
	}
}
