package venus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		fresh      []bool
		wantStatus HealthStatus
	}{
		{"mqtt down", false, []bool{true}, HealthDegraded},
		{"no devices", true, nil, HealthHealthy},
		{"all fresh", true, []bool{true, true}, HealthHealthy},
		{"some stale", true, []bool{true, false}, HealthDegraded},
		{"all stale", true, []bool{false, false}, HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockMQTTClient()
			client.SetConnected(tt.connected)

			m := NewManager(nil, 0)
			for i, fresh := range tt.fresh {
				dev := newFakeDevice()
				if !fresh {
					dev.fail(marstek.MethodGetStatus, marstek.ErrTimeout)
				}
				c := newTestCoordinator(t, string(rune('a'+i)), dev)
				_ = c.RefreshStatus(context.Background())
				_ = m.Add(c)
			}

			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "venus-bridge-01",
				Topic:     "venus/health",
				Publisher: client,
				Manager:   m,
			})

			msg := h.Build()
			if msg.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q (reason %q)", msg.Status, tt.wantStatus, msg.Reason)
			}
			if msg.DevicesManaged != len(tt.fresh) {
				t.Errorf("DevicesManaged = %d, want %d", msg.DevicesManaged, len(tt.fresh))
			}
			for i, d := range msg.Devices {
				if d.Reachable != tt.fresh[i] {
					t.Errorf("device %s Reachable = %v", d.DeviceID, d.Reachable)
				}
				if !d.Reachable && (d.LastError == "" || d.UpdateFailures != 1) {
					t.Errorf("stale device health = %+v", d)
				}
			}
		})
	}
}

func TestHealthReporter_PublishLifecycle(t *testing.T) {
	client := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "venus-bridge-01",
		Version:   "1.2.3",
		Topic:     "venus/health",
		Interval:  time.Hour,
		Publisher: client,
		Manager:   NewManager(nil, 0),
	})

	if err := h.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}
	h.Start(context.Background())
	waitFor(t, "initial health", func() bool {
		return len(client.PublishedTo("venus/health")) >= 2
	})
	h.Stop()
	h.Stop()

	msgs := client.PublishedTo("venus/health")
	want := []HealthStatus{HealthStarting, HealthHealthy, HealthStopping}
	if len(msgs) != len(want) {
		t.Fatalf("got %d health messages, want %d", len(msgs), len(want))
	}
	for i, p := range msgs {
		var msg HealthMessage
		if err := json.Unmarshal(p.Payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Status != want[i] {
			t.Errorf("message %d status = %q, want %q", i, msg.Status, want[i])
		}
		if !p.Retained || p.QoS != 1 {
			t.Errorf("message %d qos=%d retained=%v, want 1/true", i, p.QoS, p.Retained)
		}
		if msg.Version != "1.2.3" {
			t.Errorf("Version = %q", msg.Version)
		}
	}
}

func TestHealthReporter_LWTPayload(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "venus-bridge-01"})

	payload, err := h.GetLWTPayload()
	if err != nil {
		t.Fatalf("GetLWTPayload() error = %v", err)
	}
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != HealthOffline || msg.Bridge != "venus-bridge-01" {
		t.Errorf("LWT = %+v", msg)
	}
}
