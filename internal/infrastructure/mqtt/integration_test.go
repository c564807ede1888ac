//go:build integration

package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/venus-bridge/internal/infrastructure/config"
)

// These tests need a broker at 127.0.0.1:1883.
//
//	go test -tags=integration -count=1 ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	cfg.TopicPrefix = "venus-it"
	return cfg
}

func connectOrFail(t *testing.T, clientID string) *Client {
	t.Helper()
	c, err := Connect(integrationConfig(clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

func TestIntegration_StateRoundtrip(t *testing.T) {
	pub := connectOrFail(t, "venus-it-pub")
	sub := connectOrFail(t, "venus-it-sub")

	received := make(chan string, 4)
	err := sub.Subscribe(sub.Topics().AllStates(), 1, func(topic string, _ []byte) error {
		received <- topic
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	topic := pub.Topics().State("venus-1", "battery")
	if err := pub.Publish(topic, []byte(`{"soc":64}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != topic {
			t.Errorf("topic = %q, want %q", got, topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if st := sub.Stats(); st.Received < 1 || st.Subscriptions != 1 {
		t.Errorf("subscriber Stats() = %+v", st)
	}
	if st := pub.Stats(); st.Published != 1 {
		t.Errorf("publisher Stats() = %+v", st)
	}
}

func TestIntegration_OnlineStatusRetained(t *testing.T) {
	connectOrFail(t, "venus-it-bridge")
	watcher := connectOrFail(t, "venus-it-watcher")

	statuses := make(chan StatusMessage, 4)
	err := watcher.Subscribe(watcher.Topics().SystemStatus(), 1, func(_ string, payload []byte) error {
		var msg StatusMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		statuses <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-statuses:
			if msg.Status == StatusOnline {
				return
			}
		case <-deadline:
			t.Fatal("no online status seen")
		}
	}
}
