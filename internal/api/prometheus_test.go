package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

func TestPrometheusMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.devices["venus-2"].fail(marstek.MethodGetStatus, marstek.ErrTimeout)

	for _, id := range []string{"venus-1", "venus-2"} {
		coord, _ := env.manager.Get(id)
		coord.RefreshStatus(context.Background()) //nolint:errcheck // venus-2 is meant to fail
	}

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+env.viewerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	out := string(data)

	want := []string{
		`venus_battery_soc_percent{device="venus-1"} 50`,
		`venus_power_watts{device="venus-1",port="grid"} -400`,
		`venus_power_watts{device="venus-1",port="battery"} -400`,
		`venus_snapshot_stale{device="venus-1"} 0`,
		`venus_snapshot_stale{device="venus-2"} 1`,
		`venus_update_failures_total{device="venus-2"} 1`,
		`venus_websocket_clients 0`,
		`go_goroutines`,
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("scrape is missing %q", w)
		}
	}
	if strings.Contains(out, `venus_battery_soc_percent{device="venus-2"}`) {
		t.Error("venus-2 never reported status but has a SOC sample")
	}
	if strings.Contains(out, "venus_mqtt_connected") {
		t.Error("broker metrics exported without a broker")
	}
}
