package venus

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

func statusResult(soc float64) marstek.Result {
	return marstek.Result{
		"id":           float64(0),
		"bat_soc":      soc,
		"bat_cap":      float64(5120),
		"pv_power":     float64(0),
		"ongrid_power": float64(-400),
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	client := marstek.NewClient(newFakeDevice())

	tests := []struct {
		name    string
		cfg     CoordinatorConfig
		wantErr bool
	}{
		{"valid", CoordinatorConfig{DeviceID: "venus-1", Client: client}, false},
		{"missing id", CoordinatorConfig{Client: client}, true},
		{"missing client", CoordinatorConfig{DeviceID: "venus-1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCoordinator(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCoordinator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if c.Interval() != DefaultPollInterval {
					t.Errorf("Interval() = %v, want %v", c.Interval(), DefaultPollInterval)
				}
				if c.Name() != "venus-1" {
					t.Errorf("Name() = %q, want venus-1", c.Name())
				}
			}
		})
	}
}

func TestCoordinator_InitialSnapshotIsStale(t *testing.T) {
	c := newTestCoordinator(t, "venus-1", newFakeDevice())

	snap := c.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot() = nil")
	}
	if !snap.Stale() {
		t.Error("initial snapshot should be stale")
	}
	if len(snap.Endpoints) != 0 {
		t.Errorf("initial snapshot has %d endpoints, want 0", len(snap.Endpoints))
	}
}

func TestCoordinator_RefreshStatusSuccess(t *testing.T) {
	dev := newFakeDevice()
	dev.reply(marstek.MethodGetStatus, statusResult(87))
	c := newTestCoordinator(t, "venus-1", dev)

	rec := &updateRecorder{}
	c.Subscribe(rec.listen)

	if err := c.RefreshStatus(context.Background()); err != nil {
		t.Fatalf("RefreshStatus() error = %v", err)
	}

	snap := c.Snapshot()
	if snap.Stale() {
		t.Error("snapshot should be fresh after a successful refresh")
	}
	if soc, ok := snap.Status().SOC(); !ok || soc != 87 {
		t.Errorf("SOC = %v, %v; want 87, true", soc, ok)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	updates := rec.all()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	if updates[0].Failed() || updates[0].Endpoint != marstek.EndpointStatus {
		t.Errorf("unexpected update %+v", updates[0])
	}
}

func TestCoordinator_RefreshStatusFailureKeepsStaleData(t *testing.T) {
	dev := newFakeDevice()
	dev.reply(marstek.MethodGetStatus, statusResult(50))
	c := newTestCoordinator(t, "venus-1", dev)

	if err := c.RefreshStatus(context.Background()); err != nil {
		t.Fatalf("first RefreshStatus() error = %v", err)
	}

	rec := &updateRecorder{}
	c.Subscribe(rec.listen)
	dev.fail(marstek.MethodGetStatus, marstek.ErrTimeout)

	err := c.RefreshStatus(context.Background())
	if !errors.Is(err, marstek.ErrTimeout) {
		t.Fatalf("RefreshStatus() error = %v, want ErrTimeout", err)
	}

	snap := c.Snapshot()
	if !snap.Stale() {
		t.Error("snapshot should be stale after a failed refresh")
	}
	if snap.LastError == "" {
		t.Error("LastError should describe the failure")
	}
	if soc, ok := snap.Status().SOC(); !ok || soc != 50 {
		t.Errorf("previous data lost: SOC = %v, %v", soc, ok)
	}
	if c.UpdateFailures() != 1 {
		t.Errorf("UpdateFailures() = %d, want 1", c.UpdateFailures())
	}

	updates := rec.all()
	if len(updates) != 1 || !updates[0].Failed() {
		t.Fatalf("want one update-failed signal, got %+v", updates)
	}
}

func TestCoordinator_StartPollsImmediately(t *testing.T) {
	dev := newFakeDevice()
	dev.fail(marstek.MethodGetStatus, marstek.ErrTimeout)
	c := newTestCoordinator(t, "venus-1", dev)

	rec := &updateRecorder{}
	c.Subscribe(rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	waitFor(t, "update-failed signal", func() bool {
		for _, u := range rec.all() {
			if u.Failed() {
				return true
			}
		}
		return false
	})
	if !c.Snapshot().Stale() {
		t.Error("snapshot should be stale")
	}

	c.Stop()
	c.Stop() // second call is a no-op
}

func TestCoordinator_PeriodicTicks(t *testing.T) {
	dev := newFakeDevice()
	dev.reply(marstek.MethodGetStatus, statusResult(10))

	c, err := NewCoordinator(CoordinatorConfig{
		DeviceID: "venus-1",
		Client:   marstek.NewClient(dev),
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "three status polls", func() bool {
		return len(dev.callsTo(marstek.MethodGetStatus)) >= 3
	})
}

func TestCoordinator_StopsWithContext(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "venus-1", dev)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancellation")
	}
}

func TestCoordinator_RequestRefresh(t *testing.T) {
	dev := newFakeDevice()
	dev.reply(marstek.MethodGetStatus, statusResult(60))
	dev.reply(marstek.MethodBatteryStatus, marstek.Result{"bat_temp": float64(21)})
	c := newTestCoordinator(t, "venus-1", dev)

	if err := c.RefreshStatus(context.Background()); err != nil {
		t.Fatalf("RefreshStatus() error = %v", err)
	}
	before := c.Snapshot()

	rec := &updateRecorder{}
	c.Subscribe(rec.listen)

	result, err := c.RequestRefresh(context.Background(), marstek.EndpointBattery)
	if err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}
	if result["bat_temp"] != float64(21) {
		t.Errorf("result = %v", result)
	}

	after := c.Snapshot()
	if after == before {
		t.Fatal("snapshot was not replaced")
	}
	if _, ok := after.Endpoint(marstek.EndpointBattery); !ok {
		t.Error("battery slice missing")
	}
	if !reflect.DeepEqual(after.Endpoints[marstek.EndpointStatus], before.Endpoints[marstek.EndpointStatus]) {
		t.Error("status slice should be untouched")
	}
	if _, ok := before.Endpoint(marstek.EndpointBattery); ok {
		t.Error("previous snapshot was modified")
	}

	updates := rec.all()
	if len(updates) != 1 || updates[0].Endpoint != marstek.EndpointBattery {
		t.Errorf("updates = %+v", updates)
	}
}

func TestCoordinator_RequestRefreshErrors(t *testing.T) {
	rpcErr := &marstek.RPCError{Code: -32601, Message: "Method not found"}

	tests := []struct {
		name    string
		ep      marstek.Endpoint
		wantErr error
	}{
		{"unknown endpoint", "bogus", marstek.ErrUnknownEndpoint},
		{"mutating endpoint", marstek.EndpointSetMode, ErrNotReadable},
		{"device error", marstek.EndpointWifi, rpcErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			dev.fail(marstek.MethodWifiStatus, rpcErr)
			c := newTestCoordinator(t, "venus-1", dev)

			before := c.Snapshot()
			_, err := c.RequestRefresh(context.Background(), tt.ep)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RequestRefresh() error = %v, want %v", err, tt.wantErr)
			}
			if c.Snapshot() != before {
				t.Error("failed refresh must leave the snapshot untouched")
			}
		})
	}
}

func TestCoordinator_RequestRefreshDefaultsToStatus(t *testing.T) {
	dev := newFakeDevice()
	dev.reply(marstek.MethodGetStatus, statusResult(33))
	c := newTestCoordinator(t, "venus-1", dev)

	if _, err := c.RequestRefresh(context.Background(), ""); err != nil {
		t.Fatalf("RequestRefresh() error = %v", err)
	}
	if len(dev.callsTo(marstek.MethodGetStatus)) != 1 {
		t.Error("empty endpoint should call status")
	}
}

func TestCoordinator_SetModeRefreshesStatus(t *testing.T) {
	dev := newFakeDevice()
	soc := 40.0
	var mu sync.Mutex
	dev.on(marstek.MethodGetStatus, func(map[string]any) (marstek.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		return statusResult(soc), nil
	})
	dev.on(marstek.MethodSetMode, func(map[string]any) (marstek.Result, error) {
		mu.Lock()
		soc = 41
		mu.Unlock()
		return marstek.Result{"id": float64(0), "set_result": true}, nil
	})
	c := newTestCoordinator(t, "venus-1", dev)

	result, err := c.SetMode(context.Background(), marstek.ModeAuto, nil)
	if err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if !marstek.SetAccepted(result) {
		t.Errorf("result = %v, want accepted", result)
	}

	calls := dev.callsTo(marstek.MethodSetMode)
	if len(calls) != 1 {
		t.Fatalf("got %d set-mode calls, want 1", len(calls))
	}
	cfg, _ := calls[0].Params["config"].(map[string]any)
	if cfg["mode"] != "Auto" {
		t.Errorf("config = %v", cfg)
	}

	if got, _ := c.Snapshot().Status().SOC(); got != 41 {
		t.Errorf("SOC after command = %v, want 41", got)
	}
}

// A status read that completed before a command but publishes after the
// command's own refresh must not replace the newer data.
func TestCoordinator_LateStatusDoesNotOverwriteNewer(t *testing.T) {
	dev := newFakeDevice()
	soc := 40.0
	var mu sync.Mutex
	dev.on(marstek.MethodGetStatus, func(map[string]any) (marstek.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		return statusResult(soc), nil
	})
	dev.on(marstek.MethodSetMode, func(map[string]any) (marstek.Result, error) {
		mu.Lock()
		soc = 90
		mu.Unlock()
		return marstek.Result{"set_result": true}, nil
	})
	c := newTestCoordinator(t, "venus-1", dev)
	ctx := context.Background()

	var updates []float64
	c.Subscribe(func(u Update) {
		if v, ok := u.Snapshot.Status().SOC(); ok {
			updates = append(updates, v)
		}
	})

	// Read completes on the device; publication is held back.
	late, lateSeq, err := c.serialised(ctx, func(ctx context.Context) (marstek.Result, error) {
		return c.client.GetStatus(ctx)
	})
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}

	if _, err := c.SetMode(ctx, marstek.ModeAuto, nil); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	version := c.Snapshot().Version

	c.store(marstek.EndpointStatus, late, lateSeq)
	c.markFailed(marstek.EndpointStatus, marstek.ErrTimeout, lateSeq)

	snap := c.Snapshot()
	if got, _ := snap.Status().SOC(); got != 90 {
		t.Errorf("SOC = %v, want 90 from the post-command refresh", got)
	}
	if snap.Version != version {
		t.Errorf("Version = %d, want %d (late outcomes dropped)", snap.Version, version)
	}
	if snap.Stale() {
		t.Error("late failure marked the snapshot stale")
	}
	if c.UpdateFailures() != 0 {
		t.Errorf("UpdateFailures() = %d, want 0", c.UpdateFailures())
	}
	if !reflect.DeepEqual(updates, []float64{90}) {
		t.Errorf("listener saw SOC %v, want [90]", updates)
	}
}

// Outcomes of calls on one endpoint never go backwards, whatever order the
// publishers run in.
func TestCoordinator_PublishOrderFollowsCallOrder(t *testing.T) {
	c := newTestCoordinator(t, "venus-1", newFakeDevice())

	c.store(marstek.EndpointBattery, marstek.Result{"soc": float64(2)}, 2)
	c.store(marstek.EndpointBattery, marstek.Result{"soc": float64(1)}, 1)
	c.store(marstek.EndpointStatus, statusResult(10), 1)

	bat, ok := c.Snapshot().Endpoint(marstek.EndpointBattery)
	if !ok {
		t.Fatal("battery slice missing")
	}
	if got, _ := bat.Result.Float("soc"); got != 2 {
		t.Errorf("battery soc = %v, want 2", got)
	}
	if got, _ := c.Snapshot().Status().SOC(); got != 10 {
		t.Errorf("status slice is tracked separately, SOC = %v, want 10", got)
	}
}

func TestCoordinator_MutationErrors(t *testing.T) {
	t.Run("device error is returned and no refresh runs", func(t *testing.T) {
		dev := newFakeDevice()
		dev.fail(marstek.MethodSetPassive, &marstek.RPCError{Code: -32602, Message: "Invalid params"})
		c := newTestCoordinator(t, "venus-1", dev)

		_, err := c.SetPassiveMode(context.Background(), -400, 3600)
		if _, ok := marstek.IsRPCError(err); !ok {
			t.Fatalf("SetPassiveMode() error = %v, want RPCError", err)
		}
		if n := len(dev.callsTo(marstek.MethodGetStatus)); n != 0 {
			t.Errorf("status refreshed %d times after a failed command", n)
		}
	})

	t.Run("validation error sends nothing", func(t *testing.T) {
		dev := newFakeDevice()
		c := newTestCoordinator(t, "venus-1", dev)

		_, err := c.SetPassiveMode(context.Background(), 5000, 60)
		if !errors.Is(err, marstek.ErrInvalidPower) {
			t.Fatalf("SetPassiveMode() error = %v, want ErrInvalidPower", err)
		}
		if len(dev.callsTo(marstek.MethodSetPassive)) != 0 {
			t.Error("invalid command reached the device")
		}
	})

	t.Run("failed refresh after command only marks stale", func(t *testing.T) {
		dev := newFakeDevice()
		dev.fail(marstek.MethodGetStatus, marstek.ErrTimeout)
		c := newTestCoordinator(t, "venus-1", dev)

		if _, err := c.ClearSchedulesWholesale(context.Background()); err != nil {
			t.Fatalf("ClearSchedulesWholesale() error = %v", err)
		}
		if !c.Snapshot().Stale() {
			t.Error("snapshot should be stale")
		}
	})
}

func TestCoordinator_ClearAllSchedulesPartialFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.on(marstek.MethodSetSchedule, func(params map[string]any) (marstek.Result, error) {
		if params["time_num"] == 3 {
			return nil, &marstek.RPCError{Code: -32000, Message: "busy"}
		}
		return marstek.Result{"set_result": true}, nil
	})
	dev.reply(marstek.MethodGetStatus, statusResult(70))
	c := newTestCoordinator(t, "venus-1", dev)

	res := c.ClearAllSchedules(context.Background())

	want := BulkResult{Succeeded: 9, Total: 10, Failed: []int{3}}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("ClearAllSchedules() = %+v, want %+v", res, want)
	}
	if res.OK() {
		t.Error("OK() should be false")
	}

	calls := dev.callsTo(marstek.MethodSetSchedule)
	if len(calls) != marstek.SlotCount {
		t.Fatalf("got %d slot writes, want %d", len(calls), marstek.SlotCount)
	}
	for i, call := range calls {
		if call.Params["time_num"] != i {
			t.Errorf("write %d targeted slot %v", i, call.Params["time_num"])
		}
		if call.Params["enable"] != 0 {
			t.Errorf("slot %d enable = %v, want 0", i, call.Params["enable"])
		}
		if call.Params["start_time"] != "00:00" || call.Params["end_time"] != "23:59" {
			t.Errorf("slot %d window = %v-%v", i, call.Params["start_time"], call.Params["end_time"])
		}
	}

	if len(dev.callsTo(marstek.MethodGetStatus)) != 1 {
		t.Error("want one status refresh after clearing")
	}
}

func TestCoordinator_ClearAllSchedulesRejectedSlot(t *testing.T) {
	dev := newFakeDevice()
	dev.on(marstek.MethodSetSchedule, func(params map[string]any) (marstek.Result, error) {
		if params["time_num"] == 7 {
			return marstek.Result{"set_result": false}, nil
		}
		return marstek.Result{}, nil
	})
	c := newTestCoordinator(t, "venus-1", dev)

	res := c.ClearAllSchedules(context.Background())
	want := BulkResult{Succeeded: 9, Total: 10, Failed: []int{7}}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("ClearAllSchedules() = %+v, want %+v", res, want)
	}
}

func TestCoordinator_ApplySchedules(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "venus-1", dev)

	slots := []marstek.ScheduleSlot{
		{Slot: 2, Start: "01:00", End: "05:00", Days: marstek.Weekdays, Power: -600, Enabled: true},
		{Slot: 0, Start: "17:00", End: "21:00", Days: marstek.AllDays, Power: 400, Enabled: true},
	}

	res, err := c.ApplySchedules(context.Background(), slots)
	if err != nil {
		t.Fatalf("ApplySchedules() error = %v", err)
	}
	if !res.OK() || res.Total != marstek.SlotCount {
		t.Errorf("ApplySchedules() = %+v", res)
	}

	calls := dev.callsTo(marstek.MethodSetSchedule)
	if len(calls) != marstek.SlotCount {
		t.Fatalf("got %d writes, want %d", len(calls), marstek.SlotCount)
	}
	for i, call := range calls {
		wantEnable := 0
		if i == 0 || i == 2 {
			wantEnable = 1
		}
		if call.Params["time_num"] != i || call.Params["enable"] != wantEnable {
			t.Errorf("write %d = %v", i, call.Params)
		}
	}
	if calls[2].Params["power"] != -600 {
		t.Errorf("slot 2 power = %v, want -600", calls[2].Params["power"])
	}
}

func TestCoordinator_ApplySchedulesValidatesFirst(t *testing.T) {
	tests := []struct {
		name    string
		slots   []marstek.ScheduleSlot
		wantErr error
	}{
		{
			name: "duplicate slot",
			slots: []marstek.ScheduleSlot{
				{Slot: 1, Start: "01:00", End: "02:00", Days: marstek.AllDays, Power: 200, Enabled: true},
				{Slot: 1, Start: "03:00", End: "04:00", Days: marstek.AllDays, Power: 200, Enabled: true},
			},
			wantErr: ErrInvalidSchedules,
		},
		{
			name: "power out of band",
			slots: []marstek.ScheduleSlot{
				{Slot: 1, Start: "01:00", End: "02:00", Days: marstek.AllDays, Power: 2000, Enabled: true},
			},
			wantErr: marstek.ErrInvalidSlot,
		},
		{
			name: "no days",
			slots: []marstek.ScheduleSlot{
				{Slot: 4, Start: "01:00", End: "02:00", Days: 0, Power: 200, Enabled: true},
			},
			wantErr: marstek.ErrInvalidSlot,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			c := newTestCoordinator(t, "venus-1", dev)

			_, err := c.ApplySchedules(context.Background(), tt.slots)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ApplySchedules() error = %v, want %v", err, tt.wantErr)
			}
			if n := len(dev.callsTo(marstek.MethodSetSchedule)); n != 0 {
				t.Errorf("%d slots written despite validation failure", n)
			}
		})
	}
}

func TestCoordinator_CallEndpoint(t *testing.T) {
	dev := newFakeDevice()
	dev.reply(marstek.MethodGetDevice, marstek.Result{"device": "VenusE", "ver": float64(155)})
	c := newTestCoordinator(t, "venus-1", dev)

	before := c.Snapshot()
	result, err := c.CallEndpoint(context.Background(), marstek.EndpointDeviceInfo, map[string]any{"ble_mac": "abc"})
	if err != nil {
		t.Fatalf("CallEndpoint() error = %v", err)
	}
	if result["device"] != "VenusE" {
		t.Errorf("result = %v", result)
	}
	if c.Snapshot() != before {
		t.Error("raw read call should not change the snapshot")
	}

	calls := dev.callsTo(marstek.MethodGetDevice)
	if len(calls) != 1 || calls[0].Params["ble_mac"] != "abc" {
		t.Errorf("calls = %+v", calls)
	}

	if _, err := c.CallEndpoint(context.Background(), marstek.EndpointSetMode,
		map[string]any{"config": map[string]any{"mode": "Auto"}}); err != nil {
		t.Fatalf("CallEndpoint(set_mode) error = %v", err)
	}
	if len(dev.callsTo(marstek.MethodGetStatus)) != 1 {
		t.Error("mutating raw call should be followed by a status refresh")
	}
}

func TestCoordinator_SubscribeUnsubscribe(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "venus-1", dev)

	rec := &updateRecorder{}
	unsubscribe := c.Subscribe(rec.listen)

	_ = c.RefreshStatus(context.Background())
	unsubscribe()
	_ = c.RefreshStatus(context.Background())

	if n := len(rec.all()); n != 1 {
		t.Errorf("got %d updates, want 1", n)
	}
}

func TestCoordinator_SnapshotVersionsIncrease(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "venus-1", dev)

	var last uint64
	for range 3 {
		if err := c.RefreshStatus(context.Background()); err != nil {
			t.Fatalf("RefreshStatus() error = %v", err)
		}
		v := c.Snapshot().Version
		if v <= last {
			t.Fatalf("Version %d did not increase past %d", v, last)
		}
		last = v
	}
}

func TestCoordinator_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	dev := newFakeDevice()
	dev.reply(marstek.MethodGetStatus, statusResult(20))
	dev.reply(marstek.MethodWifiStatus, marstek.Result{"rssi": float64(-60)})
	c := newTestCoordinator(t, "venus-1", dev)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				_ = c.RefreshStatus(context.Background())
				_, _ = c.RequestRefresh(context.Background(), marstek.EndpointWifi)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				snap := c.Snapshot()
				if snap.DeviceID != "venus-1" {
					t.Errorf("DeviceID = %q", snap.DeviceID)
				}
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if _, ok := snap.Endpoint(marstek.EndpointWifi); !ok {
		t.Error("wifi slice missing")
	}
	if snap.Stale() {
		t.Error("snapshot should be fresh")
	}
}
