package venus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// DefaultPollInterval is how often the status endpoint is refreshed.
const DefaultPollInterval = 300 * time.Second

// statusFlight is the singleflight key shared by every status refresh.
const statusFlight = "status"

// Logger is the logging interface used throughout the package.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// CoordinatorConfig holds configuration for a device coordinator.
type CoordinatorConfig struct {
	// DeviceID identifies the device in snapshots, topics and logs.
	DeviceID string

	// Name is a display name. Defaults to DeviceID.
	Name string

	// Client talks to the device.
	Client *marstek.Client

	// Interval is the periodic status refresh interval.
	// Default: 300 seconds.
	Interval time.Duration

	// Logger is optional.
	Logger Logger
}

// BulkResult reports a multi-slot schedule write.
type BulkResult struct {
	Succeeded int   `json:"succeeded"`
	Total     int   `json:"total"`
	Failed    []int `json:"failed_slots"`
}

// OK reports whether every slot was written.
func (r BulkResult) OK() bool {
	return r.Succeeded == r.Total
}

// Coordinator owns one device: it refreshes status on a fixed interval,
// serves on-demand refreshes, runs mutating commands and publishes an
// immutable Snapshot after every change.
//
// Calls to the device are serialised. Periodic refresh failures are kept
// in the snapshot and signalled to listeners instead of being returned;
// on-demand and mutating failures are returned to the caller.
//
// Thread Safety: All methods are safe for concurrent use.
type Coordinator struct {
	id       string
	name     string
	client   *marstek.Client
	interval time.Duration

	snapshot atomic.Pointer[Snapshot]
	writeMu  sync.Mutex // orders snapshot replacement

	callMu  sync.Mutex // one device call at a time
	callSeq uint64     // guarded by callMu
	flights singleflight.Group

	// published holds, per endpoint, the sequence of the call whose outcome
	// is in the snapshot. Guarded by writeMu.
	published map[marstek.Endpoint]uint64

	listeners    map[uint64]Listener
	nextListener uint64
	listenersMu  sync.RWMutex

	updateFailures atomic.Uint64

	// Shutdown coordination
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewCoordinator creates a coordinator. Call Start to begin polling.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("device client is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	name := cfg.Name
	if name == "" {
		name = cfg.DeviceID
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	c := &Coordinator{
		id:        cfg.DeviceID,
		name:      name,
		client:    cfg.Client,
		interval:  interval,
		listeners: make(map[uint64]Listener),
		published: make(map[marstek.Endpoint]uint64),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    cfg.Logger,
	}
	c.snapshot.Store(newSnapshot(cfg.DeviceID))
	return c, nil
}

// ID returns the device identifier.
func (c *Coordinator) ID() string { return c.id }

// Name returns the display name.
func (c *Coordinator) Name() string { return c.name }

// Interval returns the periodic refresh interval.
func (c *Coordinator) Interval() time.Duration { return c.interval }

// Client returns the device client.
func (c *Coordinator) Client() *marstek.Client { return c.client }

// Snapshot returns the current snapshot. It is never nil and must not be
// modified.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// UpdateFailures returns how many periodic refreshes have failed.
func (c *Coordinator) UpdateFailures() uint64 {
	return c.updateFailures.Load()
}

// Start runs an immediate status refresh and then one per interval until
// ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, c.ctxCancel)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer stop()
			c.pollLoop()
		}()
	})
}

// Stop cancels polling and in-flight calls made on the coordinator's
// behalf, then waits for the poll loop to exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.ctxCancel()
		c.wg.Wait()
	})
}

func (c *Coordinator) pollLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refreshPeriodic()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.refreshPeriodic()
		}
	}
}

// refreshPeriodic refreshes status and keeps any failure in the snapshot.
func (c *Coordinator) refreshPeriodic() {
	if err := c.RefreshStatus(c.ctx); err != nil && c.ctx.Err() == nil {
		c.logWarn("status refresh failed", "device", c.id, "error", err)
	}
}

// RefreshStatus fetches the status endpoint and publishes the result.
//
// On failure the previous data is kept, the snapshot is marked stale and
// listeners receive an update-failed signal. The error is returned for
// callers that report per-device outcomes. Concurrent calls share one
// device round trip.
func (c *Coordinator) RefreshStatus(ctx context.Context) error {
	_, err, _ := c.flights.Do(statusFlight, func() (any, error) {
		result, seq, err := c.serialised(ctx, func(ctx context.Context) (marstek.Result, error) {
			return c.client.GetStatus(ctx)
		})
		if err != nil {
			c.markFailed(marstek.EndpointStatus, err, seq)
			return nil, err
		}
		c.store(marstek.EndpointStatus, result, seq)
		return nil, nil
	})
	return err
}

// RequestRefresh refreshes one read endpoint immediately, replaces only its
// slice and notifies listeners. An empty endpoint means status.
// Errors are returned and leave the snapshot untouched.
func (c *Coordinator) RequestRefresh(ctx context.Context, ep marstek.Endpoint) (marstek.Result, error) {
	if ep == "" {
		ep = marstek.EndpointStatus
	}
	if _, err := marstek.Lookup(ep); err != nil {
		return nil, err
	}
	if ep.IsMutating() {
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, ep)
	}

	result, seq, err := c.serialised(ctx, func(ctx context.Context) (marstek.Result, error) {
		return c.client.CallEndpoint(ctx, ep, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("refresh %s on %s: %w", ep, c.id, err)
	}

	c.store(ep, result, seq)
	return result, nil
}

// CallEndpoint passes a raw endpoint call through to the device. A mutating
// endpoint is followed by a status refresh.
func (c *Coordinator) CallEndpoint(ctx context.Context, ep marstek.Endpoint, params map[string]any) (marstek.Result, error) {
	call := func(ctx context.Context) (marstek.Result, error) {
		return c.client.CallEndpoint(ctx, ep, params)
	}
	if ep.IsMutating() {
		return c.mutate(ctx, string(ep), call)
	}
	result, _, err := c.serialised(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", ep, c.id, err)
	}
	return result, nil
}

// SetMode switches the operating mode, then refreshes status.
func (c *Coordinator) SetMode(ctx context.Context, mode marstek.Mode, slot *marstek.ScheduleSlot) (marstek.Result, error) {
	return c.mutate(ctx, "set_mode", func(ctx context.Context) (marstek.Result, error) {
		return c.client.SetMode(ctx, mode, slot)
	})
}

// SetSchedule writes one slot, then refreshes status.
func (c *Coordinator) SetSchedule(ctx context.Context, slot marstek.ScheduleSlot) (marstek.Result, error) {
	return c.mutate(ctx, "set_schedule", func(ctx context.Context) (marstek.Result, error) {
		return c.client.SetSchedule(ctx, slot)
	})
}

// SetPassiveMode sets a fixed power for a countdown, then refreshes status.
func (c *Coordinator) SetPassiveMode(ctx context.Context, power, countdownSeconds int) (marstek.Result, error) {
	return c.mutate(ctx, "set_passive", func(ctx context.Context) (marstek.Result, error) {
		return c.client.SetPassiveMode(ctx, power, countdownSeconds)
	})
}

// ClearSchedulesWholesale sends Manual mode without a slot. Whether the
// device then drops every slot is unconfirmed; ClearAllSchedules is the
// reliable way to clear.
func (c *Coordinator) ClearSchedulesWholesale(ctx context.Context) (marstek.Result, error) {
	return c.mutate(ctx, "clear_schedules_wholesale", func(ctx context.Context) (marstek.Result, error) {
		return c.client.ClearSchedulesWholesale(ctx)
	})
}

// ClearAllSchedules disables slots 0-9 one call at a time. A failing slot
// is recorded and the remaining slots are still attempted. The operation
// is not atomic: slots written before a failure stay disabled.
func (c *Coordinator) ClearAllSchedules(ctx context.Context) BulkResult {
	slots := make([]marstek.ScheduleSlot, 0, marstek.SlotCount)
	for n := range marstek.SlotCount {
		slots = append(slots, marstek.DisabledSlot(n))
	}

	res := c.writeSlots(ctx, slots)
	c.logInfo("schedules cleared", "device", c.id,
		"succeeded", res.Succeeded, "total", res.Total, "failed", res.Failed)
	c.refreshAfterCommand(ctx)
	return res
}

// ApplySchedules writes the given slots and disables every other slot.
// All slots are validated before anything is sent.
func (c *Coordinator) ApplySchedules(ctx context.Context, slots []marstek.ScheduleSlot) (BulkResult, error) {
	limits := c.client.PowerLimits()
	bySlot := make(map[int]marstek.ScheduleSlot, len(slots))
	for _, s := range slots {
		if err := s.ValidateWith(limits); err != nil {
			return BulkResult{}, err
		}
		if _, dup := bySlot[s.Slot]; dup {
			return BulkResult{}, fmt.Errorf("%w: slot %d given twice", ErrInvalidSchedules, s.Slot)
		}
		bySlot[s.Slot] = s
	}

	plan := make([]marstek.ScheduleSlot, 0, marstek.SlotCount)
	for n := range marstek.SlotCount {
		if s, ok := bySlot[n]; ok {
			plan = append(plan, s)
			continue
		}
		plan = append(plan, marstek.DisabledSlot(n))
	}

	res := c.writeSlots(ctx, plan)
	c.logInfo("schedules applied", "device", c.id,
		"active", len(bySlot), "succeeded", res.Succeeded, "failed", res.Failed)
	c.refreshAfterCommand(ctx)
	return res, nil
}

// writeSlots sends one schedule-set call per slot. A slot counts as written
// when the call succeeds and the device did not report set_result false.
func (c *Coordinator) writeSlots(ctx context.Context, slots []marstek.ScheduleSlot) BulkResult {
	res := BulkResult{Total: len(slots), Failed: []int{}}
	for _, slot := range slots {
		result, _, err := c.serialised(ctx, func(ctx context.Context) (marstek.Result, error) {
			return c.client.SetSchedule(ctx, slot)
		})
		switch {
		case err != nil:
			c.logWarn("schedule slot write failed", "device", c.id, "slot", slot.Slot, "error", err)
			res.Failed = append(res.Failed, slot.Slot)
		case !marstek.SetAccepted(result):
			c.logWarn("schedule slot rejected", "device", c.id, "slot", slot.Slot)
			res.Failed = append(res.Failed, slot.Slot)
		default:
			res.Succeeded++
		}
	}
	return res
}

// Subscribe registers a listener and returns a function that removes it.
func (c *Coordinator) Subscribe(l Listener) (unsubscribe func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// mutate runs a state-changing call and then refreshes status. The command
// error is returned; a failed refresh only marks the snapshot stale.
func (c *Coordinator) mutate(ctx context.Context, op string, fn func(context.Context) (marstek.Result, error)) (marstek.Result, error) {
	result, _, err := c.serialised(ctx, fn)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", op, c.id, err)
	}
	c.logInfo("command sent", "device", c.id, "command", op)
	c.refreshAfterCommand(ctx)
	return result, nil
}

func (c *Coordinator) refreshAfterCommand(ctx context.Context) {
	// A flight already running may have read the device before the
	// command; start a new one.
	c.flights.Forget(statusFlight)
	if err := c.RefreshStatus(ctx); err != nil {
		c.logWarn("refresh after command failed", "device", c.id, "error", err)
	}
}

// serialised runs fn as the only device call in progress and returns the
// call's sequence number, which orders publication of its outcome.
func (c *Coordinator) serialised(ctx context.Context, fn func(context.Context) (marstek.Result, error)) (marstek.Result, uint64, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	c.callSeq++
	seq := c.callSeq
	result, err := fn(ctx)
	return result, seq, err
}

// claim records seq as the latest outcome for ep. It reports false when a
// later call's outcome is already published. Callers hold writeMu.
func (c *Coordinator) claim(ep marstek.Endpoint, seq uint64) bool {
	if seq < c.published[ep] {
		return false
	}
	c.published[ep] = seq
	return true
}

// store publishes a result. Listeners are notified before writeMu is
// released so they observe snapshots in publication order.
func (c *Coordinator) store(ep marstek.Endpoint, result marstek.Result, seq uint64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.claim(ep, seq) {
		c.logDebug("dropping superseded result", "device", c.id, "endpoint", ep, "seq", seq)
		return
	}
	next := c.snapshot.Load().withEndpoint(ep, result, time.Now().UTC())
	c.snapshot.Store(next)
	c.notify(Update{DeviceID: c.id, Snapshot: next, Endpoint: ep})
}

func (c *Coordinator) markFailed(ep marstek.Endpoint, err error, seq uint64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.claim(ep, seq) {
		c.logDebug("dropping superseded failure", "device", c.id, "endpoint", ep, "seq", seq)
		return
	}
	c.updateFailures.Add(1)
	next := c.snapshot.Load().withFailure(err)
	c.snapshot.Store(next)
	c.notify(Update{DeviceID: c.id, Snapshot: next, Endpoint: ep, Err: err})
}

func (c *Coordinator) notify(u Update) {
	c.listenersMu.RLock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.RUnlock()

	for _, l := range ls {
		l(u)
	}
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Coordinator) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Coordinator) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Coordinator) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
