package marstek

import "context"

// Well-known result fields.
const (
	FieldBatterySOC      = "bat_soc"
	FieldBatteryCapacity = "bat_cap"
	FieldPVPower         = "pv_power"
	FieldGridPower       = "ongrid_power"
	FieldOffgridPower    = "offgrid_power"
	FieldBatteryPower    = "bat_power"
	FieldMode            = "mode"
	FieldSetResult       = "set_result"
)

// Caller sends one RPC and returns its result. *Session implements it.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any) (Result, error)
}

// Ensure Session implements Caller.
var _ Caller = (*Session)(nil)

// Client exposes the device's endpoints as typed operations.
// Results are returned exactly as the device sent them and errors are never
// swallowed.
type Client struct {
	caller Caller
	limits PowerLimits
}

// NewClient creates a facade over a caller using the default power band.
func NewClient(caller Caller) *Client {
	return &Client{caller: caller, limits: DefaultPowerLimits}
}

// WithPowerLimits returns a copy of the client that validates against limits.
func (c *Client) WithPowerLimits(limits PowerLimits) *Client {
	cp := *c
	cp.limits = limits
	return &cp
}

// PowerLimits returns the band used for validation.
func (c *Client) PowerLimits() PowerLimits {
	return c.limits
}

// CallEndpoint calls any known endpoint. Params are merged over the
// endpoint's default params.
func (c *Client) CallEndpoint(ctx context.Context, ep Endpoint, params map[string]any) (Result, error) {
	spec, err := Lookup(ep)
	if err != nil {
		return nil, err
	}
	return c.caller.Call(ctx, spec.Method, spec.BuildParams(params))
}

// GetStatus queries ES.GetStatus.
func (c *Client) GetStatus(ctx context.Context) (Result, error) {
	return c.CallEndpoint(ctx, EndpointStatus, nil)
}

// GetBatteryStatus queries Bat.GetStatus.
func (c *Client) GetBatteryStatus(ctx context.Context) (Result, error) {
	return c.CallEndpoint(ctx, EndpointBattery, nil)
}

// GetWifiStatus queries Wifi.GetStatus.
func (c *Client) GetWifiStatus(ctx context.Context) (Result, error) {
	return c.CallEndpoint(ctx, EndpointWifi, nil)
}

// GetMode queries ES.GetMode.
func (c *Client) GetMode(ctx context.Context) (Result, error) {
	return c.CallEndpoint(ctx, EndpointMode, nil)
}

// GetDeviceInfo queries Marstek.GetDevice.
func (c *Client) GetDeviceInfo(ctx context.Context) (Result, error) {
	return c.CallEndpoint(ctx, EndpointDeviceInfo, nil)
}

// SetMode switches the operating mode.
//
// For Manual mode a slot may be supplied; it is validated and sent as
// manual_cfg in place of the plain enable flag.
//
// Parameters:
//   - ctx: Context for cancellation
//   - mode: Target mode
//   - slot: Optional Manual slot; ignored for other modes
//
// Returns:
//   - Result: Device reply, unchanged
//   - error: Validation or transport error
func (c *Client) SetMode(ctx context.Context, mode Mode, slot *ScheduleSlot) (Result, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}

	cfg := map[string]any{"mode": string(mode)}
	if mode == ModeManual && slot != nil {
		if err := slot.ValidateWith(c.limits); err != nil {
			return nil, err
		}
		cfg[mode.ConfigKey()] = slot.Fields()
	} else {
		cfg[mode.ConfigKey()] = map[string]any{"enable": 1}
	}

	return c.CallEndpoint(ctx, EndpointSetMode, map[string]any{"config": cfg})
}

// ClearSchedulesWholesale sends Manual mode with no manual_cfg at all.
//
// Whether firmware treats this as "clear every slot" is unconfirmed; prefer
// disabling each slot with SetSchedule.
func (c *Client) ClearSchedulesWholesale(ctx context.Context) (Result, error) {
	return c.CallEndpoint(ctx, EndpointSetMode, map[string]any{
		"config": map[string]any{"mode": string(ModeManual)},
	})
}

// SetSchedule writes one schedule slot.
func (c *Client) SetSchedule(ctx context.Context, slot ScheduleSlot) (Result, error) {
	if err := slot.ValidateWith(c.limits); err != nil {
		return nil, err
	}
	return c.CallEndpoint(ctx, EndpointSetSchedule, slot.Fields())
}

// SetPassiveMode holds the given power for countdownSeconds.
// A countdown of 0 holds indefinitely.
func (c *Client) SetPassiveMode(ctx context.Context, power, countdownSeconds int) (Result, error) {
	if err := ValidatePassive(power, countdownSeconds, c.limits); err != nil {
		return nil, err
	}
	return c.CallEndpoint(ctx, EndpointSetPassive, map[string]any{
		"power":   power,
		"cd_time": countdownSeconds,
	})
}

// SetAccepted reports whether a mutating reply signals success. Replies
// without a set_result member are taken as accepted.
func SetAccepted(r Result) bool {
	if _, present := r[FieldSetResult]; !present {
		return true
	}
	ok, valid := r.Bool(FieldSetResult)
	return valid && ok
}
