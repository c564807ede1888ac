package marstek

import (
	"fmt"
	"sort"
)

// Vendor RPC method names.
const (
	MethodGetStatus     = "ES.GetStatus"
	MethodBatteryStatus = "Bat.GetStatus"
	MethodWifiStatus    = "Wifi.GetStatus"
	MethodGetMode       = "ES.GetMode"
	MethodGetDevice     = "Marstek.GetDevice"
	MethodSetMode       = "ES.SetMode"
	MethodSetSchedule   = "ES.SetSchedule"
	MethodSetPassive    = "ES.SetPassiveMode"
)

// Endpoint identifies one vendor RPC method this package calls.
type Endpoint string

// Known endpoints.
const (
	EndpointStatus      Endpoint = "status"
	EndpointBattery     Endpoint = "battery"
	EndpointWifi        Endpoint = "wifi"
	EndpointMode        Endpoint = "mode"
	EndpointDeviceInfo  Endpoint = "device_info"
	EndpointSetMode     Endpoint = "set_mode"
	EndpointSetSchedule Endpoint = "set_schedule"
	EndpointSetPassive  Endpoint = "set_passive"
)

// EndpointSpec describes how an endpoint is called.
type EndpointSpec struct {
	Method   string
	Mutating bool

	// defaults are merged under caller params. Nil means the endpoint takes
	// only what the caller supplies.
	defaults map[string]any
}

var endpoints = map[Endpoint]EndpointSpec{
	EndpointStatus:      {Method: MethodGetStatus, defaults: map[string]any{"id": 0}},
	EndpointBattery:     {Method: MethodBatteryStatus, defaults: map[string]any{"id": 0}},
	EndpointWifi:        {Method: MethodWifiStatus, defaults: map[string]any{"id": 0}},
	EndpointMode:        {Method: MethodGetMode, defaults: map[string]any{"id": 0}},
	EndpointDeviceInfo:  {Method: MethodGetDevice, defaults: map[string]any{"ble_mac": "0"}},
	EndpointSetMode:     {Method: MethodSetMode, Mutating: true, defaults: map[string]any{"id": 0}},
	EndpointSetSchedule: {Method: MethodSetSchedule, Mutating: true, defaults: map[string]any{"id": 0}},
	EndpointSetPassive:  {Method: MethodSetPassive, Mutating: true, defaults: map[string]any{"id": 0}},
}

// Lookup returns the call description for an endpoint.
func Lookup(ep Endpoint) (EndpointSpec, error) {
	spec, ok := endpoints[ep]
	if !ok {
		return EndpointSpec{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, ep)
	}
	return spec, nil
}

// ReadEndpoints lists the read-only endpoints in a stable order.
func ReadEndpoints() []Endpoint {
	var out []Endpoint
	for ep, spec := range endpoints {
		if !spec.Mutating {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsMutating reports whether the endpoint changes device state.
func (ep Endpoint) IsMutating() bool {
	return endpoints[ep].Mutating
}

// Valid reports whether the endpoint is known.
func (ep Endpoint) Valid() bool {
	_, ok := endpoints[ep]
	return ok
}

// BuildParams merges caller params over the endpoint defaults.
// The caller's map is never modified.
func (s EndpointSpec) BuildParams(params map[string]any) map[string]any {
	if len(s.defaults) == 0 && len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.defaults)+len(params))
	for k, v := range s.defaults {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}
