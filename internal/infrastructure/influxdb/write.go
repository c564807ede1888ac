package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	// MeasurementEndpoint holds the numeric members of one endpoint reply.
	MeasurementEndpoint = "venus_endpoint"

	// MeasurementRefreshFailure records a failed periodic status refresh.
	MeasurementRefreshFailure = "venus_refresh_failure"
)

// WriteEndpoint writes the numeric members of one endpoint reply as a
// single point tagged with device and endpoint. Nothing is written for an
// empty field set.
//
//	client.WriteEndpoint("venus-1", "status", result.Numeric(), time.Now())
func (c *Client) WriteEndpoint(deviceID, endpoint string, fields map[string]float64, at time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementEndpoint,
		map[string]string{
			"device_id": deviceID,
			"endpoint":  endpoint,
		},
		values,
		at,
	))
}

// WriteRefreshFailure records that a device did not answer a status
// refresh.
func (c *Client) WriteRefreshFailure(deviceID, reason string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementRefreshFailure,
		map[string]string{"device_id": deviceID},
		map[string]any{"count": 1, "reason": reason},
		at,
	))
}

// WritePoint writes a custom point.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
