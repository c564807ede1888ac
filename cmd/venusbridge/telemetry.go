package main

import (
	"time"

	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
)

// pointWriter is the subset of the InfluxDB client the telemetry listener
// needs. *influxdb.Client satisfies it.
type pointWriter interface {
	WriteEndpoint(deviceID, endpoint string, fields map[string]float64, at time.Time)
	WriteRefreshFailure(deviceID, reason string, at time.Time)
}

// telemetryListener returns a venus.Listener that mirrors every snapshot
// slice into the time-series database as numeric fields. Failed periodic
// refreshes become failure points.
func telemetryListener(w pointWriter) venus.Listener {
	return func(u venus.Update) {
		if u.Failed() {
			w.WriteRefreshFailure(u.DeviceID, u.Err.Error(), time.Now())
			return
		}
		if u.Snapshot == nil {
			return
		}
		data, ok := u.Snapshot.Endpoint(u.Endpoint)
		if !ok {
			return
		}
		at := data.UpdatedAt
		if at.IsZero() {
			at = time.Now()
		}
		w.WriteEndpoint(u.DeviceID, string(u.Endpoint), data.Result.Numeric(), at)
	}
}
