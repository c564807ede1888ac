// Package influxdb writes Venus device telemetry to InfluxDB v2.
//
// Every numeric member of an endpoint reply becomes a field of one
// "venus_endpoint" point tagged with device_id and endpoint. Failed status
// refreshes are written to "venus_refresh_failure". Writes are batched and
// non-blocking; a missing or slow InfluxDB never holds up the bridge.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteEndpoint("venus-1", "status", result.Numeric(), time.Now())
package influxdb
