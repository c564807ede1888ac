package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
)

const metricsNamespace = "venus"

// deviceCollector reads the current snapshots at scrape time, so the
// exported values are always those listeners and the API also see.
type deviceCollector struct {
	manager *venus.Manager
	mqtt    BrokerStatus
	hub     *Hub

	soc            *prometheus.Desc
	power          *prometheus.Desc
	stale          *prometheus.Desc
	lastUpdate     *prometheus.Desc
	updateFailures *prometheus.Desc
	mqttConnected  *prometheus.Desc
	mqttPublished  *prometheus.Desc
	wsClients      *prometheus.Desc
	wsDropped      *prometheus.Desc
}

func newDeviceCollector(manager *venus.Manager, broker BrokerStatus, hub *Hub) *deviceCollector {
	device := []string{"device"}
	return &deviceCollector{
		manager: manager,
		mqtt:    broker,
		hub:     hub,
		soc: prometheus.NewDesc(metricsNamespace+"_battery_soc_percent",
			"Battery state of charge reported by the last status refresh.", device, nil),
		power: prometheus.NewDesc(metricsNamespace+"_power_watts",
			"Power per port from the last status refresh. Battery power is positive while discharging.",
			[]string{"device", "port"}, nil),
		stale: prometheus.NewDesc(metricsNamespace+"_snapshot_stale",
			"1 while the last periodic refresh failed or has not run.", device, nil),
		lastUpdate: prometheus.NewDesc(metricsNamespace+"_last_update_timestamp_seconds",
			"Unix time of the last successful status refresh.", device, nil),
		updateFailures: prometheus.NewDesc(metricsNamespace+"_update_failures_total",
			"Failed periodic status refreshes.", device, nil),
		mqttConnected: prometheus.NewDesc(metricsNamespace+"_mqtt_connected",
			"1 while the broker connection is up.", nil, nil),
		mqttPublished: prometheus.NewDesc(metricsNamespace+"_mqtt_published_total",
			"Messages published to the broker.", nil, nil),
		wsClients: prometheus.NewDesc(metricsNamespace+"_websocket_clients",
			"Connected WebSocket clients.", nil, nil),
		wsDropped: prometheus.NewDesc(metricsNamespace+"_websocket_dropped_total",
			"Events dropped for slow WebSocket clients.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *deviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.soc
	ch <- c.power
	ch <- c.stale
	ch <- c.lastUpdate
	ch <- c.updateFailures
	ch <- c.mqttConnected
	ch <- c.mqttPublished
	ch <- c.wsClients
	ch <- c.wsDropped
}

// Collect implements prometheus.Collector.
func (c *deviceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, coord := range c.manager.Coordinators() {
		id := coord.ID()
		snap := coord.Snapshot()

		ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, boolGauge(snap.Stale()), id)
		ch <- prometheus.MustNewConstMetric(c.updateFailures, prometheus.CounterValue,
			float64(coord.UpdateFailures()), id)
		if !snap.UpdatedAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.lastUpdate, prometheus.GaugeValue,
				float64(snap.UpdatedAt.Unix()), id)
		}

		status := snap.Status()
		if v, ok := status.SOC(); ok {
			ch <- prometheus.MustNewConstMetric(c.soc, prometheus.GaugeValue, v, id)
		}
		ports := []struct {
			name string
			read func() (float64, bool)
		}{
			{"pv", status.PVPower},
			{"grid", status.GridPower},
			{"offgrid", status.OffgridPower},
			{"battery", status.BatteryPower},
		}
		for _, p := range ports {
			if v, ok := p.read(); ok {
				ch <- prometheus.MustNewConstMetric(c.power, prometheus.GaugeValue, v, id, p.name)
			}
		}
	}

	if c.mqtt != nil {
		st := c.mqtt.Stats()
		ch <- prometheus.MustNewConstMetric(c.mqttConnected, prometheus.GaugeValue, boolGauge(c.mqtt.IsConnected()))
		ch <- prometheus.MustNewConstMetric(c.mqttPublished, prometheus.CounterValue, float64(st.Published))
	}

	ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(c.hub.ClientCount()))
	ch <- prometheus.MustNewConstMetric(c.wsDropped, prometheus.CounterValue, float64(c.hub.Dropped()))
}

// prometheusHandler serves the device collector plus Go runtime metrics
// from a private registry.
func (s *Server) prometheusHandler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		newDeviceCollector(s.manager, s.mqtt, s.hub),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
