package motion

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type bridgeMetrics struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	actuationErrors  prometheus.Counter
	telemetry        prometheus.Counter
	telemetrySkipped prometheus.Counter
	deadmanArmed     prometheus.Gauge
	estopEngaged     prometheus.Gauge
}

func newBridgeMetrics() *bridgeMetrics {
	m := &bridgeMetrics{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Bridge events published, by event name",
		}, []string{"event"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "bridge",
			Name:      "commands_skipped_total",
			Help:      "Commands skipped before actuation, by reason",
		}, []string{"reason"}),
		actuationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "bridge",
			Name:      "actuation_errors_total",
			Help:      "Actuator calls that returned an error",
		}),
		telemetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "bridge",
			Name:      "telemetry_published_total",
			Help:      "Telemetry snapshots published",
		}),
		telemetrySkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "bridge",
			Name:      "telemetry_ticks_skipped_total",
			Help:      "Telemetry ticks skipped because the previous hardware read had not finished",
		}),
		deadmanArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riderpi",
			Subsystem: "bridge",
			Name:      "deadman_armed",
			Help:      "1 while a deadman timer is pending",
		}),
		estopEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riderpi",
			Subsystem: "bridge",
			Name:      "estop_engaged",
			Help:      "1 while the E-Stop flag is set",
		}),
	}

	m.registry.MustRegister(
		m.events,
		m.skipped,
		m.actuationErrors,
		m.telemetry,
		m.telemetrySkipped,
		m.deadmanArmed,
		m.estopEngaged,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *bridgeMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
