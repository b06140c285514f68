package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// brokerMetrics holds the relay counters. Each broker owns its registry so several
// brokers can coexist in one process (tests).
type brokerMetrics struct {
	registry *prometheus.Registry

	relayed     prometheus.Counter
	dropped     prometheus.Counter
	malformed   prometheus.Counter
	publishers  prometheus.Gauge
	subscribers prometheus.Gauge
}

func newBrokerMetrics() *brokerMetrics {
	m := &brokerMetrics{
		registry: prometheus.NewRegistry(),

		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "broker",
			Name:      "frames_relayed_total",
			Help:      "Frames received from publishers and fanned out",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "broker",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a subscriber queue was full",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "riderpi",
			Subsystem: "broker",
			Name:      "frames_malformed_total",
			Help:      "Frames without a topic",
		}),
		publishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riderpi",
			Subsystem: "broker",
			Name:      "publishers",
			Help:      "Connected publishers",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "riderpi",
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Connected subscribers",
		}),
	}

	m.registry.MustRegister(m.relayed, m.dropped, m.malformed, m.publishers, m.subscribers)
	return m
}

func (m *brokerMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
