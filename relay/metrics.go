package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eumaka/swf-testbed/metric"
)

type metrics struct {
	eventsRelayed    *prometheus.CounterVec
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
}

func newMetrics(registry *metric.Registry) *metrics {
	if registry == nil {
		return nil
	}

	m := &metrics{
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "relay",
			Name:      "events_relayed_total",
			Help:      "Events fanned out to websocket clients by message type",
		}, []string{"msg_type"}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swf",
			Subsystem: "relay",
			Name:      "clients_connected",
			Help:      "Currently connected websocket clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "relay",
			Name:      "client_connections_total",
			Help:      "Total websocket client connections accepted",
		}),
	}

	registry.RegisterCounterVec("relay", "events_relayed", m.eventsRelayed)
	registry.RegisterGauge("relay", "clients_connected", m.clientsConnected)
	registry.RegisterCounter("relay", "connections_total", m.connectionsTotal)

	return m
}

func (m *metrics) recordRelayed(msgType string) {
	if m == nil {
		return
	}
	m.eventsRelayed.WithLabelValues(msgType).Inc()
}

func (m *metrics) recordConnect(clients int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *metrics) recordDisconnect(clients int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(clients))
}
