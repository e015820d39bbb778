package daqsim

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eumaka/swf-testbed/metric"
)

// Metrics holds prometheus metrics for the DAQ simulator
type Metrics struct {
	eventsPublished *prometheus.CounterVec
	publishFailures prometheus.Counter
	stfGenerated    prometheus.Counter
	runsCompleted   prometheus.Counter
}

// newMetrics creates and registers simulator metrics. Returns nil if no
// registry is provided; the record methods are nil-safe.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "daqsim",
			Name:      "events_published_total",
			Help:      "Events broadcast on the DAQ topic by message type",
		}, []string{"msg_type"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "daqsim",
			Name:      "publish_failures_total",
			Help:      "Broadcast attempts that failed (events are not retried)",
		}),
		stfGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "daqsim",
			Name:      "stf_generated_total",
			Help:      "Total STF files generated across all runs",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "daqsim",
			Name:      "runs_completed_total",
			Help:      "DAQ cycles driven to end_run",
		}),
	}

	registry.RegisterCounterVec("daqsim", "events_published", m.eventsPublished)
	registry.RegisterCounter("daqsim", "publish_failures", m.publishFailures)
	registry.RegisterCounter("daqsim", "stf_generated", m.stfGenerated)
	registry.RegisterCounter("daqsim", "runs_completed", m.runsCompleted)

	return m
}

func (m *Metrics) recordPublished(msgType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(msgType).Inc()
}

func (m *Metrics) recordPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) recordStf() {
	if m == nil {
		return
	}
	m.stfGenerated.Inc()
}

func (m *Metrics) recordRunCompleted() {
	if m == nil {
		return
	}
	m.runsCompleted.Inc()
}
