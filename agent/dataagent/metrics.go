package dataagent

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eumaka/swf-testbed/metric"
)

type metrics struct {
	runsRegistered           prometheus.Counter
	runRegistrationFailures  prometheus.Counter
	filesRegistered          prometheus.Counter
	fileRegistrationFailures prometheus.Counter
	eventsForwarded          prometheus.Counter
	countMismatches          prometheus.Counter
}

func newMetrics(registry *metric.Registry) *metrics {
	if registry == nil {
		return nil
	}

	m := &metrics{
		runsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "dataagent",
			Name:      "runs_registered_total",
			Help:      "Runs successfully created in the registry",
		}),
		runRegistrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "dataagent",
			Name:      "run_registration_failures_total",
			Help:      "Run create calls rejected or failed",
		}),
		filesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "dataagent",
			Name:      "files_registered_total",
			Help:      "STF files successfully created in the registry",
		}),
		fileRegistrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "dataagent",
			Name:      "file_registration_failures_total",
			Help:      "File create calls rejected or failed",
		}),
		eventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "dataagent",
			Name:      "events_forwarded_total",
			Help:      "data_ready events handed to the processing queue",
		}),
		countMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "dataagent",
			Name:      "count_mismatches_total",
			Help:      "Runs whose declared total differed from the observed count",
		}),
	}

	registry.RegisterCounter("dataagent", "runs_registered", m.runsRegistered)
	registry.RegisterCounter("dataagent", "run_registration_failures", m.runRegistrationFailures)
	registry.RegisterCounter("dataagent", "files_registered", m.filesRegistered)
	registry.RegisterCounter("dataagent", "file_registration_failures", m.fileRegistrationFailures)
	registry.RegisterCounter("dataagent", "events_forwarded", m.eventsForwarded)
	registry.RegisterCounter("dataagent", "count_mismatches", m.countMismatches)

	return m
}

func (m *metrics) recordRunRegistered() {
	if m == nil {
		return
	}
	m.runsRegistered.Inc()
}

func (m *metrics) recordRunRegistrationFailure() {
	if m == nil {
		return
	}
	m.runRegistrationFailures.Inc()
}

func (m *metrics) recordFileRegistered() {
	if m == nil {
		return
	}
	m.filesRegistered.Inc()
}

func (m *metrics) recordFileRegistrationFailure() {
	if m == nil {
		return
	}
	m.fileRegistrationFailures.Inc()
}

func (m *metrics) recordForwarded() {
	if m == nil {
		return
	}
	m.eventsForwarded.Inc()
}

func (m *metrics) recordCountMismatch() {
	if m == nil {
		return
	}
	m.countMismatches.Inc()
}
