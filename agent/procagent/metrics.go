package procagent

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eumaka/swf-testbed/metric"
)

type metrics struct {
	datasetsOpened  prometheus.Counter
	filesProcessed  prometheus.Counter
	tasksSubmitted  prometheus.Counter
	submitFailures  prometheus.Counter
	catalogFailures prometheus.Counter
	eventsForwarded prometheus.Counter
	countMismatches prometheus.Counter
}

func newMetrics(registry *metric.Registry) *metrics {
	if registry == nil {
		return nil
	}

	m := &metrics{
		datasetsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "procagent",
			Name:      "datasets_opened_total",
			Help:      "Datasets opened in the data catalog",
		}),
		filesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "procagent",
			Name:      "files_processed_total",
			Help:      "Files attached and marked processed",
		}),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "procagent",
			Name:      "tasks_submitted_total",
			Help:      "Batch tasks submitted over closed datasets",
		}),
		submitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "procagent",
			Name:      "submit_failures_total",
			Help:      "Batch task submissions that failed",
		}),
		catalogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "procagent",
			Name:      "catalog_failures_total",
			Help:      "Data catalog calls rejected or failed",
		}),
		eventsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "procagent",
			Name:      "events_forwarded_total",
			Help:      "processing_complete events forwarded downstream",
		}),
		countMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swf",
			Subsystem: "procagent",
			Name:      "count_mismatches_total",
			Help:      "Runs whose declared total differed from the observed count",
		}),
	}

	registry.RegisterCounter("procagent", "datasets_opened", m.datasetsOpened)
	registry.RegisterCounter("procagent", "files_processed", m.filesProcessed)
	registry.RegisterCounter("procagent", "tasks_submitted", m.tasksSubmitted)
	registry.RegisterCounter("procagent", "submit_failures", m.submitFailures)
	registry.RegisterCounter("procagent", "catalog_failures", m.catalogFailures)
	registry.RegisterCounter("procagent", "events_forwarded", m.eventsForwarded)
	registry.RegisterCounter("procagent", "count_mismatches", m.countMismatches)

	return m
}

func (m *metrics) recordDatasetOpened() {
	if m == nil {
		return
	}
	m.datasetsOpened.Inc()
}

func (m *metrics) recordFileProcessed() {
	if m == nil {
		return
	}
	m.filesProcessed.Inc()
}

func (m *metrics) recordTaskSubmitted() {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

func (m *metrics) recordSubmitFailure() {
	if m == nil {
		return
	}
	m.submitFailures.Inc()
}

func (m *metrics) recordCatalogFailure() {
	if m == nil {
		return
	}
	m.catalogFailures.Inc()
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
