package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCounter(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "swf",
		Subsystem: "daqsim",
		Name:      "stf_generated_total",
		Help:      "Total STF files generated",
	})

	require.NoError(t, r.RegisterCounter("daqsim", "stf_generated", counter))
}

func TestRegisterCounter_DuplicateKey(t *testing.T) {
	r := NewRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "swf_a_total"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "swf_b_total"})

	require.NoError(t, r.RegisterCounter("agent", "events", c1))
	err := r.RegisterCounter("agent", "events", c2)
	assert.Error(t, err, "same service/metric key must be rejected")
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "swf_c_total"})
	require.NoError(t, r.RegisterCounter("agent", "events", c))

	assert.True(t, r.Unregister("agent", "events"))
	assert.False(t, r.Unregister("agent", "events"))

	// Re-registration after unregister is allowed
	require.NoError(t, r.RegisterCounter("agent", "events", c))
}

func TestRegisterGaugeAndHistogram(t *testing.T) {
	r := NewRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "swf_active_runs"})
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "swf_handler_seconds"})

	require.NoError(t, r.RegisterGauge("agent", "active_runs", g))
	require.NoError(t, r.RegisterHistogram("agent", "handler_duration", h))
}
