package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCommand(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCommand(ResultOK, 40*time.Millisecond)
	m.ObserveCommand(ResultOK, 60*time.Millisecond)
	m.ObserveCommand(ResultTimeout, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues(ResultTimeout)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CommandDuration))
}

func TestBreakerAndPredictions(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetBreaker("live", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("live")))
	m.SetBreaker("live", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("live")))

	m.SetPredictions(map[string]int{"warning": 2})
	m.SetPredictions(map[string]int{"good": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(m.Predictions))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveCommand(ResultOK, time.Millisecond)
		m.SetQueueDepth(3)
		m.PollCycle()
		m.TickSkipped("busy")
		m.ParameterError("engine_rpm", "timeout")
		m.SetDisabled(1)
		m.SetBreaker("live", true)
		m.SetValue("engine_rpm", "rpm", 800)
		m.Reconnect()
		m.SetPredictions(nil)
	})
}
