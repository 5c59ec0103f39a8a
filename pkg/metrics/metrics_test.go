package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.Commit(1)
	m.Commit(3)
	m.Abort("conflict")
	m.Abort("conflict")
	m.Abort("too_many_retries")
	m.Conflict()
	m.Escalation("mono")
	m.RetryWait()
	m.RetryTimeout()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.aborts.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.aborts.WithLabelValues("too_many_retries")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations.WithLabelValues("mono")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retryWaits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retryTimeouts))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Commit(1)
		m.Abort("x")
		m.Conflict()
		m.Escalation("fixed")
		m.RetryWait()
		m.RetryTimeout()
	})
}
