package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.RecordAttempt("delivered", 20*time.Millisecond)
	m.RecordAttempt("delivered", 30*time.Millisecond)
	m.RecordAttempt("retry", time.Second)
	m.RecordTransition("ticket", "accepted")
	m.RecordClaimed(3)

	assert.InDelta(t, 2, testutil.ToFloat64(m.attempts.WithLabelValues("delivered")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.attempts.WithLabelValues("retry")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.eventsClaimed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.transitions.WithLabelValues("ticket", "accepted")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("/", "GET", 200, time.Millisecond)
		m.RecordError("/", "GET", "NOT_FOUND")
		m.RecordAttempt("exhausted", time.Second)
		m.RecordSLABreach("response")
		assert.Nil(t, m.Registry())
	})
}
