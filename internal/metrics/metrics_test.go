package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("token", OutcomeOK, 20*time.Millisecond)
	m.ObserveRequest("token", OutcomeOK, 30*time.Millisecond)
	m.ObserveRequest("verify", OutcomeTransport, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("token", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("verify", OutcomeTransport)))

	n, err := testutil.GatherAndCount(reg, "phoneverify_client_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSessionCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.TokenFetched()
	m.TokenFetched()
	m.Transition("new", "pending")
	m.QueueRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokenRefresh))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("new", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueRejected))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("token", OutcomeOK, time.Millisecond)
		m.TokenFetched()
		m.Transition("a", "b")
		m.QueueRejected()
	})

	var s *Service
	assert.NotPanics(t, func() {
		s.Result("/token", "0")
		s.PinIssued()
	})
}

func TestServiceCounters(t *testing.T) {
	s := NewService(prometheus.NewRegistry())
	s.Result("/verify", "0")
	s.Result("/verify", "0")
	s.PinIssued()

	assert.Equal(t, 2.0, testutil.ToFloat64(s.results.WithLabelValues("/verify", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.pins))
}
