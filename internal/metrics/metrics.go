// Package metrics exposes Prometheus collectors for the verification client
// and the sandbox service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phoneverify"

// Outcome labels for a remote call.
const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport_error"
	OutcomeRejected  = "breaker_open"
)

// Metrics holds the client-side collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	tokenRefresh  prometheus.Counter
	transitions   *prometheus.CounterVec
	queueRejected prometheus.Counter
}

// New creates the client collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Remote calls by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Remote call latency.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"method"},
		),
		tokenRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "token_fetches_total",
			Help:      "Tokens fetched, including refreshes after INVALID_TOKEN.",
		}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Lifecycle transitions of verification sessions.",
			},
			[]string{"from", "to"},
		),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "queue_rejected_total",
			Help:      "Operations refused because the worker queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.tokenRefresh, m.transitions, m.queueRejected)
	}
	return m
}

// ObserveRequest records one remote call.
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

// TokenFetched counts a token fetch.
func (m *Metrics) TokenFetched() {
	if m == nil {
		return
	}
	m.tokenRefresh.Inc()
}

// Transition counts a lifecycle change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// QueueRejected counts an operation refused by the worker pool.
func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

// Service holds the sandbox service collectors.
type Service struct {
	results *prometheus.CounterVec
	pins    prometheus.Counter
}

// NewService creates the sandbox collectors and registers them on reg.
func NewService(reg prometheus.Registerer) *Service {
	s := &Service{
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "twin",
				Name:      "responses_total",
				Help:      "Responses by method path and result code.",
			},
			[]string{"path", "result_code"},
		),
		pins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twin",
			Name:      "pins_issued_total",
			Help:      "PIN codes generated.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.results, s.pins)
	}
	return s
}

// Result counts a response.
func (s *Service) Result(path, code string) {
	if s == nil {
		return
	}
	s.results.WithLabelValues(path, code).Inc()
}

// PinIssued counts a generated PIN.
func (s *Service) PinIssued() {
	if s == nil {
		return
	}
	s.pins.Inc()
}
