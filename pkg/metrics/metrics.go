package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carebot"

// Metrics holds the counters of the request pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests               *prometheus.CounterVec
	handlerFailures        *prometheus.CounterVec
	classificationFallback *prometheus.CounterVec
	memoryDegradations     *prometheus.CounterVec
	identityFallbacks      *prometheus.CounterVec
	unexpectedFailures     prometheus.Counter
}

// New creates counters and registers them to reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Routed requests by intent category.",
		}, []string{"category"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Handler failures answered with a scripted apology.",
		}, []string{"handler"}),
		classificationFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_fallbacks_total",
			Help:      "Classifications resolved by keyword matching.",
		}, []string{"reason"}),
		memoryDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_degradations_total",
			Help:      "Memory operations skipped because of a failure.",
		}, []string{"stage"}),
		identityFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_fallbacks_total",
			Help:      "Token validations that fell back to a guest identity.",
		}, []string{"reason"}),
		unexpectedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unexpected_failures_total",
			Help:      "Requests answered with the generic apology.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.handlerFailures,
			m.classificationFallback,
			m.memoryDegradations,
			m.identityFallbacks,
			m.unexpectedFailures,
		)
	}

	return m
}

func (m *Metrics) Request(category string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(category).Inc()
}

func (m *Metrics) HandlerFailure(handler string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(handler).Inc()
}

func (m *Metrics) ClassificationFallback(reason string) {
	if m == nil {
		return
	}
	m.classificationFallback.WithLabelValues(reason).Inc()
}

func (m *Metrics) MemoryDegradation(stage string) {
	if m == nil {
		return
	}
	m.memoryDegradations.WithLabelValues(stage).Inc()
}

func (m *Metrics) IdentityFallback(reason string) {
	if m == nil {
		return
	}
	m.identityFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) UnexpectedFailure() {
	if m == nil {
		return
	}
	m.unexpectedFailures.Inc()
}

// HandlerFailuresForTest returns the current handler failure count.
func (m *Metrics) HandlerFailuresForTest(handler string) prometheus.Counter {
	return m.handlerFailures.WithLabelValues(handler)
}

// ClassificationFallbacksForTest returns the fallback counter for reason.
func (m *Metrics) ClassificationFallbacksForTest(reason string) prometheus.Counter {
	return m.classificationFallback.WithLabelValues(reason)
}
