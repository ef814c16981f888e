// Package metrics holds the Prometheus collectors of the service. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "doctrust"

type Metrics struct {
	registry *prometheus.Registry

	documentsSigned    prometheus.Counter
	verifications      *prometheus.CounterVec
	auditWriteFailures *prometheus.CounterVec
	signAttempts       *prometheus.CounterVec
	signaturesRevoked  *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// New registers every collector on reg. Passing nil creates a private
// registry that also carries the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		documentsSigned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_signed_total",
			Help:      "Documents signed with the service key.",
		}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Signature verifications by result.",
		}, []string{"result"}),
		auditWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries that could not be written.",
		}, []string{"action"}),
		signAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_attempts_total",
			Help:      "Signature request sign attempts by outcome.",
		}, []string{"outcome"}),
		signaturesRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_revoked_total",
			Help:      "Revoked signatures by reason.",
		}, []string{"reason"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) DocumentSigned() {
	if m == nil {
		return
	}
	m.documentsSigned.Inc()
}

// Verification records a verification outcome: "valid" or "invalid".
func (m *Metrics) Verification(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditWriteFailed(action string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) SignAttempt(outcome string) {
	if m == nil {
		return
	}
	m.signAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SignatureRevoked(reason string) {
	if m == nil {
		return
	}
	m.signaturesRevoked.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
