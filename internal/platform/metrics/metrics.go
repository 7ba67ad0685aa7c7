// Package metrics owns the Prometheus collectors for promotion and deployment outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modelops"

type Metrics struct {
	registry *prometheus.Registry

	GateEvaluations     *prometheus.CounterVec
	CanaryChecks        *prometheus.CounterVec
	Deployments         *prometheus.CounterVec
	Rollbacks           *prometheus.CounterVec
	IntegrityFailures   prometheus.Counter
	RegistrationSkipped *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		GateEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Promotion gate evaluations by verdict.",
		}, []string{"model", "result"}),
		CanaryChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "canary_checks_total",
			Help:      "Canary KPI comparisons by verdict.",
		}, []string{"model", "result"}),
		Deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployment transitions by stage and outcome.",
		}, []string{"stage", "result"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Operator rollbacks by outcome.",
		}, []string{"result"}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Artifact loads refused because of a checksum mismatch.",
		}),
		RegistrationSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_skipped_total",
			Help:      "Remote tracking calls degraded to a no-op.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GateEvaluations,
		m.CanaryChecks,
		m.Deployments,
		m.Rollbacks,
		m.IntegrityFailures,
		m.RegistrationSkipped,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Result renders a boolean verdict as a label value.
func Result(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) ObserveGate(model string, passed bool) {
	if m == nil {
		return
	}
	m.GateEvaluations.WithLabelValues(model, Result(passed)).Inc()
}

func (m *Metrics) ObserveCanary(model string, ok bool) {
	if m == nil {
		return
	}
	m.CanaryChecks.WithLabelValues(model, Result(ok)).Inc()
}

func (m *Metrics) ObserveDeployment(stage string, err error) {
	if m == nil {
		return
	}
	m.Deployments.WithLabelValues(stage, outcome(err)).Inc()
}

func (m *Metrics) ObserveRollback(err error) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) ObserveIntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}

func (m *Metrics) ObserveRegistrationSkipped(reason string) {
	if m == nil {
		return
	}
	m.RegistrationSkipped.WithLabelValues(reason).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
