package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for recruitment workflows.
type Metrics struct {
	registry *prometheus.Registry

	// Candidate submissions by step
	Submissions *prometheus.CounterVec

	// Admin decisions by step and outcome
	StepDecisions *prometheus.CounterVec

	// Whole-application outcomes: verified, rejected
	ApplicationOutcomes *prometheus.CounterVec

	// Bulk chunks by action and result
	BulkChunks *prometheus.CounterVec

	// Edit conflicts raised by open editing sessions
	EditConflicts *prometheus.CounterVec

	// Open editing sessions
	EditSessions prometheus.Gauge

	// Audit events dropped because the delivery queue was full or closed
	AuditDropped prometheus.Counter

	// Audit events at least one publisher failed to deliver
	AuditFailures prometheus.Counter
}

// New creates a Metrics instance registered on its own registry together with the Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oprec_registration_submissions_total",
			Help: "Candidate step submissions by step",
		}, []string{"step"}),
		StepDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oprec_registration_step_decisions_total",
			Help: "Admin step decisions by step and outcome",
		}, []string{"step", "outcome"}), // outcome: "approved", "rejected"
		ApplicationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oprec_registration_outcomes_total",
			Help: "Whole-application admin outcomes",
		}, []string{"outcome"}),
		BulkChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oprec_bulk_chunks_total",
			Help: "Bulk operation chunks by action and result",
		}, []string{"action", "result"}),
		EditConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oprec_edit_conflicts_total",
			Help: "Concurrent edit conflicts detected by collection",
		}, []string{"collection"}),
		EditSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oprec_edit_sessions_open",
			Help: "Editing sessions currently subscribed to record changes",
		}),
		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "oprec_audit_dropped_total",
			Help: "Audit events dropped before delivery",
		}),
		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "oprec_audit_publish_failures_total",
			Help: "Audit events a publisher failed to deliver",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncrementSubmission records a candidate submission.
func (m *Metrics) IncrementSubmission(step int) {
	if m != nil {
		m.Submissions.WithLabelValues(strconv.Itoa(step)).Inc()
	}
}

// IncrementStepDecision records an admin approve or reject on a step.
func (m *Metrics) IncrementStepDecision(step int, approved bool) {
	if m != nil {
		outcome := "rejected"
		if approved {
			outcome = "approved"
		}
		m.StepDecisions.WithLabelValues(strconv.Itoa(step), outcome).Inc()
	}
}

// IncrementApplicationOutcome records a whole-application decision.
func (m *Metrics) IncrementApplicationOutcome(outcome string) {
	if m != nil {
		m.ApplicationOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncrementBulkChunk records one committed or failed bulk chunk.
func (m *Metrics) IncrementBulkChunk(action string, committed bool) {
	if m != nil {
		result := "failed"
		if committed {
			result = "committed"
		}
		m.BulkChunks.WithLabelValues(action, result).Inc()
	}
}

// IncrementEditConflict records a detected edit conflict.
func (m *Metrics) IncrementEditConflict(collection string) {
	if m != nil {
		m.EditConflicts.WithLabelValues(collection).Inc()
	}
}

// SessionOpened and SessionClosed track live editing sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.EditSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.EditSessions.Dec()
	}
}

// IncrementAuditDropped records an audit event that was never queued.
func (m *Metrics) IncrementAuditDropped() {
	if m != nil {
		m.AuditDropped.Inc()
	}
}

// IncrementAuditFailure records an audit event that failed to publish.
func (m *Metrics) IncrementAuditFailure() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}
