// Package metrics exposes Prometheus collectors for the SQL generation agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labsql",
			Subsystem: "agent",
			Name:      "decisions_total",
			Help:      "Terminal decisions by outcome and failure code",
		},
		[]string{"outcome", "code"},
	)

	Iterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "labsql",
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Iterations consumed per request",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labsql",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by tool and status",
		},
		[]string{"tool", "status"},
	)

	ValidationRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labsql",
			Subsystem: "agent",
			Name:      "validation_rejections_total",
			Help:      "Final answers rejected by the SQL validator",
		},
		[]string{"code"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "labsql",
			Subsystem: "agent",
			Name:      "request_duration_seconds",
			Help:      "Wall-clock time of one SQL generation request",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		},
	)

	AuditFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labsql",
			Subsystem: "agent",
			Name:      "audit_failures_total",
			Help:      "Decisions that could not be written to the audit log",
		},
	)
)

// RecordDecision records a terminal decision. code is empty on success.
func RecordDecision(ok bool, code string, iterations int, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	DecisionsTotal.WithLabelValues(outcome, code).Inc()
	Iterations.Observe(float64(iterations))
	RequestDuration.Observe(elapsed.Seconds())
}

func RecordToolCall(tool string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

func RecordValidationRejection(code string) {
	ValidationRejectionsTotal.WithLabelValues(code).Inc()
}

func RecordAuditFailure() {
	AuditFailuresTotal.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
