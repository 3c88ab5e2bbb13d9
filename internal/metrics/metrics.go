// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ticketline"

// Metrics is registered on its own registry so that tests and multiple
// servers in one process never collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	// Transitions counts state changes. Labels: from, to
	Transitions *prometheus.CounterVec
	// Outcomes counts workflows reaching a terminal state. Labels: state
	Outcomes *prometheus.CounterVec
	// StageDuration observes collaborator calls. Labels: stage, result
	StageDuration *prometheus.HistogramVec
	// ApprovalsRequested counts gate checkpoints. Labels: type
	ApprovalsRequested *prometheus.CounterVec
	// ApprovalsDecided counts decisions. Labels: type, decision
	ApprovalsDecided *prometheus.CounterVec
	// ApprovalsPending tracks approvals awaiting a decision.
	ApprovalsPending prometheus.Gauge
	// ActiveWorkflows tracks pipelines currently running in this process.
	ActiveWorkflows prometheus.Gauge
	// Notifications counts notifier deliveries. Labels: result
	Notifications *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Total number of workflow state transitions",
		}, []string{"from", "to"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "outcomes_total",
			Help:      "Total number of workflows that reached a terminal state",
		}, []string{"state"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Duration of stage collaborator calls in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage", "result"}),
		ApprovalsRequested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "requested_total",
			Help:      "Total number of approvals requested",
		}, []string{"type"}),
		ApprovalsDecided: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decided_total",
			Help:      "Total number of approval decisions",
		}, []string{"type", "decision"}),
		ApprovalsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Approvals currently awaiting a decision",
		}),
		ActiveWorkflows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "active",
			Help:      "Workflows whose pipeline is currently running",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Total number of approval notifications by result",
		}, []string{"result"}),
	}
}

// OrNew returns m, or a fresh unshared instance when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}
