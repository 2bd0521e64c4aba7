// Package metrics holds the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_workflow_runs_total",
			Help: "Total number of workflow runs by terminal status",
		},
		[]string{"status"},
	)

	RunsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_workflow_failures_total",
			Help: "Failed workflow runs by failed state and error kind",
		},
		[]string{"state", "kind"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_workflow_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"state"},
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_workflow_runs_in_flight",
			Help: "Workflow runs currently executing",
		},
	)

	RunsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_workflow_runs_rejected_total",
			Help: "Runs rejected because the equipment already had one in flight",
		},
	)

	// Analysis metrics
	EstimatorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_estimator_failures_total",
			Help: "Specialist estimator failures excluded from consensus",
		},
		[]string{"specialist"},
	)

	SafetyRulesFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_safety_rules_fired_total",
			Help: "Safety policy rules that fired",
		},
		[]string{"rule"},
	)

	ActionsPlannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_actions_planned_total",
			Help: "Planned actions by type and priority",
		},
		[]string{"type", "priority"},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_notifications_total",
			Help: "Alert notification delivery attempts by outcome",
		},
		[]string{"status"},
	)

	// Monitor metrics
	MonitorTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_monitor_triggers_total",
			Help: "Auto-rerun triggers by outcome",
		},
		[]string{"outcome"},
	)
)
