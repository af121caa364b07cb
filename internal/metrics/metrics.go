/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the llmctl control plane.
//
// Metric naming follows Prometheus conventions:
//   - llmctl_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts flowchart runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmctl_runs_total",
			Help: "Total number of flowchart runs by terminal status.",
		},
		[]string{"status"},
	)

	// DispatchesTotal counts node dispatches by outcome.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmctl_dispatches_total",
			Help: "Total number of node dispatches by outcome.",
		},
		[]string{"outcome"},
	)

	// NodeDuration is a histogram of node execution duration by node type.
	NodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmctl_node_duration_seconds",
			Help:    "Duration of node executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"node_type"},
	)

	// DispatchConfirmLatency is a histogram of submit-to-startup-marker
	// latency.
	DispatchConfirmLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmctl_dispatch_confirm_latency_seconds",
			Help:    "Latency between job submission and startup marker.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// OutboxLag is a gauge of unpublished outbox envelopes.
	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmctl_outbox_unpublished",
			Help: "Committed envelopes awaiting broker publication.",
		},
	)

	// ToolOpsTotal counts tool domain operations by domain and status.
	ToolOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmctl_tool_operations_total",
			Help: "Total tool domain operations by domain and status.",
		},
		[]string{"domain", "status"},
	)
)

// Register installs all control plane metrics on a registry. Call once at
// startup with the process registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RunsTotal,
		DispatchesTotal,
		NodeDuration,
		DispatchConfirmLatency,
		OutboxLag,
		ToolOpsTotal,
	)
}
