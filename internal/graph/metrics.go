// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("nodegraph.graph")

type instruments struct {
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	activeNodes   metric.Int64UpDownCounter
	effectCalls   metric.Int64Counter
	cacheHits     metric.Int64Counter
	runLatency    metric.Float64Histogram
}

// initMetrics lazily creates the instruments. Failures are logged and the
// affected instrument stays nil.
func (g *Graph) initMetrics() {
	g.metricsOnce.Do(func() {
		var (
			initErrors []string
			err        error
			m          = &g.metrics
		)

		m.nodeLatency, err = meter.Float64Histogram("nodegraph_node_duration_seconds",
			metric.WithDescription("Time spent executing each node body"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		m.nodeSuccesses, err = meter.Int64Counter("nodegraph_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		m.nodeFailures, err = meter.Int64Counter("nodegraph_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		m.activeNodes, err = meter.Int64UpDownCounter("nodegraph_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		m.effectCalls, err = meter.Int64Counter("nodegraph_effect_calls_total",
			metric.WithDescription("Number of effect invocations"),
		)
		if err != nil {
			initErrors = append(initErrors, "effect_calls: "+err.Error())
		}

		m.cacheHits, err = meter.Int64Counter("nodegraph_effect_cache_hits_total",
			metric.WithDescription("Number of effect calls served from cache"),
		)
		if err != nil {
			initErrors = append(initErrors, "cache_hits: "+err.Error())
		}

		m.runLatency, err = meter.Float64Histogram("nodegraph_run_duration_seconds",
			metric.WithDescription("Total run duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			g.logger.Error("failed to initialize some graph metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
