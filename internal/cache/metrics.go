// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("nodegraph.cache")

var (
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter

	metricsOnce sync.Once
)

// initMetrics initializes the cache instruments. Safe to call multiple times.
func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		if cacheHits, err = meter.Int64Counter(
			"nodegraph_cache_hits_total",
			metric.WithDescription("Total number of effect cache hits"),
		); err != nil {
			slog.Warn("cache metric init failed", slog.String("error", err.Error()))
		}
		if cacheMisses, err = meter.Int64Counter(
			"nodegraph_cache_misses_total",
			metric.WithDescription("Total number of effect cache misses"),
		); err != nil {
			slog.Warn("cache metric init failed", slog.String("error", err.Error()))
		}
		if cacheEvictions, err = meter.Int64Counter(
			"nodegraph_cache_evictions_total",
			metric.WithDescription("Total number of effect cache evictions"),
		); err != nil {
			slog.Warn("cache metric init failed", slog.String("error", err.Error()))
		}
	})
}

func recordLookup(ctx context.Context, backend string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	if hit {
		if cacheHits != nil {
			cacheHits.Add(ctx, 1, attrs)
		}
		return
	}
	if cacheMisses != nil {
		cacheMisses.Add(ctx, 1, attrs)
	}
}

func recordEviction(ctx context.Context, backend string) {
	if cacheEvictions != nil {
		cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
	}
}
