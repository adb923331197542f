// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "cityassist"

// Subsystem for pipeline metrics
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds the Prometheus metrics mirrored from the Collector.
//
// # Description
//
// Provides counters and a latency histogram for monitoring pipeline
// outcomes. Initialize once at startup via InitMetrics(); registering twice
// panics due to duplicate registration in the default registry.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type PipelineMetrics struct {
	// RequestsTotal counts pipeline requests by terminal status.
	// Labels: status (success, error, toxic_detected)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures full pipeline processing time.
	// Labels: status (success, error, toxic_detected)
	RequestDurationSeconds *prometheus.HistogramVec

	// ToxicBlocksTotal counts requests blocked by the toxicity gate.
	ToxicBlocksTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total number of pipeline requests by terminal status",
			},
			[]string{"status"},
		),

		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Full pipeline processing time in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"status"},
		),

		ToxicBlocksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "toxic_blocks_total",
				Help:      "Total requests blocked by the toxicity gate",
			},
		),
	}

	return DefaultMetrics
}

// Observe records one completed request in the Prometheus mirror.
func (m *PipelineMetrics) Observe(success, wasToxic bool, elapsed time.Duration) {
	status := "error"
	switch {
	case wasToxic:
		status = "toxic_detected"
	case success:
		status = "success"
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.RequestDurationSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
	if wasToxic {
		m.ToxicBlocksTotal.Inc()
	}
}
