// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics aggregates request counts and timings for the assistant
// pipeline and produces a health snapshot on demand.
//
// The package has two layers: the Collector, an in-process accumulator that
// backs the /health report, and the Prometheus export in prometheus.go that
// mirrors the same observations for scraping.
package metrics

import (
	"sync"
	"time"
)

// sampleWindowCap bounds the rolling latency sample. Oldest samples are
// dropped first once the cap is reached.
const sampleWindowCap = 1000

// =============================================================================
// Collector
// =============================================================================

// Collector is the process-wide accumulator of pipeline outcomes.
//
// # Description
//
// Created once at process start, updated after every completed request, read
// on demand for a health report. Counters are never reset except by process
// restart. The running average response time is computed over a bounded
// rolling sample of the most recent observations.
//
// # Thread Safety
//
// All methods are safe for concurrent use; each update is atomic with
// respect to others.
type Collector struct {
	mu sync.Mutex

	total      int64
	successful int64
	failed     int64
	toxic      int64

	// samples is a ring buffer of the most recent elapsed times.
	samples   []time.Duration
	sampleSum time.Duration
	head      int

	average     time.Duration
	lastRequest time.Time

	prom *PipelineMetrics // optional Prometheus mirror, may be nil
}

// NewCollector creates an empty Collector. prom may be nil to disable the
// Prometheus mirror (tests, lightweight mode).
func NewCollector(prom *PipelineMetrics) *Collector {
	return &Collector{
		samples: make([]time.Duration, 0, sampleWindowCap),
		prom:    prom,
	}
}

// Record registers one completed request.
//
// # Description
//
// Increments the total counter and exactly one of the outcome counters:
// toxic blocks when wasToxic, successful when success and not toxic, failed
// otherwise. The elapsed time joins the rolling sample and the running
// average is recomputed from the current window.
//
// # Inputs
//
//   - success: Whether the request finished with a successful status.
//   - wasToxic: Whether the request was blocked by the toxicity gate.
//   - elapsed: Wall-clock processing time of the request.
func (c *Collector) Record(success, wasToxic bool, elapsed time.Duration) {
	c.mu.Lock()
	c.total++
	switch {
	case wasToxic:
		c.toxic++
	case success:
		c.successful++
	default:
		c.failed++
	}

	if len(c.samples) < sampleWindowCap {
		c.samples = append(c.samples, elapsed)
		c.sampleSum += elapsed
	} else {
		c.sampleSum += elapsed - c.samples[c.head]
		c.samples[c.head] = elapsed
		c.head = (c.head + 1) % sampleWindowCap
	}
	c.average = c.sampleSum / time.Duration(len(c.samples))
	c.lastRequest = time.Now()
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.Observe(success, wasToxic, elapsed)
	}
}

// =============================================================================
// Reporting
// =============================================================================

// HealthReport is the on-demand health view computed from current counters.
type HealthReport struct {
	TotalRequests       int64         `json:"total_requests"`
	SuccessRatePercent  float64       `json:"success_rate_percent"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ToxicBlocks         int64         `json:"toxic_blocks"`
}

// Snapshot is a full copy of the accumulator state.
type Snapshot struct {
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	ToxicBlocks         int64
	AverageResponseTime time.Duration
	LastRequestTime     time.Time
}

// HealthReport computes the health view. SuccessRatePercent is defined as 0
// when no requests have been recorded.
func (c *Collector) HealthReport() HealthReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := 0.0
	if c.total > 0 {
		rate = float64(c.successful) / float64(c.total) * 100
	}
	return HealthReport{
		TotalRequests:       c.total,
		SuccessRatePercent:  rate,
		AverageResponseTime: c.average,
		ToxicBlocks:         c.toxic,
	}
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		TotalRequests:       c.total,
		SuccessfulRequests:  c.successful,
		FailedRequests:      c.failed,
		ToxicBlocks:         c.toxic,
		AverageResponseTime: c.average,
		LastRequestTime:     c.lastRequest,
	}
}
