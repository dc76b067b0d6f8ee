// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueDepth tracks the current number of queued actions.
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "uploadwatch",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of pending remediation actions",
	})

	// actionsEnqueued counts actions ever enqueued.
	actionsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uploadwatch",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total remediation actions enqueued",
	})

	// remediations counts executed remediation attempts.
	// Labels: status (success, error)
	remediations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uploadwatch",
		Subsystem: "worker",
		Name:      "remediations_total",
		Help:      "Remediation attempts by status",
	}, []string{"status"})

	// remediationLatency measures end-to-end remediation duration.
	remediationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uploadwatch",
		Subsystem: "worker",
		Name:      "remediation_seconds",
		Help:      "Remediation duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
)
