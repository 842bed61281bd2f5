// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package metrics provides Prometheus instrumentation for the analytics
// pipeline: streaming event processing, batch jobs, warehouse ETL, worker
// supervision, and the cache connection.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming event processor

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_events_processed_total",
			Help: "Total number of events processed by the streaming processor",
		},
		[]string{"type"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_event_processing_seconds",
			Help:    "Duration of streaming event processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventProcessingErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_event_processing_errors_total",
			Help: "Total number of streaming event processing failures",
		},
	)

	EventQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_event_queue_length",
			Help: "Current length of the streaming processor's event queue",
		},
	)

	// Batch scheduler

	BatchJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_batch_job_duration_seconds",
			Help:    "Duration of batch aggregation jobs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	BatchJobErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_batch_job_errors_total",
			Help: "Total number of batch job failures",
		},
		[]string{"job"},
	)

	// Warehouse ETL

	ETLRowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_etl_rows_loaded_total",
			Help: "Total number of fact rows upserted by the warehouse ETL",
		},
		[]string{"fact_table"},
	)

	ETLRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_etl_run_duration_seconds",
			Help:    "Duration of full warehouse ETL runs in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	// Worker supervisor

	WorkerTasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_worker_tasks_completed_total",
			Help: "Total number of worker tasks completed",
		},
		[]string{"subsystem"},
	)

	WorkerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_worker_errors_total",
			Help: "Total number of worker task failures",
		},
		[]string{"subsystem"},
	)

	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_worker_restarts_total",
			Help: "Total number of worker restarts after a crash",
		},
		[]string{"subsystem"},
	)

	// Cache connection

	CacheConnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_cache_connect_attempts_total",
			Help: "Total number of cache connection attempts",
		},
	)

	CacheCommandErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_cache_command_errors_total",
			Help: "Total number of failed cache commands",
		},
	)
)

// ObserveEventProcessing records one processed event.
func ObserveEventProcessing(eventType string, elapsed time.Duration) {
	EventsProcessed.WithLabelValues(eventType).Inc()
	EventProcessingDuration.Observe(elapsed.Seconds())
}

// ObserveBatchJob records one batch job run.
func ObserveBatchJob(job string, elapsed time.Duration, err error) {
	BatchJobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	if err != nil {
		BatchJobErrors.WithLabelValues(job).Inc()
	}
}
