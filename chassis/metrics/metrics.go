// Package metrics exposes pipeline counters for the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Runs counts orchestrator run attempts by outcome.
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stacdc_run_attempts_total",
		Help: "Worker run attempts by outcome",
	}, []string{"dataset", "aoi", "outcome"})

	// RunDuration tracks the duration of one run attempt.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stacdc_run_duration_seconds",
		Help:    "Worker run attempt duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
	}, []string{"dataset", "aoi"})

	// Days counts processed days.
	Days = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stacdc_days_processed_total",
		Help: "Days processed by the worker pipeline",
	}, []string{"dataset", "aoi"})

	// Assets counts products by how they were obtained.
	Assets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stacdc_assets_total",
		Help: "Products per day by result (existing, downloaded, not_available)",
	}, []string{"dataset", "result"})

	// LastProcessedDay is the marker as a unix timestamp.
	LastProcessedDay = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stacdc_last_processed_day_timestamp",
		Help: "Last processed day per worker as unix seconds",
	}, []string{"dataset", "aoi"})

	// Registrations counts catalogue registrations.
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stacdc_catalogue_registrations_total",
		Help: "Catalogue registrations by result",
	}, []string{"dataset", "result"})

	// SkippedTicks counts scheduled ticks dropped because a run was in flight.
	SkippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stacdc_skipped_ticks_total",
		Help: "Scheduled runs skipped because the worker was busy",
	}, []string{"dataset", "aoi"})
)
