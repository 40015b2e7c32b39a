// Package metrics has prometheus metric variables updated by the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Updated by the event loop after each iteration.
	MemoryInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aox_memory_in_use_bytes",
			Help: "Heap memory in use, as seen by the event loop.",
		},
	)

	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aox_connections",
			Help: "Connections registered with the event loop, by type.",
		},
		[]string{"type"},
	)

	LoopGCRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aox_eventloop_gc_runs_total",
			Help: "Garbage collections forced by the event loop pacing rules.",
		},
	)

	FetcherBatchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aox_fetcher_batch_duration_seconds",
			Help:    "Elapsed time per fetcher batch. Sizing targets 30s.",
			Buckets: []float64{1, 5, 15, 30, 45, 60, 120, 300},
		},
	)

	FetcherBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aox_fetcher_batch_size",
			Help: "Most recently chosen fetcher batch size.",
		},
	)

	HelperRowRaces = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_helper_row_races_total",
			Help: "Unique-constraint races lost by helper-row creators, by table.",
		},
		[]string{"table"},
	)

	QueryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aox_query_failures_total",
			Help: "Database statements that completed with an error.",
		},
	)
)
