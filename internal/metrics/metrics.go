// Package metrics defines the Prometheus metric surface of the harvester.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Run counters
	RunsTotal   *prometheus.CounterVec // status: success, failure, cancelled
	ErrorsTotal prometheus.Counter

	// Timers
	ScrapeDuration     prometheus.Histogram
	SemesterDuration   prometheus.Histogram
	ProgramDuration    prometheus.Histogram
	RowPersistDuration prometheus.Histogram

	// Row counters
	RowsTotal *prometheus.CounterVec // outcome: new, updated, skipped
}

// New creates a new Metrics instance with all metrics registered
func New(registry *prometheus.Registry) *Metrics {
	return &Metrics{
		RunsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vover_scraping_runs_total",
				Help: "Total number of scraping runs by outcome",
			},
			[]string{"status"},
		),

		ErrorsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "vover_scraping_errors_total",
				Help: "Total number of errors raised during scraping",
			},
		),

		ScrapeDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vover_scraping_duration_seconds",
				Help:    "Total duration of a scraping job",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),

		SemesterDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vover_scraping_semester_duration_seconds",
				Help:    "Duration of a single semester harvest",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),

		ProgramDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vover_scraping_program_duration_seconds",
				Help:    "Duration of a single study program scrape",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		RowPersistDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vover_scraping_row_persist_duration_seconds",
				Help:    "Duration of a single row upsert transaction",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
		),

		RowsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vover_scraping_rows_total",
				Help: "Total number of schedule rows processed by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordRun records a finished run with its outcome and duration.
func (m *Metrics) RecordRun(status string, duration float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.ScrapeDuration.Observe(duration)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// RecordRow records a processed schedule row.
func (m *Metrics) RecordRow(outcome string, persistSeconds float64) {
	m.RowsTotal.WithLabelValues(outcome).Inc()
	m.RowPersistDuration.Observe(persistSeconds)
}
