// Package metrics exposes pipeline stage outcomes to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for reduction runs.
type PipelineMetrics struct {
	registry *prometheus.Registry

	stagesTotal    *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	filesTotal     *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	fitFailures    *prometheus.CounterVec
	activeWorkers  prometheus.Gauge
	runsTotal      *prometheus.CounterVec
}

// NewPipelineMetrics creates and registers the pipeline metrics.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.stagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubered_stage_outcomes_total",
			Help: "Stage outcomes per file",
		},
		[]string{"stage", "state"}, // state: skipped, done, failed
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "cubered_stage_duration_seconds",
			Help: "Wall time of stages that ran",
			// 50ms to ~7min
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	m.filesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubered_files_total",
			Help: "Input files processed",
		},
		[]string{"status"},
	)

	m.framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubered_frames_rejected_total",
			Help: "Frames dropped by frame selection or failed registration",
		},
		[]string{"reason"},
	)

	m.fitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubered_fit_failures_total",
			Help: "Windows whose PSF fit or centroid did not converge",
		},
		[]string{"method"},
	)

	m.activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cubered_active_workers",
			Help: "Workers currently reducing a file",
		},
	)

	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubered_runs_total",
			Help: "Completed runs",
		},
		[]string{"status"},
	)
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.stagesTotal.Describe(ch)
	m.stageDuration.Describe(ch)
	m.filesTotal.Describe(ch)
	m.framesRejected.Describe(ch)
	m.fitFailures.Describe(ch)
	m.activeWorkers.Describe(ch)
	m.runsTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.stagesTotal.Collect(ch)
	m.stageDuration.Collect(ch)
	m.filesTotal.Collect(ch)
	m.framesRejected.Collect(ch)
	m.fitFailures.Collect(ch)
	m.activeWorkers.Collect(ch)
	m.runsTotal.Collect(ch)
}

// RecordStage records a stage outcome; duration is observed only for stages
// that ran.
func (m *PipelineMetrics) RecordStage(stage, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.stagesTotal.WithLabelValues(stage, state).Inc()
	if state != "skipped" {
		m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RecordFile records the outcome of one input file.
func (m *PipelineMetrics) RecordFile(status string) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(status).Inc()
}

// RecordRejected counts dropped frames.
func (m *PipelineMetrics) RecordRejected(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesRejected.WithLabelValues(reason).Add(float64(n))
}

// RecordFitFailure counts a non-converged window.
func (m *PipelineMetrics) RecordFitFailure(method string) {
	if m == nil {
		return
	}
	m.fitFailures.WithLabelValues(method).Inc()
}

// WorkerStarted and WorkerDone track pool occupancy.
func (m *PipelineMetrics) WorkerStarted() {
	if m != nil {
		m.activeWorkers.Inc()
	}
}

func (m *PipelineMetrics) WorkerDone() {
	if m != nil {
		m.activeWorkers.Dec()
	}
}

// RecordRun records a finished run.
func (m *PipelineMetrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}
