// Package metrics exposes sensor counters to Prometheus through a private
// registry.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-posture/internal/pipeline"
	"github.com/e7canasta/orion-posture/internal/status"
)

// PipelineSource reports pipeline statistics
type PipelineSource interface {
	Stats() pipeline.Stats
}

// StatusSource reports status machine statistics
type StatusSource interface {
	Counters() status.Counters
	Monitoring() bool
}

// Metrics holds all sensor metrics
type Metrics struct {
	// Command counters
	CommandsReceived atomic.Uint64
	CommandsRejected atomic.Uint64

	// Calibration counters
	CalibrationsOK     atomic.Uint64
	CalibrationsFailed atomic.Uint64

	pipeline PipelineSource
	status   StatusSource

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a Metrics instance reading pipeline and status counters on
// every scrape
func New(p PipelineSource, s StatusSource) *Metrics {
	m := &Metrics{
		pipeline: p,
		status:   s,
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) pipelineStats() pipeline.Stats {
	if m.pipeline == nil {
		return pipeline.Stats{}
	}
	return m.pipeline.Stats()
}

func (m *Metrics) statusCounters() status.Counters {
	if m.status == nil {
		return status.Counters{}
	}
	return m.status.Counters()
}

// registerPrometheusMetrics registers all metrics with the private registry
func (m *Metrics) registerPrometheusMetrics() {
	// Frame pipeline
	m.gauge("posture_frames_captured_total", "Total frames delivered by the capture source",
		func() float64 { return float64(m.pipelineStats().FramesCaptured) })
	m.gauge("posture_frames_processed_total", "Total frames passed to the keypoint provider",
		func() float64 { return float64(m.pipelineStats().FramesProcessed) })
	m.gauge("posture_frames_dropped_total", "Total frames dropped because processing was busy",
		func() float64 { return float64(m.pipelineStats().FramesDropped) })
	m.gauge("posture_frames_stale_total", "Total frames discarded after their session stopped",
		func() float64 { return float64(m.pipelineStats().FramesStale) })
	m.gauge("posture_provider_errors_total", "Total keypoint extraction failures",
		func() float64 { return float64(m.pipelineStats().ProviderErrors) })
	m.gauge("posture_no_detections_total", "Total frames without a detected body",
		func() float64 { return float64(m.pipelineStats().NoBody) })
	m.gauge("posture_setup_failures_total", "Total capture setup failures",
		func() float64 { return float64(m.pipelineStats().SetupFailures) })
	m.gauge("posture_metric", "Last computed posture metric",
		func() float64 { return m.pipelineStats().LastMetric })
	m.gauge("posture_deviation_percent", "Last deviation from the calibration baseline",
		func() float64 { return m.pipelineStats().LastDeviation })

	// Status machine
	m.gauge("posture_status_changes_total", "Total status changes",
		func() float64 { return float64(m.statusCounters().Applied) })
	m.gauge("posture_status_redundant_total", "Total redundant status writes",
		func() float64 { return float64(m.statusCounters().Redundant) })
	m.gauge("posture_status_stale_total", "Total status updates discarded from stopped sessions",
		func() float64 { return float64(m.statusCounters().Stale) })
	m.gauge("posture_monitoring", "Monitoring session active (0=no, 1=yes)",
		func() float64 {
			if m.status != nil && m.status.Monitoring() {
				return 1
			}
			return 0
		})

	// Calibration
	m.gauge("posture_calibrations_ok_total", "Total successful calibrations",
		func() float64 { return float64(m.CalibrationsOK.Load()) })
	m.gauge("posture_calibrations_failed_total", "Total failed calibrations",
		func() float64 { return float64(m.CalibrationsFailed.Load()) })

	// Commands
	m.gauge("posture_commands_received_total", "Total commands received",
		func() float64 { return float64(m.CommandsReceived.Load()) })
	m.gauge("posture_commands_rejected_total", "Total commands rejected",
		func() float64 { return float64(m.CommandsRejected.Load()) })
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
