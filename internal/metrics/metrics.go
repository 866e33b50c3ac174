// Package metrics exposes Prometheus counters for sampling, detection, jobs
// and exports.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics methods are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	framesSampled     prometheus.Counter
	framesDropped     prometheus.Counter
	framesFlagged     prometheus.Counter
	detectionDuration prometheus.Histogram
	detectionsKept    prometheus.Counter
	detectionErrors   prometheus.Counter
	jobsTotal         *prometheus.CounterVec
	exportFolders     *prometheus.CounterVec
	exportFrames      *prometheus.CounterVec
}

func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,
		framesSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labeler_frames_sampled_total",
			Help: "Frames decoded from video",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labeler_frames_dropped_total",
			Help: "Sampled frames discarded by the person filter",
		}),
		framesFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labeler_frames_flagged_total",
			Help: "Frames added to the review set by the blur filter",
		}),
		detectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labeler_detection_duration_seconds",
			Help:    "Time spent in one detector call",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		detectionsKept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labeler_detections_kept_total",
			Help: "Detections surviving threshold and clamping",
		}),
		detectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labeler_detection_errors_total",
			Help: "Failed detector calls",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labeler_jobs_total",
			Help: "Finished jobs by type and status",
		}, []string{"type", "status"}),
		exportFolders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labeler_export_folders_total",
			Help: "Clip folders exported per label",
		}, []string{"label"}),
		exportFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labeler_export_frames_total",
			Help: "Frames exported per label",
		}, []string{"label"}),
	}

	collectors := []prometheus.Collector{
		m.framesSampled, m.framesDropped, m.framesFlagged,
		m.detectionDuration, m.detectionsKept, m.detectionErrors,
		m.jobsTotal, m.exportFolders, m.exportFrames,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveChunk(sampled, dropped int) {
	if m == nil {
		return
	}
	m.framesSampled.Add(float64(sampled))
	m.framesDropped.Add(float64(dropped))
}

func (m *Metrics) ObserveFlagged(n int) {
	if m == nil {
		return
	}
	m.framesFlagged.Add(float64(n))
}

func (m *Metrics) ObserveDetection(d time.Duration, kept int, err error) {
	if m == nil {
		return
	}
	m.detectionDuration.Observe(d.Seconds())
	if err != nil {
		m.detectionErrors.Inc()
		return
	}
	m.detectionsKept.Add(float64(kept))
}

func (m *Metrics) ObserveJob(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ObserveExport(label string, folders, frames int) {
	if m == nil {
		return
	}
	m.exportFolders.WithLabelValues(label).Add(float64(folders))
	m.exportFrames.WithLabelValues(label).Add(float64(frames))
}
