package locationjoin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/backtrack/metric"
)

const metricsOwner = "locationjoin"

// joinMetrics holds the Prometheus metrics of the joiner. A nil *joinMetrics records nothing.
type joinMetrics struct {
	notifications  *prometheus.CounterVec   // status: skipped, joined, failed
	failures       *prometheus.CounterVec   // kind
	warnings       *prometheus.CounterVec   // reason: non_unit_orientation, publish
	lookupDuration *prometheus.HistogramVec // outcome
	saveDuration   *prometheus.HistogramVec // outcome
	candidates     prometheus.Histogram
	poseOffset     prometheus.Histogram
}

func newJoinMetrics(registry metric.MetricsRegistrar) (*joinMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &joinMetrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "locationjoin",
			Name:      "notifications_total",
			Help:      "Change notifications handled by the joiner",
		}, []string{"status"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "locationjoin",
			Name:      "failures_total",
			Help:      "Creation notifications that produced no item, by failure kind",
		}, []string{"kind"}),

		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "locationjoin",
			Name:      "warnings_total",
			Help:      "Joined items with a non-fatal anomaly",
		}, []string{"reason"}),

		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "locationjoin",
			Name:      "lookup_duration_seconds",
			Help:      "Pose lookup latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"outcome"}),

		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "locationjoin",
			Name:      "save_duration_seconds",
			Help:      "Location queue write latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"outcome"}),

		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "locationjoin",
			Name:      "pose_candidates",
			Help:      "Poses found in the window per lookup",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		}),

		poseOffset: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "locationjoin",
			Name:      "pose_offset_milliseconds",
			Help:      "Selected pose timestamp minus measurement timestamp",
			Buckets:   prometheus.LinearBuckets(-10, 2, 11),
		}),
	}

	counters := map[string]*prometheus.CounterVec{
		"notifications_total": m.notifications,
		"failures_total":      m.failures,
		"warnings_total":      m.warnings,
	}
	for name, c := range counters {
		if err := registry.RegisterCounterVec(metricsOwner, name, c); err != nil {
			m.unregister(registry)
			return nil, err
		}
	}
	histogramVecs := map[string]*prometheus.HistogramVec{
		"lookup_duration_seconds": m.lookupDuration,
		"save_duration_seconds":   m.saveDuration,
	}
	for name, h := range histogramVecs {
		if err := registry.RegisterHistogramVec(metricsOwner, name, h); err != nil {
			m.unregister(registry)
			return nil, err
		}
	}
	histograms := map[string]prometheus.Histogram{
		"pose_candidates":          m.candidates,
		"pose_offset_milliseconds": m.poseOffset,
	}
	for name, h := range histograms {
		if err := registry.RegisterHistogram(metricsOwner, name, h); err != nil {
			m.unregister(registry)
			return nil, err
		}
	}
	return m, nil
}

func (m *joinMetrics) unregister(registry metric.MetricsRegistrar) {
	for _, name := range []string{
		"notifications_total", "failures_total", "warnings_total",
		"lookup_duration_seconds", "save_duration_seconds", "pose_candidates", "pose_offset_milliseconds",
	} {
		registry.Unregister(metricsOwner, name)
	}
}

func (m *joinMetrics) recordStatus(status Status) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(status)).Inc()
}

func (m *joinMetrics) recordFailure(kind Kind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind.String()).Inc()
}

func (m *joinMetrics) recordWarning(reason string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(reason).Inc()
}

func (m *joinMetrics) recordLookup(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.lookupDuration.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

func (m *joinMetrics) recordSave(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.saveDuration.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

func (m *joinMetrics) recordMatch(candidates int, offsetMs int64) {
	if m == nil {
		return
	}
	m.candidates.Observe(float64(candidates))
	m.poseOffset.Observe(float64(offsetMs))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
