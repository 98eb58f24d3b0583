// Package metric owns the Prometheus registry of the process, the service-level metrics shared by
// every binary and the HTTP server exposing them.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/backtrack/errors"
)

// Namespace prefixes every metric of the module.
const Namespace = "backtrack"

// MetricsRegistrar is the registration surface components depend on.
type MetricsRegistrar interface {
	RegisterCounterVec(owner, name string, c *prometheus.CounterVec) error
	RegisterGauge(owner, name string, g prometheus.Gauge) error
	RegisterHistogram(owner, name string, h prometheus.Histogram) error
	RegisterHistogramVec(owner, name string, h *prometheus.HistogramVec) error
	Unregister(owner, name string) bool
}

// MetricsRegistry wraps a Prometheus registry and remembers which owner registered what, so a
// component can be torn down and rebuilt without duplicate-registration panics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

var _ MetricsRegistrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates a registry holding the service metrics and the Go runtime collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
		Metrics:            NewMetrics(),
	}

	r.prometheusRegistry.MustRegister(r.Metrics.collectors()...)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the service-level metrics.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

func (r *MetricsRegistry) register(method, owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := owner + "." + name
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered by %s", name, owner),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "MetricsRegistry", method,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", method, "register with prometheus")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounterVec registers a counter vector.
func (r *MetricsRegistry) RegisterCounterVec(owner, name string, c *prometheus.CounterVec) error {
	return r.register("RegisterCounterVec", owner, name, c)
}

// RegisterGauge registers a gauge.
func (r *MetricsRegistry) RegisterGauge(owner, name string, g prometheus.Gauge) error {
	return r.register("RegisterGauge", owner, name, g)
}

// RegisterHistogram registers a histogram.
func (r *MetricsRegistry) RegisterHistogram(owner, name string, h prometheus.Histogram) error {
	return r.register("RegisterHistogram", owner, name, h)
}

// RegisterHistogramVec registers a histogram vector.
func (r *MetricsRegistry) RegisterHistogramVec(owner, name string, h *prometheus.HistogramVec) error {
	return r.register("RegisterHistogramVec", owner, name, h)
}

// Unregister removes a metric registered by owner.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := owner + "." + name
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	if !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.registered, key)
	return true
}
