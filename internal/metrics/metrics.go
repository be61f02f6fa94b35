// Package metrics exposes compiler activity as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so library callers that
// do not care about metrics pass nil.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Compilation results.
const (
	ResultBuilt  = "built"
	ResultCached = "cached"
	ResultFailed = "failed"
)

// Metrics holds the compiler's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	compilations  *prometheus.CounterVec
	failures      *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	buildDuration prometheus.Histogram
	moduleSize    prometheus.Histogram
	buildsActive  prometheus.Gauge
}

// New creates the collectors and registers them.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.compilations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowc_compilations_total",
			Help: "Flow compilations by result (built, cached, failed)",
		},
		[]string{"result"},
	)
	m.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowc_compilation_errors_total",
			Help: "Failed compilations by error kind",
		},
		[]string{"kind"},
	)
	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowc_cache_hits_total",
		Help: "Compilations served from the module cache",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowc_cache_misses_total",
		Help: "Compilations that had to invoke the toolchain",
	})
	m.buildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowc_build_duration_seconds",
		Help:    "Wall time of toolchain builds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	m.moduleSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowc_module_size_bytes",
		Help:    "Size of built modules",
		Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
	})
	m.buildsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowc_builds_in_progress",
		Help: "Toolchain builds currently running",
	})

	m.registry.MustRegister(
		m.compilations, m.failures, m.cacheHits, m.cacheMisses,
		m.buildDuration, m.moduleSize, m.buildsActive,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Compiled counts a finished compilation.
func (m *Metrics) Compiled(result string) {
	if m == nil {
		return
	}
	m.compilations.WithLabelValues(result).Inc()
}

// Failed counts a failed compilation of the given error kind.
func (m *Metrics) Failed(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.compilations.WithLabelValues(ResultFailed).Inc()
	m.failures.WithLabelValues(kind).Inc()
}

// CacheHit counts a cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss counts a cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// BuildStarted marks a build as running. The returned func records its
// duration and, when size is positive, the module size.
func (m *Metrics) BuildStarted() func(size int) {
	if m == nil {
		return func(int) {}
	}
	start := time.Now()
	m.buildsActive.Inc()
	return func(size int) {
		m.buildsActive.Dec()
		m.buildDuration.Observe(time.Since(start).Seconds())
		if size > 0 {
			m.moduleSize.Observe(float64(size))
		}
	}
}

// WriteTextfile writes the current values in the node_exporter textfile
// format, replacing path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
