// Package metrics exposes llmdock's Prometheus metrics. There is no HTTP
// endpoint; metrics are written to a node-exporter textfile collector file.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	composeRebuilds   *prometheus.CounterVec
	benchmarkRuns     *prometheus.CounterVec
	benchmarkDuration prometheus.Histogram
	benchmarkActive   prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		composeRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llmdock",
				Subsystem: "compose",
				Name:      "rebuilds_total",
				Help:      "Compose artifact rewrites by result",
			},
			[]string{"result"},
		),
		benchmarkRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "llmdock",
				Subsystem: "benchmark",
				Name:      "runs_total",
				Help:      "Finished benchmark runs by terminal status",
			},
			[]string{"status"},
		),
		benchmarkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "llmdock",
				Subsystem: "benchmark",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of benchmark runs",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		benchmarkActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "llmdock",
				Subsystem: "benchmark",
				Name:      "active",
				Help:      "Benchmark runs currently executing",
			},
		),
	}
	m.reg.MustRegister(m.composeRebuilds, m.benchmarkRuns, m.benchmarkDuration, m.benchmarkActive)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ComposeRewrite records one artifact rewrite attempt. result is one of
// "ok", "rejected", "rolled_back" or "fatal".
func (m *Metrics) ComposeRewrite(result string) {
	if m == nil {
		return
	}
	m.composeRebuilds.WithLabelValues(result).Inc()
}

// BenchmarkStarted marks a run as executing.
func (m *Metrics) BenchmarkStarted() {
	if m == nil {
		return
	}
	m.benchmarkActive.Inc()
}

// BenchmarkFinished records a run leaving the executing state.
func (m *Metrics) BenchmarkFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.benchmarkActive.Dec()
	m.benchmarkRuns.WithLabelValues(status).Inc()
	m.benchmarkDuration.Observe(elapsed.Seconds())
}

// WriteTextfile writes all metrics in text exposition format to path,
// replacing it atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}
