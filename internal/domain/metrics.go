package domain

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// Metrics records scan counters on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits    prometheus.Counter
	remoteCalls  *prometheus.CounterVec
	retries      prometheus.Counter
	limiterWait  prometheus.Histogram
	chunks       prometheus.Counter
	findings     *prometheus.CounterVec
	dependencies *prometheus.CounterVec
	scanDuration prometheus.Histogram
}

// NewMetrics registers the scan metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "cratewatch_cache_hits_total",
			Help: "Analyses served from the scan cache.",
		}),
		remoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cratewatch_remote_calls_total",
			Help: "Requests sent to the analysis service, by outcome.",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "cratewatch_remote_retries_total",
			Help: "Transient failures that were retried.",
		}),
		limiterWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cratewatch_rate_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot.",
			Buckets: []float64{0, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		chunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "cratewatch_chunks_total",
			Help: "Source chunks produced by the chunker.",
		}),
		findings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cratewatch_findings_total",
			Help: "Findings reported, by origin and severity.",
		}, []string{"origin", "severity"}),
		dependencies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cratewatch_dependencies_total",
			Help: "Dependencies scored, by risk level.",
		}, []string{"level"}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cratewatch_scan_duration_seconds",
			Help:    "Wall time of a complete scan.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Registry exposes the underlying registry.
func (mt *Metrics) Registry() *prometheus.Registry {
	if mt == nil {
		return nil
	}

	return mt.registry
}

// WriteTextfile writes the current metrics in the node_exporter textfile format.
func (mt *Metrics) WriteTextfile(path string) error {
	if mt == nil || path == "" {
		return nil
	}

	if err := prometheus.WriteToTextfile(path, mt.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	return nil
}

func (mt *Metrics) cacheHit() {
	if mt != nil {
		mt.cacheHits.Inc()
	}
}

func (mt *Metrics) remoteCall(outcome string) {
	if mt != nil {
		mt.remoteCalls.WithLabelValues(outcome).Inc()
	}
}

func (mt *Metrics) retry() {
	if mt != nil {
		mt.retries.Inc()
	}
}

func (mt *Metrics) waited(d time.Duration) {
	if mt != nil {
		mt.limiterWait.Observe(d.Seconds())
	}
}

func (mt *Metrics) chunked(n int) {
	if mt != nil {
		mt.chunks.Add(float64(n))
	}
}

func (mt *Metrics) found(findings []m.Finding) {
	if mt == nil {
		return
	}

	for _, f := range findings {
		if f.Unavailable {
			continue
		}

		mt.findings.WithLabelValues(string(f.Origin), string(f.Severity)).Inc()
	}
}

func (mt *Metrics) scored(level m.RiskLevel) {
	if mt != nil {
		mt.dependencies.WithLabelValues(string(level)).Inc()
	}
}

func (mt *Metrics) finished(d time.Duration) {
	if mt != nil {
		mt.scanDuration.Observe(d.Seconds())
	}
}
