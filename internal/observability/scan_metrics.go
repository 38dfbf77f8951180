package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScanCollector exposes scan execution metrics. It satisfies the
// executor's Metrics interface.
type ScanCollector struct {
	gatherer prometheus.Gatherer

	BatchesTotal   *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	BatchesRunning prometheus.Gauge
	PointsTotal    *prometheus.CounterVec
	PointDuration  prometheus.Histogram
}

// NewScanCollector registers scan metrics against the provided registerer.
func NewScanCollector(reg prometheus.Registerer) (*ScanCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tas_scan_batches_total",
		Help: "Finished scan batches, labeled by terminal state.",
	}, []string{"state"})
	batches, err := registerCounterVec(reg, batches, "tas_scan_batches_total")
	if err != nil {
		return nil, err
	}

	batchHistogram, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tas_scan_batch_duration_seconds",
		Help:    "Wall time of whole scan batches.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}), "tas_scan_batch_duration_seconds")
	if err != nil {
		return nil, err
	}

	running, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tas_scan_batches_running",
		Help: "Scan batches currently running.",
	}), "tas_scan_batches_running")
	if err != nil {
		return nil, err
	}

	points := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tas_scan_points_total",
		Help: "Scan points handled, labeled by outcome (success, failure, skipped).",
	}, []string{"outcome"})
	points, err = registerCounterVec(reg, points, "tas_scan_points_total")
	if err != nil {
		return nil, err
	}

	pointHistogram, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tas_scan_point_duration_seconds",
		Help:    "Backend wall time per dispatched scan point.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}), "tas_scan_point_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ScanCollector{
		gatherer:       gathererFor(reg),
		BatchesTotal:   batches,
		BatchDuration:  batchHistogram,
		BatchesRunning: running,
		PointsTotal:    points,
		PointDuration:  pointHistogram,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ScanCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// BatchStarted marks a batch as running.
func (c *ScanCollector) BatchStarted() {
	if c == nil || c.BatchesRunning == nil {
		return
	}
	c.BatchesRunning.Inc()
}

// BatchFinished records a batch's terminal state and wall time.
func (c *ScanCollector) BatchFinished(state string, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.BatchesRunning != nil {
		c.BatchesRunning.Dec()
	}
	if c.BatchesTotal != nil {
		c.BatchesTotal.WithLabelValues(state).Inc()
	}
	if c.BatchDuration != nil {
		c.BatchDuration.Observe(elapsed.Seconds())
	}
}

// PointFinished records one point. Skipped points carry no duration.
func (c *ScanCollector) PointFinished(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.PointsTotal != nil {
		c.PointsTotal.WithLabelValues(outcome).Inc()
	}
	if c.PointDuration != nil && outcome != "skipped" {
		c.PointDuration.Observe(elapsed.Seconds())
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
