// Package telemetry exposes Prometheus collectors for model fitting and the
// estimator cache.
//
// Collectors are registered on a caller-supplied prometheus.Registerer so that
// tests and embedding programs can use their own registry. All methods are safe
// to call on a nil receiver, which disables the corresponding metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/YuminosukeSato/modl/core/model"
)

const namespace = "modl"

// CacheMetrics counts memoized calls by function name
type CacheMetrics struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	storeTime   *prometheus.HistogramVec
}

// NewCacheMetrics registers the cache collectors on reg
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	f := promauto.With(reg)
	return &CacheMetrics{
		hits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of memoized calls answered from the store",
			},
			[]string{"func"},
		),
		misses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of memoized calls that ran the wrapped function",
			},
			[]string{"func"},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "store_errors_total",
				Help:      "Total number of failed store or codec operations",
			},
			[]string{"func", "op"}, // op: "get", "set", "decode", "encode"
		),
		storeTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "store_duration_seconds",
				Help:      "Duration of store reads and writes in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"op"},
		),
	}
}

// Hit records a cache hit for fn
func (m *CacheMetrics) Hit(fn string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(fn).Inc()
}

// Miss records a cache miss for fn
func (m *CacheMetrics) Miss(fn string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(fn).Inc()
}

// StoreError records a failed store or codec operation
func (m *CacheMetrics) StoreError(fn, op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(fn, op).Inc()
}

// ObserveStore records how long a store operation took
func (m *CacheMetrics) ObserveStore(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeTime.WithLabelValues(op).Observe(d.Seconds())
}

// Progress is the per-batch view a fit callback receives.
// *completion.Snapshot satisfies it.
type Progress interface {
	Iteration() int
	DictChange() float64
	Status() model.FitStatus
}

// FitMetrics tracks online fitting progress by model name
type FitMetrics struct {
	callbacks  *prometheus.CounterVec
	iteration  *prometheus.GaugeVec
	dictChange *prometheus.GaugeVec
	rmse       *prometheus.GaugeVec
	fits       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewFitMetrics registers the fit collectors on reg
func NewFitMetrics(reg prometheus.Registerer) *FitMetrics {
	f := promauto.With(reg)
	return &FitMetrics{
		callbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fit",
				Name:      "callbacks_total",
				Help:      "Total number of progress callbacks delivered during fitting",
			},
			[]string{"model"},
		),
		iteration: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fit",
				Name:      "iteration",
				Help:      "Global mini-batch counter of the last reported batch",
			},
			[]string{"model"},
		),
		dictChange: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fit",
				Name:      "dict_change",
				Help:      "Relative Frobenius change of the dictionary in the last reported batch",
			},
			[]string{"model"},
		),
		rmse: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fit",
				Name:      "rmse",
				Help:      "Last observed RMSE over the observed entries of a split",
			},
			[]string{"model", "split"}, // split: "train", "test"
		),
		fits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fit",
				Name:      "completed_total",
				Help:      "Total number of finished fits by final status",
			},
			[]string{"model", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "fit",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of a fit in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"model"},
		),
	}
}

// ObserveBatch records a progress callback
func (m *FitMetrics) ObserveBatch(name string, p Progress) {
	if m == nil || p == nil {
		return
	}
	m.callbacks.WithLabelValues(name).Inc()
	m.iteration.WithLabelValues(name).Set(float64(p.Iteration()))
	m.dictChange.WithLabelValues(name).Set(p.DictChange())
}

// ObserveRMSE records an RMSE measured on split
func (m *FitMetrics) ObserveRMSE(name, split string, rmse float64) {
	if m == nil {
		return
	}
	m.rmse.WithLabelValues(name, split).Set(rmse)
}

// ObserveFit records a finished fit
func (m *FitMetrics) ObserveFit(name string, status model.FitStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.fits.WithLabelValues(name, status.String()).Inc()
	m.duration.WithLabelValues(name).Observe(d.Seconds())
}
