// Package reactormetrics provides optional Prometheus instrumentation for a
// reactor.State. A reactor created without a Set pays no instrumentation
// cost; a Set registered against a *prometheus.Registry tracks registered
// watcher count, dispatch batch sizes, and dispatch latency.
package reactormetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set holds the Prometheus collectors a reactor.State updates on every
// dispatch step; the registered-watcher gauge is sampled at that point too,
// not on each register or unregister.
type Set struct {
	Registered prometheus.Gauge
	BatchSize  prometheus.Histogram
	DispatchMS prometheus.Histogram
}

// New creates a Set and registers its collectors against reg. namespace
// typically identifies the owning binary (e.g. "reactorecho").
func New(reg *prometheus.Registry, namespace string) *Set {
	s := &Set{
		Registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "registered_watchers",
			Help:      "Number of watchers currently registered with the reactor.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "dispatch_batch_size",
			Help:      "Number of events returned by a single dispatch step.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		DispatchMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "dispatch_duration_ms",
			Help:      "Wall-clock duration of a single dispatch step, in milliseconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(s.Registered, s.BatchSize, s.DispatchMS)
	return s
}

// ObserveDispatch records one dispatch step's result.
func (s *Set) ObserveDispatch(n int, registered int, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.Registered.Set(float64(registered))
	if n > 0 {
		s.BatchSize.Observe(float64(n))
	}
	s.DispatchMS.Observe(float64(elapsed.Microseconds()) / 1000.0)
}
