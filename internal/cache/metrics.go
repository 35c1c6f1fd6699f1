package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the cache collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	state        prometheus.Gauge
	sketches     prometheus.Gauge
	warmDuration prometheus.Histogram
	warmEvents   prometheus.Counter
	warmFailures prometheus.Counter
	evictions    prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uniques_cache_state",
			Help: "Cache warm-up state (0=cold, 1=warming, 2=warm)",
		}),
		sketches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uniques_cache_day_sketches",
			Help: "Number of day sketches held in memory",
		}),
		warmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uniques_cache_warm_duration_seconds",
			Help:    "Duration of completed cache rebuilds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		warmEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uniques_cache_warm_events_total",
			Help: "Events replayed into sketches during rebuilds",
		}),
		warmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uniques_cache_warm_failures_total",
			Help: "Rebuilds that did not complete",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uniques_cache_evictions_total",
			Help: "Day sketches removed after their TTL elapsed",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.sketches, m.warmDuration, m.warmEvents, m.warmFailures, m.evictions)
	}
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) setSketches(n int) {
	if m == nil {
		return
	}
	m.sketches.Set(float64(n))
}

func (m *Metrics) warmDone(seconds float64, events int) {
	if m == nil {
		return
	}
	m.warmDuration.Observe(seconds)
	m.warmEvents.Add(float64(events))
}

func (m *Metrics) warmFailed(events int) {
	if m == nil {
		return
	}
	m.warmFailures.Inc()
	m.warmEvents.Add(float64(events))
}

func (m *Metrics) evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}
