package uniques

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	records   *prometheus.CounterVec
	queries   *prometheus.CounterVec
	fallbacks prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uniques_records_total",
			Help: "Record calls by durability path and result",
		}, []string{"path", "result"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uniques_queries_total",
			Help: "Count queries by kind and the backend that answered",
		}, []string{"kind", "backend"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uniques_cache_read_fallbacks_total",
			Help: "Warm cache reads that failed and were answered by the event store",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.records, m.queries, m.fallbacks)
	}
	return m
}

func (m *Metrics) record(path, result string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(path, result).Inc()
}

func (m *Metrics) query(kind, backend string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(kind, backend).Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}
