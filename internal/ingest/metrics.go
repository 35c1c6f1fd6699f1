package ingest

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	batches    *prometheus.CounterVec
	events     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	rejections prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uniques_ingest_batches_total",
			Help: "Batches written by the ingestor, by result",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uniques_ingest_events_total",
			Help: "Events in written or dropped batches, by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uniques_ingest_queue_depth",
			Help: "Events waiting in the ingest queue",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uniques_ingest_rejected_total",
			Help: "Enqueue attempts refused because the queue was full or closed",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.events, m.queueDepth, m.rejections)
	}
	return m
}

func (m *metrics) batch(result string, size int) {
	m.batches.WithLabelValues(result).Inc()
	m.events.WithLabelValues(result).Add(float64(size))
}

func (m *metrics) depth(n int) { m.queueDepth.Set(float64(n)) }

func (m *metrics) rejected() { m.rejections.Inc() }
