package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"insight-agent/internal/worker"
)

const namespace = "insight"

// Metrics holds the agent collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	uploaded     prometheus.Counter
	pruned       prometheus.Counter
	queueDepth   prometheus.Gauge
	oldestAge    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Loop ticks by loop and outcome.",
		}, []string{"loop", "status"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one loop tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"loop"}),
		uploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_uploaded_total",
			Help:      "Queue records acknowledged by the collector and deleted.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_pruned_total",
			Help:      "Queue records removed by retention.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Records currently waiting in the local queue.",
		}),
		oldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_oldest_age_seconds",
			Help:      "Age of the oldest queued record.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.tickDuration, m.uploaded, m.pruned, m.queueDepth, m.oldestAge)
	}
	return m
}

func (m *Metrics) ObserveTick(loop string, r worker.Result, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(loop, r.Status.String()).Inc()
	m.tickDuration.WithLabelValues(loop).Observe(took.Seconds())
	if r.Uploaded > 0 {
		m.uploaded.Add(float64(r.Uploaded))
	}
}

func (m *Metrics) AddPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}

func (m *Metrics) SetQueue(depth int64, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.oldestAge.Set(oldestAge.Seconds())
}
