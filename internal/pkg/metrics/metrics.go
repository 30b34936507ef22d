// Package metrics registers the verifier's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can run without a
// registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the verifier exports.
type Metrics struct {
	classifications *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	credits         *prometheus.CounterVec
	batches         *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	stageDuration   *prometheus.HistogramVec
	persistQueue    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_classifications_total",
				Help: "Verification results by classification.",
			},
			[]string{"classification"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_suppression_lookups_total",
				Help: "Suppression cache lookups by outcome (hit, miss, fallback, error).",
			},
			[]string{"outcome"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_suppression_writes_total",
				Help: "Suppression cache writes by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_credit_operations_total",
				Help: "Credit ledger operations by kind (charged, refused, refunded, fault).",
			},
			[]string{"kind"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_batches_total",
				Help: "Processed batches by outcome (committed, retried, failed, skipped).",
			},
			[]string{"outcome"},
		),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifier_batch_duration_seconds",
			Help:    "Wall time to verify and commit one batch.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifier_stage_duration_seconds",
			Help:    "Per-email pipeline stage latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		persistQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verifier_suppression_persist_pending",
			Help: "Suppression entries waiting to be persisted to the durable store.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.classifications, m.cacheLookups, m.cacheWrites, m.credits,
		m.batches, m.batchDuration, m.stageDuration, m.persistQueue,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Classification(class string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(class).Inc()
}

func (m *Metrics) Lookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Write(op, outcome string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Credit(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.credits.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Batch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BatchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(seconds)
}

func (m *Metrics) Stage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) PersistPending(delta float64) {
	if m == nil {
		return
	}
	m.persistQueue.Add(delta)
}
