package application

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "powledger"

// Metrics exposes ledger activity as prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	blocksSealed prometheus.Counter
	hashAttempts prometheus.Counter
	sealDuration prometheus.Histogram
	pending      prometheus.Gauge
	chainHeight  prometheus.Gauge
}

// NewMetrics creates the ledger collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		blocksSealed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocks_sealed_total",
			Help:      "number of blocks sealed and appended to the chain",
		}),
		hashAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hash_attempts_total",
			Help:      "number of digests computed by successful nonce searches",
		}),
		sealDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "seal_duration_seconds",
			Help:      "wall time spent searching for a nonce",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_transactions",
			Help:      "transactions waiting to be sealed",
		}),
		chainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "chain_height",
			Help:      "index of the chain tip",
		}),
	}
}

func (m *Metrics) observeSeal(b Block, took time.Duration, pending int) {
	if m == nil {
		return
	}

	m.blocksSealed.Inc()
	m.hashAttempts.Add(float64(b.Attempts()))
	m.sealDuration.Observe(took.Seconds())
	m.chainHeight.Set(float64(b.Index))
	m.pending.Set(float64(pending))
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}

	m.pending.Set(float64(n))
}

func (m *Metrics) setHeight(index uint64) {
	if m == nil {
		return
	}

	m.chainHeight.Set(float64(index))
}
