// Package metrics exports engine state to prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dag-consensus/models"
)

// Metrics are the collectors updated by the consensus engine.
type Metrics struct {
	pending        prometheus.Gauge
	accepted       prometheus.Gauge
	orphans        prometheus.Gauge
	tips           prometheus.Gauge
	finalized      prometheus.Counter
	rejected       prometheus.Counter
	rounds         prometheus.Counter
	quorumFailures prometheus.Counter
	repolls        prometheus.Counter
	byzantine      prometheus.Counter
	violations     prometheus.Counter
	finalityTime   prometheus.Histogram
}

// New creates the collectors and registers them with registerer. A nil registerer
// leaves them unregistered, which tests running several engines rely on.
func New(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_vertices",
			Help:      "Number of vertices still voted on",
		}),
		accepted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accepted_vertices",
			Help:      "Number of accepted vertices waiting for structural burial",
		}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphan_vertices",
			Help:      "Number of vertices buffered for missing parents",
		}),
		tips: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tips",
			Help:      "Size of the tip set",
		}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_total",
			Help:      "Vertices that reached Final",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Vertices that reached Rejected",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Completed query rounds",
		}),
		quorumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quorum_failures_total",
			Help:      "Rounds discarded for lack of respondents",
		}),
		repolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repoll_vertices_total",
			Help:      "Empty vertices issued to bury accepted tips",
		}),
		byzantine: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "byzantine_answers_total",
			Help:      "Answers contradicting a locally finalized conflict set",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_violations_total",
			Help:      "Attempts to finalize a second member of a conflict set",
		}),
		finalityTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finality_latency_seconds",
			Help:      "Time from insertion to Final",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{
			m.pending,
			m.accepted,
			m.orphans,
			m.tips,
			m.finalized,
			m.rejected,
			m.rounds,
			m.quorumFailures,
			m.repolls,
			m.byzantine,
			m.violations,
			m.finalityTime,
		} {
			if err := registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Observe copies a snapshot into the gauges.
func (m *Metrics) Observe(s models.Metrics, tips int) {
	m.pending.Set(float64(s.PendingCount))
	m.accepted.Set(float64(s.AcceptedCount))
	m.orphans.Set(float64(s.OrphanCount))
	m.tips.Set(float64(tips))
}

func (m *Metrics) Finalized(latency time.Duration) {
	m.finalized.Inc()
	m.finalityTime.Observe(latency.Seconds())
}

func (m *Metrics) Rejected()         { m.rejected.Inc() }
func (m *Metrics) Round()            { m.rounds.Inc() }
func (m *Metrics) QuorumFailure()    { m.quorumFailures.Inc() }
func (m *Metrics) Repoll()           { m.repolls.Inc() }
func (m *Metrics) ByzantineAnswer()  { m.byzantine.Inc() }
func (m *Metrics) ConflictViolated() { m.violations.Inc() }
