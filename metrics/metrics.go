// Package metrics exposes Prometheus collectors fed from committed events.
// The collectors observe; no protocol logic ever reads a metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/happybigmtn/dicenet/consensus"
)

// Collector implements consensus.Observer and counts protocol activity.
type Collector struct {
	committedBatches prometheus.Counter
	committedOps     prometheus.Counter
	viewChanges      prometheus.Counter
	evidence         *prometheus.CounterVec
	lastCommitted    prometheus.Gauge
	currentView      prometheus.Gauge
}

// NewCollector builds the collectors and registers them with reg. Pass a
// per-node registry when running several validators in one process, the
// default registry otherwise.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		committedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dicenet",
			Name:      "committed_batches_total",
			Help:      "Batches committed by consensus.",
		}),
		committedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dicenet",
			Name:      "committed_operations_total",
			Help:      "Operations inside committed batches.",
		}),
		viewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dicenet",
			Name:      "view_changes_total",
			Help:      "View changes entered by this validator.",
		}),
		evidence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dicenet",
			Name:      "byzantine_evidence_total",
			Help:      "Detected misbehavior, by kind.",
		}, []string{"kind"}),
		lastCommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dicenet",
			Name:      "last_committed_sequence",
			Help:      "Highest committed batch sequence.",
		}),
		currentView: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dicenet",
			Name:      "current_view",
			Help:      "View this validator is operating in.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.committedBatches, c.committedOps, c.viewChanges, c.evidence, c.lastCommitted, c.currentView)
	}
	return c
}

// OnCommit counts the batch and its operations.
func (c *Collector) OnCommit(batch consensus.Batch, _ consensus.QuorumCertificate, _ []byte) {
	c.committedBatches.Inc()
	c.committedOps.Add(float64(len(batch.Operations)))
	c.lastCommitted.Set(float64(batch.Sequence))
}

// OnEvidence counts misbehavior by kind.
func (c *Collector) OnEvidence(ev consensus.Evidence) {
	c.evidence.WithLabelValues(string(ev.Kind)).Inc()
}

// OnViewChange counts the transition and tracks the new view.
func (c *Collector) OnViewChange(_, to consensus.View) {
	c.viewChanges.Inc()
	c.currentView.Set(float64(to))
}
