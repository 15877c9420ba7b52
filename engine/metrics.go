package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes consensus counters and gauges. The registerer is injected
// so multiple nodes in one process do not collide.
type Metrics struct {
	CommittedBlocks    prometheus.Counter
	ViewChanges        prometheus.Counter
	RejectedMessages   prometheus.Counter
	TimeoutAdjustments prometheus.Counter
	EvidenceCollected  prometheus.Counter

	CurrentView       prometheus.Gauge
	FinalizedSequence prometheus.Gauge
	PendingProposals  prometheus.Gauge
}

// NewMetrics creates and registers the consensus metrics. A nil registerer
// leaves the metrics unregistered but usable.
func NewMetrics(reg prometheus.Registerer, labels prometheus.Labels) *Metrics {
	m := &Metrics{
		CommittedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "committed_blocks_total",
			Help:        "Number of blocks committed by this node.",
			ConstLabels: labels,
		}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "view_changes_total",
			Help:        "Number of view changes this node has entered.",
			ConstLabels: labels,
		}),
		RejectedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "rejected_messages_total",
			Help:        "Number of consensus messages rejected by validation.",
			ConstLabels: labels,
		}),
		TimeoutAdjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "timeout_adjustments_total",
			Help:        "Number of adaptive timeout adjustments.",
			ConstLabels: labels,
		}),
		EvidenceCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "evidence_collected_total",
			Help:        "Number of misbehavior evidence items collected.",
			ConstLabels: labels,
		}),
		CurrentView: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "current_view",
			Help:        "The view this node currently operates in.",
			ConstLabels: labels,
		}),
		FinalizedSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "finalized_sequence",
			Help:        "The highest finalized consensus sequence.",
			ConstLabels: labels,
		}),
		PendingProposals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ledgerberry",
			Subsystem:   "consensus",
			Name:        "pending_proposals",
			Help:        "Number of proposals queued for future sequences.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CommittedBlocks,
			m.ViewChanges,
			m.RejectedMessages,
			m.TimeoutAdjustments,
			m.EvidenceCollected,
			m.CurrentView,
			m.FinalizedSequence,
			m.PendingProposals,
		)
	}
	return m
}
