// Package metrics exposes the Prometheus gauges and counters the
// orchestrator and its pools update as they run.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// MempoolActive tracks whether the regular mempool executor is running.
	MempoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "validator",
		Name:      "mempool_active",
		Help:      "1 if the mempool executor task is running, 0 otherwise.",
	})

	// ControlMempoolActive is registered for the control-mempool executor;
	// nothing in this module sets it, so it stays at 0.
	ControlMempoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "validator",
		Name:      "control_mempool_active",
		Help:      "1 if the control mempool executor task is running, 0 otherwise.",
	})

	// ProposalBufferDropped counts proposals dropped because the buffer was
	// at its overall capacity and applied back-pressure.
	ProposalBufferDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "proposal_buffer_dropped_total",
		Help:      "Proposals dropped by the proposal buffer due to back-pressure.",
	})

	// EquivocationPoolSize reports the current number of pooled equivocation proofs.
	EquivocationPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "validator",
		Name:      "equivocation_pool_size",
		Help:      "Number of equivocation proofs currently pooled.",
	})

	// MacroRoundsStarted counts macro producers constructed, one per call
	// to NewMacroProducer; BFT rounds inside a producer are not counted.
	MacroRoundsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "macro_rounds_started_total",
		Help:      "Number of macro block producers started by the orchestrator.",
	})

	// ReactivationBroadcasts counts reactivation transactions handed to the tx pipe.
	ReactivationBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "reactivation_broadcasts_total",
		Help:      "Reactivation transactions broadcast through the transaction pipe.",
	})
)

func init() {
	prometheus.MustRegister(
		MempoolActive,
		ControlMempoolActive,
		ProposalBufferDropped,
		EquivocationPoolSize,
		MacroRoundsStarted,
		ReactivationBroadcasts,
	)
}
