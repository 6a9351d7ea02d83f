package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerEntriesWritten counts ledger entries written by entry kind.
var LedgerEntriesWritten = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engagehub_ledger_entries_total",
		Help: "Total number of ledger entries written by kind",
	},
	[]string{"kind"},
)

// LedgerApplyRejected counts rejected Apply calls by reason
// (insufficient_balance, reference_conflict, invalid_input).
var LedgerApplyRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engagehub_ledger_apply_rejected_total",
		Help: "Total number of rejected ledger Apply calls by reason",
	},
	[]string{"reason"},
)

// VerificationDecisions counts completed verification sessions by decision.
var VerificationDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engagehub_verification_decisions_total",
		Help: "Total number of verification decisions by outcome",
	},
	[]string{"decision"},
)

// VerificationMethodLatency records per-method run latency.
var VerificationMethodLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "engagehub_verification_method_latency_seconds",
		Help:    "Latency in seconds of individual verification method runs",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method"},
)

// ManualReviewQueueDepth tracks the number of pending manual review items.
var ManualReviewQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "engagehub_manual_review_queue_depth",
		Help: "Number of manual review items currently pending",
	},
)

// WithdrawalTransitions counts withdrawal state transitions by target state.
var WithdrawalTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engagehub_withdrawal_transitions_total",
		Help: "Total number of withdrawal state transitions by target state",
	},
	[]string{"state"},
)

// FraudAlertsRaised counts fraud alerts by severity.
var FraudAlertsRaised = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "engagehub_fraud_alerts_total",
		Help: "Total number of fraud alerts raised by severity",
	},
	[]string{"severity"},
)

func init() {
	prometheus.MustRegister(LedgerEntriesWritten, LedgerApplyRejected)
	prometheus.MustRegister(VerificationDecisions, VerificationMethodLatency)
	prometheus.MustRegister(ManualReviewQueueDepth, WithdrawalTransitions, FraudAlertsRaised)
}
