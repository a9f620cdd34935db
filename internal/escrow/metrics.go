package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "ledger_operations_total",
		Help:      "Total guarded ledger operations by type.",
	}, []string{"op"})

	ledgerOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Name:      "ledger_operation_duration_seconds",
		Help:      "Time spent holding the ledger guard, by operation.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"op"})

	transactionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "transactions_created_total",
		Help:      "Total escrow transactions created.",
	})

	paymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "payments_total",
		Help:      "Total cooperative releases by kind (pay, reimburse).",
	}, []string{"kind"})

	feeDepositsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "arbitration_fee_deposits_total",
		Help:      "Total arbitration fee deposits by party.",
	}, []string{"party"})

	disputesRaisedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "disputes_raised_total",
		Help:      "Total disputes raised with the arbitrator.",
	})

	resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "resolutions_total",
		Help:      "Total transactions resolved by resolution path and ruling.",
	}, []string{"resolution", "ruling"})

	sendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "send_failures_total",
		Help:      "Total value pushes rejected by their recipient.",
	})

	refundFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "refund_failures_total",
		Help:      "Total deposits that could not be returned after a failed operation.",
	})

	lostFundsRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "lost_funds_recovered_total",
		Help:      "Total lost-funds withdrawals by the owner.",
	})

	reentrantRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "reentrant_calls_rejected_total",
		Help:      "Total nested ledger calls rejected by the guard.",
	}, []string{"op"})

	reconcileMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "reconcile_mismatches_total",
		Help:      "Total per-asset vault mismatches found by reconciliation.",
	})

	timeoutNotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "timeout_notifications_total",
		Help:      "Total claimable-timeout notifications emitted by the watcher.",
	})
)

func init() {
	prometheus.MustRegister(
		ledgerOpsTotal,
		ledgerOpDuration,
		transactionsCreatedTotal,
		paymentsTotal,
		feeDepositsTotal,
		disputesRaisedTotal,
		resolutionsTotal,
		sendFailuresTotal,
		refundFailuresTotal,
		lostFundsRecoveredTotal,
		reentrantRejectedTotal,
		reconcileMismatchTotal,
		timeoutNotificationsTotal,
	)
}

// observeOp counts op and returns a func that records how long it held the guard.
func observeOp(op string) func() {
	ledgerOpsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	return func() {
		ledgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
