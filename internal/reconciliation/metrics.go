package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of account totals that differed from source records in the last run.",
	})

	reconcileStuckPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "stuck_payments",
		Help:      "Number of payments found stuck in processing in the last run.",
	})

	reconcileStuckWithdrawals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "stuck_withdrawals",
		Help:      "Number of withdrawals found stuck in processing in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStuckPayments,
		reconcileStuckWithdrawals,
		reconcileDuration,
		reconcileErrors,
	)
}
