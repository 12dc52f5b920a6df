package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "ledger",
		Name:      "operation_duration_seconds",
		Help:      "Ledger mutation latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})

	// balanceTotal is the platform-wide sum per balance kind, in major units.
	balanceTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowpay",
		Subsystem: "ledger",
		Name:      "balance_total",
		Help:      "Sum of all account balances by kind (available, pending).",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, balanceTotal)
}

// observeOp starts timing op. The returned func records the duration and
// the outcome read from *err, so it must be deferred with a named error.
func observeOp(op string, err *error) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil && *err != nil {
			outcome = "error"
		}
		opsTotal.WithLabelValues(op, outcome).Inc()
	}
}
