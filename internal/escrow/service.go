// Package escrow orchestrates the money flows between brands and creators.
//
// Flow:
//  1. A contract milestone is funded: a pending payment is created, the
//     brand's balance (or an inbound charge) pays for it, and the net amount
//     may be held pending on the creator.
//  2. ProcessPayment captures the funds and releases them to the creator's
//     available balance.
//  3. A creator requests a withdrawal: the amount is debited immediately,
//     reserving it.
//  4. ProcessWithdrawal transfers the funds through the payout gateway. A
//     failure returns the reserved amount to available.
//
// Every status change is a compare-and-set on the record, committed before
// and after the gateway call, never held open across it.
package escrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/notify"
	"github.com/mbd888/escrowpay/internal/payments"
	"github.com/mbd888/escrowpay/internal/payout"
	"github.com/mbd888/escrowpay/internal/retry"
	"github.com/mbd888/escrowpay/internal/syncutil"
	"github.com/mbd888/escrowpay/internal/txlog"
	"github.com/mbd888/escrowpay/internal/validation"
	"github.com/mbd888/escrowpay/internal/withdrawals"
)

var (
	paymentOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "payments_total",
		Help:      "Payment transitions by outcome.",
	}, []string{"outcome"})

	withdrawalOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "withdrawals_total",
		Help:      "Withdrawal transitions by outcome.",
	}, []string{"outcome"})

	sweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of pending payment and withdrawal sweeps.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"sweep"})

	fundingSources = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "escrow",
		Name:      "funding_source_resolutions_total",
		Help:      "Withdrawal funding-source resolutions by the rule that matched.",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(paymentOutcomes, withdrawalOutcomes, sweepDuration, fundingSources)
}

// Config tunes retry and sweep behavior.
type Config struct {
	// Production disables the gateway charge-scan funding fallback.
	Production      bool
	PaymentRetry    retry.Policy
	WithdrawalRetry retry.Policy
	// BatchSize caps how many records a sweep loads per pass.
	BatchSize int
	// ScanLimit caps how many charges and transfers the fallback scans.
	ScanLimit int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PaymentRetry:    retry.DefaultPolicy,
		WithdrawalRetry: retry.DefaultPolicy,
		BatchSize:       100,
		ScanLimit:       100,
	}
}

// Deps are the collaborators of the service.
type Deps struct {
	Ledger      *ledger.Ledger
	Payments    payments.Store
	Withdrawals withdrawals.Store
	TxLog       txlog.Store
	Methods     *withdrawals.Catalog
	Gateway     payout.Gateway
	Notifier    notify.Notifier
	Logger      *slog.Logger
}

// Service implements the escrow ledger and payout engine.
type Service struct {
	ledger      *ledger.Ledger
	payments    payments.Store
	withdrawals withdrawals.Store
	txlog       txlog.Store
	methods     *withdrawals.Catalog
	gateway     payout.Gateway
	capturer    Capturer
	notifier    notify.Notifier
	logger      *slog.Logger
	locks       *syncutil.KeyedMutex
	accounts    *syncutil.KeyedMutex
	cfg         Config
	now         func() time.Time
}

// NewService creates the service. Missing notifier and logger fall back to
// no-ops; the default capturer verifies charges through the gateway.
func NewService(d Deps, cfg Config) *Service {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	return &Service{
		ledger:      d.Ledger,
		payments:    d.Payments,
		withdrawals: d.Withdrawals,
		txlog:       d.TxLog,
		methods:     d.Methods,
		gateway:     d.Gateway,
		capturer:    NewChargeCapturer(d.Gateway),
		notifier:    d.Notifier,
		logger:      d.Logger,
		locks:       syncutil.NewKeyedMutex(0),
		accounts:    syncutil.NewKeyedMutex(0),
		cfg:         cfg,
		now:         time.Now,
	}
}

// WithCapturer replaces the payment capture step.
func (s *Service) WithCapturer(c Capturer) *Service {
	s.capturer = c
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Ledger exposes the underlying ledger for read-side callers.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Currency is the settlement currency every amount must be in.
func (s *Service) Currency() string { return s.ledger.Currency() }

// settles rejects an amount outside the settlement currency.
func (s *Service) settles(field string, amount money.Money) func() *validation.ValidationError {
	cur := s.ledger.Currency()
	return validation.Check(field, amount.Currency() == cur,
		fmt.Sprintf("currency %s is not accepted, amounts settle in %s", amount.Currency(), cur))
}

// Methods returns the withdrawal method catalog.
func (s *Service) Methods() *withdrawals.Catalog { return s.methods }

// lock serializes work on one record within this process. Cross-process
// safety comes from the status compare-and-set.
func (s *Service) lock(ctx context.Context, kind, id string) (func(), error) {
	unlock, err := s.locks.LockContext(ctx, kind+":"+id)
	if err != nil {
		return nil, fmt.Errorf("lock %s %s: %w", kind, id, err)
	}
	return unlock, nil
}

// holdAccounts keeps reconciliation off the named accounts while a flow
// moves money and writes the record that explains it. Taken after any record
// lock, never the other way round.
func (s *Service) holdAccounts(ctx context.Context, keys ...string) (func(), error) {
	release, err := s.accounts.LockAll(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	return release, nil
}

func accountKey(role ledger.Role, ownerID string) string {
	return string(role) + ":" + strings.TrimSpace(ownerID)
}

func brandAccount(ownerID string) string   { return accountKey(ledger.RoleBrand, ownerID) }
func creatorAccount(ownerID string) string { return accountKey(ledger.RoleCreator, ownerID) }

// Balance returns an owner's account, zero-valued if it was never touched.
func (s *Service) Balance(ctx context.Context, ownerID string, role ledger.Role) (*ledger.Account, error) {
	return s.ledger.Balance(ctx, ownerID, role)
}

// GetPayment returns a payment record.
func (s *Service) GetPayment(ctx context.Context, id string) (*payments.Payment, error) {
	return s.payments.Get(ctx, id)
}

// GetWithdrawal returns a withdrawal record.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (*withdrawals.Withdrawal, error) {
	return s.withdrawals.Get(ctx, id)
}

func (s *Service) timePtr() *time.Time {
	t := s.now()
	return &t
}

// appendLog records an audit entry. The money has already moved, so a write
// failure is logged rather than returned.
func (s *Service) appendLog(ctx context.Context, e txlog.Entry) {
	entry := txlog.NewEntry(e, s.now())
	if err := s.txlog.Append(ctx, entry); err != nil {
		s.logger.Error("failed to append transaction log entry",
			"kind", e.Kind, "owner", e.OwnerRef, "paymentId", e.PaymentID, "withdrawalId", e.WithdrawalID, "error", err)
	}
}
