package deadlines

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowpay/internal/notify"
	"github.com/mbd888/escrowpay/internal/traces"
)

var flagsSet = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowpay",
	Subsystem: "deadlines",
	Name:      "flags_total",
	Help:      "Milestone flags set by the deadline sweep.",
}, []string{"flag"})

func init() {
	prometheus.MustRegister(flagsSet)
}

// SweepResult aggregates one deadline sweep.
type SweepResult struct {
	Checked   int `json:"checked"`
	Delayed   int `json:"delayed"`
	Penalized int `json:"penalized"`
	Failed    int `json:"failed"`
}

func (r SweepResult) String() string {
	return fmt.Sprintf("checked=%d delayed=%d penalized=%d failed=%d",
		r.Checked, r.Delayed, r.Penalized, r.Failed)
}

// Scheduler runs the deadline sweep.
type Scheduler struct {
	store      Store
	restrictor Restrictor
	notifier   notify.Notifier
	logger     *slog.Logger
	batchSize  int
	now        func() time.Time
}

// NewScheduler creates a deadline scheduler.
func NewScheduler(store Store, restrictor Restrictor, notifier notify.Notifier, logger *slog.Logger) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		store:      store,
		restrictor: restrictor,
		notifier:   notifier,
		logger:     logger,
		batchSize:  500,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithBatchSize caps how many milestones one sweep loads.
func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Store returns the milestone store.
func (s *Scheduler) Store() Store { return s.store }

// Sweep flags every overdue milestone. A failure on one milestone is logged
// and counted; the sweep moves on.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := traces.StartSpan(ctx, "deadlines.Sweep")
	defer span.End()

	var res SweepResult
	now := s.now()
	overdue, err := s.store.ListOverdue(ctx, now, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("list overdue milestones: %w", err)
	}
	for _, m := range overdue {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		delayed, penalized, err := s.safeCheck(ctx, m, now)
		if delayed {
			res.Delayed++
		}
		if penalized {
			res.Penalized++
		}
		if err != nil {
			res.Failed++
			s.logger.Error("deadline check failed", "milestoneId", m.ID, "creator", m.CreatorRef, "error", err)
		}
	}

	s.logger.Info("deadline sweep finished", "result", res.String())
	return res, nil
}

func (s *Scheduler) safeCheck(ctx context.Context, m *Milestone, now time.Time) (delayed, penalized bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic checking milestone %s: %v", m.ID, r)
		}
	}()
	return s.check(ctx, m, now)
}

func (s *Scheduler) check(ctx context.Context, m *Milestone, now time.Time) (delayed, penalized bool, err error) {
	days := m.DaysOverdue(now)
	payload := map[string]string{
		"milestoneId": m.ID,
		"contractRef": m.ContractRef,
		"title":       m.Title,
		"deadline":    m.Deadline.Format(time.RFC3339),
		"daysOverdue": strconv.Itoa(days),
	}

	if !m.IsDelayed {
		won, err := s.store.MarkDelayed(ctx, m.ID, now)
		if err != nil {
			return false, false, fmt.Errorf("mark delayed: %w", err)
		}
		if won {
			delayed = true
			flagsSet.WithLabelValues("delayed").Inc()
			s.logger.Info("milestone delayed", "milestoneId", m.ID, "creator", m.CreatorRef, "daysOverdue", days)
			s.notifier.Notify(ctx, notify.MilestoneDelayWarning, m.CreatorRef, payload)
		}
	}

	if !m.Penalizable(now) {
		return delayed, false, nil
	}
	won, err := s.store.MarkPenalized(ctx, m.ID, now)
	if err != nil {
		return delayed, false, fmt.Errorf("mark penalized: %w", err)
	}
	if !won {
		return delayed, false, nil
	}

	until := now.Add(RestrictionPeriod)
	reason := fmt.Sprintf("milestone %s overdue by %d days", m.ID, days)
	if err := s.restrictor.Restrict(ctx, m.CreatorRef, until, reason); err != nil {
		if cerr := s.store.ClearPenalty(ctx, m.ID); cerr != nil {
			s.logger.Error("failed to clear penalty flag after restriction failure",
				"milestoneId", m.ID, "creator", m.CreatorRef, "error", cerr)
		}
		return delayed, false, fmt.Errorf("restrict creator %s: %w", m.CreatorRef, err)
	}

	flagsSet.WithLabelValues("penalized").Inc()
	s.logger.Warn("milestone penalty applied", "milestoneId", m.ID, "creator", m.CreatorRef,
		"daysOverdue", days, "restrictedUntil", until)
	payload["restrictedUntil"] = until.Format(time.RFC3339)
	s.notifier.Notify(ctx, notify.PenaltyApplied, m.CreatorRef, payload)
	return delayed, true, nil
}

// Register records a new milestone.
func (s *Scheduler) Register(ctx context.Context, contractRef, creatorRef, title string, deadline time.Time) (*Milestone, error) {
	m, err := NewMilestone(contractRef, creatorRef, title, deadline, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Complete closes a milestone so later sweeps skip it.
func (s *Scheduler) Complete(ctx context.Context, id string) (*Milestone, error) {
	if err := s.store.Complete(ctx, id, s.now()); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}
