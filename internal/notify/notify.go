// Package notify delivers fire-and-forget lifecycle notifications for
// payments, withdrawals and milestones. Delivery failures are logged and
// counted, never returned to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a notification event.
type Kind string

const (
	PaymentCompleted      Kind = "payment.completed"
	PaymentFailed         Kind = "payment.failed"
	PaymentRefunded       Kind = "payment.refunded"
	PaymentCancelled      Kind = "payment.cancelled"
	WithdrawalCompleted   Kind = "withdrawal.completed"
	WithdrawalFailed      Kind = "withdrawal.failed"
	WithdrawalCancelled   Kind = "withdrawal.cancelled"
	MilestoneDelayWarning Kind = "milestone.delay_warning"
	PenaltyApplied        Kind = "milestone.penalty_applied"
)

// Event is one delivered notification.
type Event struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	OwnerRef  string            `json:"ownerRef"`
	Payload   map[string]string `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier is the hook the escrow service and deadline scheduler call.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, ownerRef string, payload map[string]string)
}

// LogNotifier writes every event to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, kind Kind, ownerRef string, payload map[string]string) {
	args := []any{"kind", string(kind), "owner", ownerRef}
	for k, v := range payload {
		args = append(args, k, v)
	}
	n.logger.Info("notification", args...)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, kind Kind, ownerRef string, payload map[string]string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, kind, ownerRef, payload)
		}
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Kind, string, map[string]string) {}

// Recorder keeps events in memory. Tests assert on it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ctx context.Context, kind Kind, ownerRef string, payload map[string]string) {
	cp := make(map[string]string, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: kind, OwnerRef: ownerRef, Payload: cp, Timestamp: time.Now()})
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
