package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, contract_ref, payer_ref, payee_ref, currency, gross, fee, net,
		       status, pending_held, payer_debited, charge_ref, external_txn_ref,
		       failure_reason, attempts, next_attempt_at, needs_review,
		       refund_ref, refund_reason, paid_at, processed_at, refunded_at,
		       cancelled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, contract_ref, payer_ref, payee_ref, currency, gross, fee, net,
			status, pending_held, payer_debited, charge_ref, external_txn_ref,
			failure_reason, attempts, next_attempt_at, needs_review,
			refund_ref, refund_reason, paid_at, processed_at, refunded_at,
			cancelled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8::NUMERIC(20,2),
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24, $25
		)`,
		pay.ID, pay.ContractRef, pay.PayerRef, pay.PayeeRef, pay.Gross.Currency(),
		pay.Gross.Numeric(), pay.Fee.Numeric(), pay.Net.Numeric(),
		string(pay.Status), pay.PendingHeld, pay.PayerDebited,
		nullString(pay.ChargeRef), nullString(pay.ExternalTxnRef),
		nullString(pay.FailureReason), pay.Attempts, nullTime(pay.NextAttemptAt), pay.NeedsReview,
		nullString(pay.RefundRef), nullString(pay.RefundReason),
		nullTime(pay.PaidAt), nullTime(pay.ProcessedAt), nullTime(pay.RefundedAt),
		nullTime(pay.CancelledAt), pay.CreatedAt, pay.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("payment", id)
	}
	return pay, err
}

func (p *PostgresStore) GetByContract(ctx context.Context, contractRef string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE contract_ref = $1`, contractRef)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("payment for contract", contractRef)
	}
	return pay, err
}

// Update is a compare-and-set: the WHERE clause pins the expected status, so
// of two concurrent callers only one sees a row affected.
func (p *PostgresStore) Update(ctx context.Context, pay *Payment, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, charge_ref = $2, external_txn_ref = $3, failure_reason = $4,
			attempts = $5, next_attempt_at = $6, needs_review = $7,
			refund_ref = $8, refund_reason = $9, paid_at = $10, processed_at = $11,
			refunded_at = $12, cancelled_at = $13, pending_held = $14, payer_debited = $15,
			updated_at = $16
		WHERE id = $17 AND status = $18`,
		string(pay.Status), nullString(pay.ChargeRef), nullString(pay.ExternalTxnRef), nullString(pay.FailureReason),
		pay.Attempts, nullTime(pay.NextAttemptAt), pay.NeedsReview,
		nullString(pay.RefundRef), nullString(pay.RefundReason), nullTime(pay.PaidAt), nullTime(pay.ProcessedAt),
		nullTime(pay.RefundedAt), nullTime(pay.CancelledAt), pay.PendingHeld, pay.PayerDebited,
		pay.UpdatedAt,
		pay.ID, string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, pay.ID); err != nil {
			return err
		}
		return apperr.ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, where string, limit int, args ...interface{}) ([]*Payment, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+paymentColumns+`
		FROM payments
		WHERE %s
		ORDER BY created_at ASC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	return p.query(ctx, `status = $1`, limit, string(status))
}

func (p *PostgresStore) ListDueRetry(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	return p.query(ctx, `status = 'failed' AND needs_review = FALSE AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1`, limit, now)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Payment, error) {
	return p.query(ctx, `status = $1 AND updated_at < $2`, limit, string(status), before)
}

func (p *PostgresStore) ListByPayee(ctx context.Context, payeeRef string, limit int) ([]*Payment, error) {
	return p.query(ctx, `payee_ref = $1`, limit, payeeRef)
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payerRef string, limit int) ([]*Payment, error) {
	return p.query(ctx, `payer_ref = $1`, limit, payerRef)
}

func (p *PostgresStore) ContractRefsForPayee(ctx context.Context, payeeRef string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT contract_ref FROM payments WHERE payee_ref = $1 ORDER BY created_at`, payeeRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		currency, gross, fee, net string
		status                    string
		chargeRef, extRef         sql.NullString
		failureReason             sql.NullString
		refundRef, refundReason   sql.NullString
		nextAttemptAt, paidAt     sql.NullTime
		processedAt, refundedAt   sql.NullTime
		cancelledAt               sql.NullTime
	)

	err := s.Scan(
		&pay.ID, &pay.ContractRef, &pay.PayerRef, &pay.PayeeRef, &currency, &gross, &fee, &net,
		&status, &pay.PendingHeld, &pay.PayerDebited, &chargeRef, &extRef,
		&failureReason, &pay.Attempts, &nextAttemptAt, &pay.NeedsReview,
		&refundRef, &refundReason, &paidAt, &processedAt, &refundedAt,
		&cancelledAt, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pay.Gross, err = money.Parse(gross, currency); err != nil {
		return nil, err
	}
	if pay.Fee, err = money.Parse(fee, currency); err != nil {
		return nil, err
	}
	if pay.Net, err = money.Parse(net, currency); err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	pay.ChargeRef = chargeRef.String
	pay.ExternalTxnRef = extRef.String
	pay.FailureReason = failureReason.String
	pay.RefundRef = refundRef.String
	pay.RefundReason = refundReason.String
	pay.NextAttemptAt = timePtr(nextAttemptAt)
	pay.PaidAt = timePtr(paidAt)
	pay.ProcessedAt = timePtr(processedAt)
	pay.RefundedAt = timePtr(refundedAt)
	pay.CancelledAt = timePtr(cancelledAt)
	return pay, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
