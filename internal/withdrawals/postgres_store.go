package withdrawals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
)

// PostgresStore persists withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, payee_ref, currency, amount, fee, net, method, method_family, details,
		       status, external_txn_ref, source_charge_ref, failure_reason,
		       attempts, next_attempt_at, needs_review, processed_at, cancelled_at,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	detailsJSON, err := json.Marshal(w.Details.Fields)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (
			id, payee_ref, currency, amount, fee, net, method, method_family, details,
			status, external_txn_ref, source_charge_ref, failure_reason,
			attempts, next_attempt_at, needs_review, processed_at, cancelled_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20
		)`,
		w.ID, w.PayeeRef, w.Amount.Currency(), w.Amount.Numeric(), w.Fee.Numeric(), w.Net.Numeric(),
		w.Method, string(w.Details.Family), detailsJSON,
		string(w.Status), nullString(w.ExternalTxnRef), nullString(w.SourceChargeRef), nullString(w.FailureReason),
		w.Attempts, nullTime(w.NextAttemptAt), w.NeedsReview, nullTime(w.ProcessedAt), nullTime(w.CancelledAt),
		w.CreatedAt, w.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("withdrawal", id)
	}
	return w, err
}

func (p *PostgresStore) Update(ctx context.Context, w *Withdrawal, expect Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET
			status = $1, external_txn_ref = $2, source_charge_ref = $3, failure_reason = $4,
			attempts = $5, next_attempt_at = $6, needs_review = $7,
			processed_at = $8, cancelled_at = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		string(w.Status), nullString(w.ExternalTxnRef), nullString(w.SourceChargeRef), nullString(w.FailureReason),
		w.Attempts, nullTime(w.NextAttemptAt), w.NeedsReview,
		nullTime(w.ProcessedAt), nullTime(w.CancelledAt), w.UpdatedAt,
		w.ID, string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, w.ID); err != nil {
			return err
		}
		return apperr.ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, where string, limit int, args ...interface{}) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE %s
		ORDER BY created_at ASC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, `status = $1`, limit, string(status))
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, `status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)`, limit, now)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, `status = $1 AND updated_at < $2`, limit, string(status), before)
}

func (p *PostgresStore) ListByPayee(ctx context.Context, payeeRef string, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, `payee_ref = $1`, limit, payeeRef)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		currency, amount, fee, net string
		family, status             string
		detailsJSON                []byte
		extRef, sourceRef, reason  sql.NullString
		nextAttemptAt, processedAt sql.NullTime
		cancelledAt                sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.PayeeRef, &currency, &amount, &fee, &net, &w.Method, &family, &detailsJSON,
		&status, &extRef, &sourceRef, &reason,
		&w.Attempts, &nextAttemptAt, &w.NeedsReview, &processedAt, &cancelledAt,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if w.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, err
	}
	if w.Fee, err = money.Parse(fee, currency); err != nil {
		return nil, err
	}
	if w.Net, err = money.Parse(net, currency); err != nil {
		return nil, err
	}
	w.Details = Details{Family: Family(family), Fields: map[string]string{}}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &w.Details.Fields); err != nil {
			return nil, fmt.Errorf("decode details for %s: %w", w.ID, err)
		}
	}
	w.Status = Status(status)
	w.ExternalTxnRef = extRef.String
	w.SourceChargeRef = sourceRef.String
	w.FailureReason = reason.String
	w.NextAttemptAt = timePtr(nextAttemptAt)
	w.ProcessedAt = timePtr(processedAt)
	w.CancelledAt = timePtr(cancelledAt)
	return w, nil
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
