package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
)

// PostgresStore persists the transaction log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, owner_ref, kind, payment_id, withdrawal_id, contract_ref,
		       currency, amount, status, charge_id, transfer_id, refund_id, payload, created_at`

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, owner_ref, kind, payment_id, withdrawal_id, contract_ref,
			currency, amount, status, charge_id, transfer_id, refund_id, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(20,2), $9, $10, $11, $12, $13, $14, $14)`,
		e.ID, e.OwnerRef, string(e.Kind), nullString(e.PaymentID), nullString(e.WithdrawalID), nullString(e.ContractRef),
		e.Amount.Currency(), e.Amount.Numeric(), string(e.Status),
		nullString(e.ChargeID), nullString(e.TransferID), nullString(e.RefundID),
		payload, e.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM transactions WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("transaction", id)
	}
	return e, err
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id, refundID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'refunded', refund_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'paid'`, id, refundID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		e, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		return apperr.InvalidTransition("transaction", id, string(e.Status), "refund")
	}
	return nil
}

func (p *PostgresStore) LatestCharge(ctx context.Context, f Filter) (*Entry, error) {
	where := []string{"charge_id IS NOT NULL", "status = $1"}
	args := []interface{}{string(StatusPaid)}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerRef != "" {
		add("owner_ref = $%d", f.OwnerRef)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.RequirePayment {
		where = append(where, "payment_id IS NOT NULL")
	}
	if f.ContractRefs != nil {
		add("contract_ref = ANY($%d)", pq.Array(f.ContractRefs))
	}

	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+`
		FROM transactions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, args...)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("charge for", f.OwnerRef)
	}
	return e, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerRef string, kind Kind, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM transactions
		WHERE owner_ref = $1 AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, ownerRef, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+entryColumns+`
		FROM transactions
		WHERE payment_id = $1
		ORDER BY created_at ASC, id ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		kind, status, currency, amount string
		paymentID, withdrawalID        sql.NullString
		contractRef                    sql.NullString
		chargeID, transferID, refundID sql.NullString
		payload                        []byte
	)
	err := s.Scan(&e.ID, &e.OwnerRef, &kind, &paymentID, &withdrawalID, &contractRef,
		&currency, &amount, &status, &chargeID, &transferID, &refundID, &payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if e.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	e.PaymentID = paymentID.String
	e.WithdrawalID = withdrawalID.String
	e.ContractRef = contractRef.String
	e.ChargeID = chargeID.String
	e.TransferID = transferID.String
	e.RefundID = refundID.String
	e.Payload = map[string]string{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of transaction %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
