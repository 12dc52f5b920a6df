package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
// Schema lives in migrations/ (ledger_accounts).
type PostgresStore struct {
	db       *sql.DB
	currency string
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: money.Zero(currency).Currency()}
}

const accountColumns = `owner_id, role, available, pending, total_in, total_out,
	restricted_until, restriction_reason, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, ownerID string, role Role) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+`
		FROM ledger_accounts WHERE owner_id = $1 AND role = $2`, ownerID, string(role))
	acct, err := p.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("account", string(role)+"/"+ownerID)
	}
	return acct, err
}

// upsert runs an INSERT ... ON CONFLICT that creates the account if needed.
func (p *PostgresStore) upsert(ctx context.Context, query, ownerID string, role Role, amount money.Money) error {
	_, err := p.db.ExecContext(ctx, query, ownerID, string(role), amount.Numeric(), p.currency)
	return err
}

func (p *PostgresStore) Credit(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	err := p.upsert(ctx, `
		INSERT INTO ledger_accounts (owner_id, role, currency, available, total_in, created_at, updated_at)
		VALUES ($1, $2, $4, $3::NUMERIC(20,2), $3::NUMERIC(20,2), NOW(), NOW())
		ON CONFLICT (owner_id, role) DO UPDATE SET
			available  = ledger_accounts.available + $3::NUMERIC(20,2),
			total_in   = ledger_accounts.total_in  + $3::NUMERIC(20,2),
			updated_at = NOW()
	`, ownerID, role, amount)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	return nil
}

func (p *PostgresStore) HoldPending(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	err := p.upsert(ctx, `
		INSERT INTO ledger_accounts (owner_id, role, currency, pending, created_at, updated_at)
		VALUES ($1, $2, $4, $3::NUMERIC(20,2), NOW(), NOW())
		ON CONFLICT (owner_id, role) DO UPDATE SET
			pending    = ledger_accounts.pending + $3::NUMERIC(20,2),
			updated_at = NOW()
	`, ownerID, role, amount)
	if err != nil {
		return fmt.Errorf("failed to hold pending: %w", err)
	}
	return nil
}

func (p *PostgresStore) Compensate(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	err := p.upsert(ctx, `
		INSERT INTO ledger_accounts (owner_id, role, currency, available, created_at, updated_at)
		VALUES ($1, $2, $4, $3::NUMERIC(20,2), NOW(), NOW())
		ON CONFLICT (owner_id, role) DO UPDATE SET
			available  = ledger_accounts.available + $3::NUMERIC(20,2),
			total_out  = ledger_accounts.total_out - $3::NUMERIC(20,2),
			updated_at = NOW()
	`, ownerID, role, amount)
	if err != nil {
		return fmt.Errorf("failed to compensate account: %w", err)
	}
	return nil
}

// guarded runs a conditional UPDATE. When no row matches it reads the account
// back to tell "missing" apart from "not enough funds in bucket".
func (p *PostgresStore) guarded(ctx context.Context, query string, ownerID string, role Role, amount money.Money, bucket apperr.Bucket) error {
	result, err := p.db.ExecContext(ctx, query, ownerID, string(role), amount.Numeric())
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	acct, err := p.Get(ctx, ownerID, role)
	if err != nil {
		return err
	}
	if bucket == apperr.BucketPending {
		return apperr.InsufficientPending(ownerID, amount.String(), acct.Pending.String())
	}
	return apperr.InsufficientAvailable(ownerID, amount.String(), acct.Available.String())
}

func (p *PostgresStore) ReleasePending(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	return p.guarded(ctx, `
		UPDATE ledger_accounts SET
			pending    = pending - $3::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner_id = $1 AND role = $2 AND pending >= $3::NUMERIC(20,2)
	`, ownerID, role, amount, apperr.BucketPending)
}

func (p *PostgresStore) MoveToAvailable(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	return p.guarded(ctx, `
		UPDATE ledger_accounts SET
			pending    = pending   - $3::NUMERIC(20,2),
			available  = available + $3::NUMERIC(20,2),
			total_in   = total_in  + $3::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner_id = $1 AND role = $2 AND pending >= $3::NUMERIC(20,2)
	`, ownerID, role, amount, apperr.BucketPending)
}

// Debit checks and decrements in one statement; the CHECK (available >= 0)
// constraint backs it up at the DB level.
func (p *PostgresStore) Debit(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	return p.guarded(ctx, `
		UPDATE ledger_accounts SET
			available  = available - $3::NUMERIC(20,2),
			total_out  = total_out + $3::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner_id = $1 AND role = $2 AND available >= $3::NUMERIC(20,2)
	`, ownerID, role, amount, apperr.BucketAvailable)
}

func (p *PostgresStore) Reverse(ctx context.Context, ownerID string, role Role, amount money.Money) error {
	return p.guarded(ctx, `
		UPDATE ledger_accounts SET
			available  = available - $3::NUMERIC(20,2),
			total_in   = total_in  - $3::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner_id = $1 AND role = $2 AND available >= $3::NUMERIC(20,2)
	`, ownerID, role, amount, apperr.BucketAvailable)
}

func (p *PostgresStore) Overwrite(ctx context.Context, ownerID string, role Role, expect, t Totals) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ledger_accounts SET
			available  = $3::NUMERIC(20,2),
			pending    = $4::NUMERIC(20,2),
			total_in   = $5::NUMERIC(20,2),
			total_out  = $6::NUMERIC(20,2),
			updated_at = NOW()
		WHERE owner_id = $1 AND role = $2
		  AND available = $7::NUMERIC(20,2) AND pending   = $8::NUMERIC(20,2)
		  AND total_in  = $9::NUMERIC(20,2) AND total_out = $10::NUMERIC(20,2)
	`, ownerID, string(role), t.Available.Numeric(), t.Pending.Numeric(), t.TotalIn.Numeric(), t.TotalOut.Numeric(),
		expect.Available.Numeric(), expect.Pending.Numeric(), expect.TotalIn.Numeric(), expect.TotalOut.Numeric())
	if err != nil {
		return fmt.Errorf("failed to overwrite account: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	if !expect.Equal(ZeroTotals(p.currency)) {
		return ErrBalanceChanged
	}

	result, err = p.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (owner_id, role, currency, available, pending, total_in, total_out, created_at, updated_at)
		VALUES ($1, $2, $7, $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6::NUMERIC(20,2), NOW(), NOW())
		ON CONFLICT (owner_id, role) DO NOTHING
	`, ownerID, string(role), t.Available.Numeric(), t.Pending.Numeric(), t.TotalIn.Numeric(), t.TotalOut.Numeric(), p.currency)
	if err != nil {
		return fmt.Errorf("failed to create reconciled account: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrBalanceChanged
	}
	return nil
}

func (p *PostgresStore) SetRestriction(ctx context.Context, ownerID string, role Role, until time.Time, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (owner_id, role, currency, restricted_until, restriction_reason, created_at, updated_at)
		VALUES ($1, $2, $5, $3, $4, NOW(), NOW())
		ON CONFLICT (owner_id, role) DO UPDATE SET
			restricted_until   = EXCLUDED.restricted_until,
			restriction_reason = EXCLUDED.restriction_reason,
			updated_at         = NOW()
	`, ownerID, string(role), until, reason, p.currency)
	if err != nil {
		return fmt.Errorf("failed to set restriction: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, role Role, after string, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+`
		FROM ledger_accounts WHERE role = $1 AND owner_id > $2
		ORDER BY owner_id
		LIMIT $3`, string(role), after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		acct, err := p.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Sum(ctx context.Context) (money.Money, money.Money, error) {
	var avail, pending string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0)::TEXT, COALESCE(SUM(pending), 0)::TEXT FROM ledger_accounts
	`).Scan(&avail, &pending)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}
	a, err := money.Parse(avail, p.currency)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}
	pd, err := money.Parse(pending, p.currency)
	if err != nil {
		return money.Money{}, money.Money{}, err
	}
	return a, pd, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanAccount(sc scanner) (*Account, error) {
	acct := &Account{}
	var role, available, pending, totIn, totOut string
	var restrictedUntil sql.NullTime
	var restrictionReason sql.NullString
	err := sc.Scan(&acct.OwnerID, &role, &available, &pending, &totIn, &totOut,
		&restrictedUntil, &restrictionReason, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	acct.Role = Role(role)

	fields := []struct {
		dst *money.Money
		src string
	}{
		{&acct.Available, available},
		{&acct.Pending, pending},
		{&acct.TotalIn, totIn},
		{&acct.TotalOut, totOut},
	}
	for _, f := range fields {
		m, err := money.Parse(f.src, p.currency)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance %q for %s: %w", f.src, acct.OwnerID, err)
		}
		*f.dst = m
	}
	if restrictedUntil.Valid {
		t := restrictedUntil.Time
		acct.RestrictedUntil = &t
	}
	acct.RestrictionReason = restrictionReason.String
	return acct, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
