package deadlines

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowpay/internal/apperr"
)

// PostgresStore persists milestones in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed milestone store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const milestoneColumns = `id, contract_ref, creator_ref, title, deadline, completed_at,
		       is_delayed, delay_notified_at, penalty_applied, penalty_applied_at,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, m *Milestone) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO milestones (
			id, contract_ref, creator_ref, title, deadline, completed_at,
			is_delayed, delay_notified_at, penalty_applied, penalty_applied_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.ContractRef, m.CreatorRef, m.Title, m.Deadline, nullTime(m.CompletedAt),
		m.IsDelayed, nullTime(m.DelayNotifiedAt), m.PenaltyApplied, nullTime(m.PenaltyAppliedAt),
		m.CreatedAt, m.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("milestone", id)
	}
	return m, err
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Milestone, error) {
	return p.query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE completed_at IS NULL AND deadline < $1
		  AND (is_delayed = FALSE OR penalty_applied = FALSE)
		ORDER BY deadline ASC
		LIMIT $2`, now, limitOrMax(limit))
}

func (p *PostgresStore) ListByCreator(ctx context.Context, creatorRef string, limit int) ([]*Milestone, error) {
	return p.query(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE creator_ref = $1
		ORDER BY deadline ASC
		LIMIT $2`, creatorRef, limitOrMax(limit))
}

// MarkDelayed is a single guarded UPDATE; concurrent sweeps race on the
// WHERE clause and exactly one sees a row affected.
func (p *PostgresStore) MarkDelayed(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.guarded(ctx, `
		UPDATE milestones SET is_delayed = TRUE, delay_notified_at = $2, updated_at = $2
		WHERE id = $1 AND is_delayed = FALSE AND completed_at IS NULL`, id, at)
}

func (p *PostgresStore) MarkPenalized(ctx context.Context, id string, at time.Time) (bool, error) {
	return p.guarded(ctx, `
		UPDATE milestones SET penalty_applied = TRUE, penalty_applied_at = $2, updated_at = $2
		WHERE id = $1 AND penalty_applied = FALSE AND completed_at IS NULL`, id, at)
}

func (p *PostgresStore) ClearPenalty(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET penalty_applied = FALSE, penalty_applied_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) Complete(ctx context.Context, id string, at time.Time) error {
	ok, err := p.guarded(ctx, `
		UPDATE milestones SET completed_at = $2, updated_at = $2
		WHERE id = $1 AND completed_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return apperr.InvalidTransition("milestone", id, "completed", "complete")
	}
	return nil
}

func (p *PostgresStore) guarded(ctx context.Context, query string, id string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var completedAt, notifiedAt, penalizedAt sql.NullTime
	err := s.Scan(
		&m.ID, &m.ContractRef, &m.CreatorRef, &m.Title, &m.Deadline, &completedAt,
		&m.IsDelayed, &notifiedAt, &m.PenaltyApplied, &penalizedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.CompletedAt = timePtr(completedAt)
	m.DelayNotifiedAt = timePtr(notifiedAt)
	m.PenaltyAppliedAt = timePtr(penalizedAt)
	return m, nil
}

func limitOrMax(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
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
