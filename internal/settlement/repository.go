package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parkwind/parkwind/internal/platform/db"
)

const periodColumns = `id, ref, tenant_id, park_id, year, month, period_type, status,
total_minimum_rent, total_actual_rent, total_revenue,
calculated_at, reviewed_by, reviewed_at, COALESCE(review_notes, ''), revenue_settlement_ref,
created_at, updated_at`

// Repository provides PostgreSQL backed persistence for settlement periods.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreatePeriod inserts a new period in status OPEN.
func (r *Repository) CreatePeriod(ctx context.Context, in CreatePeriodInput, ref uuid.UUID) (Period, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO settlement_periods
(ref, tenant_id, park_id, year, month, period_type, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'OPEN', NOW(), NOW())
RETURNING `+periodColumns,
		ref, in.TenantID, in.ParkID, in.Year, in.Month, in.PeriodType)
	return scanPeriod(row)
}

// GetPeriod loads a period scoped to the tenant.
func (r *Repository) GetPeriod(ctx context.Context, tenantID, id int64) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+`
FROM settlement_periods WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	period, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	return period, nil
}

// ListPeriods returns a filtered page of periods plus the total match count.
func (r *Repository) ListPeriods(ctx context.Context, tenantID int64, filter ListFilter) ([]Period, int, error) {
	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.ParkID > 0 {
		args = append(args, filter.ParkID)
		where += fmt.Sprintf(` AND park_id = $%d`, len(args))
	}
	if filter.Year > 0 {
		args = append(args, filter.Year)
		where += fmt.Sprintf(` AND year = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM settlement_periods `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM settlement_periods %s
ORDER BY year DESC, month DESC NULLS LAST, id DESC LIMIT $%d OFFSET $%d`,
		periodColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var periods []Period
	for rows.Next() {
		period, err := scanPeriod(rows)
		if err != nil {
			return nil, 0, err
		}
		periods = append(periods, period)
	}
	return periods, total, rows.Err()
}

// StoreCalculation replaces the lease lines and totals of a period in one
// transaction and moves an OPEN period to IN_PROGRESS.
func (r *Repository) StoreCalculation(ctx context.Context, tenantID, id int64, totals Totals, lines []LeaseLine, calculatedAt time.Time) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE settlement_periods SET
status = CASE WHEN status = 'OPEN' THEN 'IN_PROGRESS' ELSE status END,
total_minimum_rent = $3, total_actual_rent = $4, total_revenue = $5,
calculated_at = $6, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2 AND status IN ('OPEN', 'IN_PROGRESS')`,
			id, tenantID, totals.MinimumRent, totals.ActualRent, totals.Revenue, calculatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM settlement_lease_lines WHERE period_id = $1`, id); err != nil {
			return err
		}
		for _, line := range lines {
			_, err := tx.Exec(ctx, `INSERT INTO settlement_lease_lines
(period_id, lease_id, lessor_name, minimum_rent, revenue_share, advances_paid, final_payment)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				id, line.LeaseID, line.LessorName, line.MinimumRent, line.RevenueShare, line.AdvancesPaid, line.FinalPayment)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateStatus moves a period from one status to another. The from guard in
// the WHERE clause makes concurrent transitions lose cleanly.
func (r *Repository) UpdateStatus(ctx context.Context, tenantID, id int64, from, to Status) error {
	tag, err := r.pool.Exec(ctx, `UPDATE settlement_periods
SET status = $4, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2 AND status = $3`, id, tenantID, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: period %d is no longer %s", ErrInvalidTransition, id, from)
	}
	return nil
}

// UpdateReview applies an approve or reject decision from PENDING_REVIEW and
// freezes reviewer, timestamp and notes.
func (r *Repository) UpdateReview(ctx context.Context, tenantID, id int64, to Status, reviewerID int64, reviewedAt time.Time, notes string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE settlement_periods
SET status = $3, reviewed_by = $4, reviewed_at = $5, review_notes = NULLIF($6, ''), updated_at = NOW()
WHERE id = $1 AND tenant_id = $2 AND status = 'PENDING_REVIEW'`,
		id, tenantID, to, reviewerID, reviewedAt, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: period %d is no longer pending review", ErrInvalidTransition, id)
	}
	return nil
}

// DeletePeriod removes an OPEN period and its lines.
func (r *Repository) DeletePeriod(ctx context.Context, tenantID, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM settlement_lease_lines WHERE period_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM settlement_periods
WHERE id = $1 AND tenant_id = $2 AND status = 'OPEN'`, id, tenantID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotDeletable
		}
		return nil
	})
}

// ListLeaseLines returns the stored calculation lines of a period.
func (r *Repository) ListLeaseLines(ctx context.Context, periodID int64) ([]LeaseLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT lease_id, lessor_name, minimum_rent, revenue_share, advances_paid, final_payment
FROM settlement_lease_lines WHERE period_id = $1 ORDER BY lessor_name, lease_id`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LeaseLine
	for rows.Next() {
		var line LeaseLine
		if err := rows.Scan(&line.LeaseID, &line.LessorName, &line.MinimumRent,
			&line.RevenueShare, &line.AdvancesPaid, &line.FinalPayment); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// SumApprovedAdvances totals the minimum rent the lease already received via
// approved or closed advance periods of the year.
func (r *Repository) SumApprovedAdvances(ctx context.Context, tenantID, leaseID int64, year int) (float64, error) {
	var sum float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(l.minimum_rent), 0)
FROM settlement_lease_lines l
JOIN settlement_periods p ON p.id = l.period_id
WHERE p.tenant_id = $1 AND l.lease_id = $2 AND p.year = $3
AND p.period_type = 'ADVANCE' AND p.status IN ('APPROVED', 'CLOSED')`,
		tenantID, leaseID, year).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// SummarizePeriods aggregates period counts and rent totals for a tenant year.
func (r *Repository) SummarizePeriods(ctx context.Context, tenantID int64, year int) (Summary, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*),
COALESCE(SUM(total_minimum_rent), 0), COALESCE(SUM(total_actual_rent), 0)
FROM settlement_periods WHERE tenant_id = $1 AND year = $2 GROUP BY status`, tenantID, year)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()

	summary := Summary{Year: year, ByStatus: map[Status]int{}}
	for rows.Next() {
		var (
			status                  Status
			count                   int
			minimumRent, actualRent float64
		)
		if err := rows.Scan(&status, &count, &minimumRent, &actualRent); err != nil {
			return Summary{}, err
		}
		summary.ByStatus[status] = count
		summary.MinimumRent += minimumRent
		summary.ActualRent += actualRent
	}
	return summary, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row rowScanner) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.Ref, &p.TenantID, &p.ParkID, &p.Year, &p.Month, &p.PeriodType, &p.Status,
		&p.Totals.MinimumRent, &p.Totals.ActualRent, &p.Totals.Revenue,
		&p.CalculatedAt, &p.ReviewedBy, &p.ReviewedAt, &p.ReviewNotes, &p.RevenueSettlementRef,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Period{}, err
	}
	return p, nil
}
