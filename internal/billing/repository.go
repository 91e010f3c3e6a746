package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parkwind/parkwind/internal/platform/db"
)

const stakeholderColumns = `id, tenant_id, park_id, name, role, fee_percent, billing_enabled,
valid_from, valid_until, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for billing data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateStakeholder inserts a stakeholder and opens its first fee history
// entry in one transaction.
func (r *Repository) CreateStakeholder(ctx context.Context, in CreateStakeholderInput) (Stakeholder, error) {
	var st Stakeholder
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `INSERT INTO stakeholders
(tenant_id, park_id, name, role, fee_percent, billing_enabled, valid_from, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
RETURNING `+stakeholderColumns,
			in.TenantID, in.ParkID, in.Name, in.Role, in.FeePercent, in.BillingEnabled, in.ValidFrom)
		var err error
		st, err = scanStakeholder(row)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO stakeholder_fee_history
(stakeholder_id, fee_percent, valid_from, reason, changed_by, created_at)
VALUES ($1, $2, $3, 'initial', 0, NOW())`, st.ID, in.FeePercent, in.ValidFrom)
		return err
	})
	if err != nil {
		return Stakeholder{}, err
	}
	return st, nil
}

// GetStakeholder loads a stakeholder scoped to the tenant.
func (r *Repository) GetStakeholder(ctx context.Context, tenantID, id int64) (Stakeholder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+stakeholderColumns+`
FROM stakeholders WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	st, err := scanStakeholder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Stakeholder{}, ErrNotFound
		}
		return Stakeholder{}, err
	}
	return st, nil
}

// ListStakeholders returns the tenant's stakeholders, optionally narrowed to
// one park.
func (r *Repository) ListStakeholders(ctx context.Context, tenantID, parkID int64) ([]Stakeholder, error) {
	query := `SELECT ` + stakeholderColumns + ` FROM stakeholders WHERE tenant_id = $1`
	args := []any{tenantID}
	if parkID > 0 {
		query += ` AND park_id = $2`
		args = append(args, parkID)
	}
	query += ` ORDER BY name`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stakeholder
	for rows.Next() {
		st, err := scanStakeholder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ChangeFee closes the open fee history entry, opens a new one and updates
// the stakeholder's live percentage, all in one transaction.
func (r *Repository) ChangeFee(ctx context.Context, tenantID, stakeholderID int64, percent float64, validFrom time.Time, reason string, changedBy int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE stakeholders SET fee_percent = $3, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2`, stakeholderID, tenantID, percent)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `UPDATE stakeholder_fee_history SET valid_until = $2
WHERE stakeholder_id = $1 AND valid_until IS NULL`, stakeholderID, validFrom); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO stakeholder_fee_history
(stakeholder_id, fee_percent, valid_from, reason, changed_by, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, NOW())`,
			stakeholderID, percent, validFrom, reason, changedBy)
		return err
	})
}

// ListFeeHistory returns the fee ledger of a stakeholder, newest first.
func (r *Repository) ListFeeHistory(ctx context.Context, tenantID, stakeholderID int64) ([]FeeHistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT h.id, h.stakeholder_id, h.fee_percent, h.valid_from, h.valid_until,
COALESCE(h.reason, ''), h.changed_by, h.created_at
FROM stakeholder_fee_history h
JOIN stakeholders s ON s.id = h.stakeholder_id
WHERE h.stakeholder_id = $1 AND s.tenant_id = $2
ORDER BY h.valid_from DESC, h.id DESC`, stakeholderID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeeHistoryEntry
	for rows.Next() {
		var e FeeHistoryEntry
		if err := rows.Scan(&e.ID, &e.StakeholderID, &e.FeePercent, &e.ValidFrom, &e.ValidUntil,
			&e.Reason, &e.ChangedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateBilling inserts a billing snapshot. The unique index over
// (stakeholder, year, month) maps to ErrDuplicate.
func (r *Repository) CreateBilling(ctx context.Context, b ManagementBilling) (ManagementBilling, error) {
	breakdown, err := json.Marshal(b.Breakdown)
	if err != nil {
		return ManagementBilling{}, err
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO management_billings
(tenant_id, stakeholder_id, year, month, base_revenue, fee_percent_used, fee_net, tax_rate, tax_amount, fee_gross, breakdown, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
RETURNING id, created_at`,
		b.TenantID, b.StakeholderID, b.Year, b.Month, b.BaseRevenue, b.FeePercentUsed,
		b.FeeNet, b.TaxRate, b.TaxAmount, b.FeeGross, breakdown).
		Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ManagementBilling{}, ErrDuplicate
		}
		return ManagementBilling{}, err
	}
	return b, nil
}

// ListBillings returns billing snapshots of a stakeholder, newest first.
func (r *Repository) ListBillings(ctx context.Context, tenantID, stakeholderID int64, year int) ([]ManagementBilling, error) {
	query := `SELECT id, tenant_id, stakeholder_id, year, month, base_revenue, fee_percent_used,
fee_net, tax_rate, tax_amount, fee_gross, breakdown, created_at
FROM management_billings WHERE tenant_id = $1 AND stakeholder_id = $2`
	args := []any{tenantID, stakeholderID}
	if year > 0 {
		query += ` AND year = $3`
		args = append(args, year)
	}
	query += ` ORDER BY year DESC, month DESC NULLS LAST, id DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ManagementBilling
	for rows.Next() {
		var (
			b         ManagementBilling
			breakdown []byte
		)
		if err := rows.Scan(&b.ID, &b.TenantID, &b.StakeholderID, &b.Year, &b.Month, &b.BaseRevenue,
			&b.FeePercentUsed, &b.FeeNet, &b.TaxRate, &b.TaxAmount, &b.FeeGross, &breakdown, &b.CreatedAt); err != nil {
			return nil, err
		}
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &b.Breakdown); err != nil {
				return nil, err
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStakeholder(row rowScanner) (Stakeholder, error) {
	var st Stakeholder
	err := row.Scan(&st.ID, &st.TenantID, &st.ParkID, &st.Name, &st.Role, &st.FeePercent,
		&st.BillingEnabled, &st.ValidFrom, &st.ValidUntil, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return Stakeholder{}, err
	}
	return st, nil
}
