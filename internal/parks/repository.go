package parks

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for park master data.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreatePark inserts a new park.
func (r *Repository) CreatePark(ctx context.Context, in CreateParkInput) (Park, error) {
	var park Park
	err := r.pool.QueryRow(ctx, `INSERT INTO parks (tenant_id, name, commissioned_at, created_at, updated_at)
VALUES ($1, $2, $3, NOW(), NOW())
RETURNING id, tenant_id, name, commissioned_at, created_at, updated_at`,
		in.TenantID, in.Name, in.CommissionedAt).
		Scan(&park.ID, &park.TenantID, &park.Name, &park.CommissionedAt, &park.CreatedAt, &park.UpdatedAt)
	if err != nil {
		return Park{}, err
	}
	return park, nil
}

// GetPark loads a park scoped to the tenant.
func (r *Repository) GetPark(ctx context.Context, tenantID, id int64) (Park, error) {
	var park Park
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, name, commissioned_at, created_at, updated_at
FROM parks WHERE id = $1 AND tenant_id = $2`, id, tenantID).
		Scan(&park.ID, &park.TenantID, &park.Name, &park.CommissionedAt, &park.CreatedAt, &park.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Park{}, ErrNotFound
		}
		return Park{}, err
	}
	return park, nil
}

// ListParks returns all parks of the tenant ordered by name.
func (r *Repository) ListParks(ctx context.Context, tenantID int64) ([]Park, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, name, commissioned_at, created_at, updated_at
FROM parks WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parks []Park
	for rows.Next() {
		var park Park
		if err := rows.Scan(&park.ID, &park.TenantID, &park.Name, &park.CommissionedAt, &park.CreatedAt, &park.UpdatedAt); err != nil {
			return nil, err
		}
		parks = append(parks, park)
	}
	return parks, rows.Err()
}

// CreateLease inserts a new lease under a park.
func (r *Repository) CreateLease(ctx context.Context, in CreateLeaseInput) (Lease, error) {
	var lease Lease
	err := r.pool.QueryRow(ctx, `INSERT INTO leases
(tenant_id, park_id, lessor_name, turbine_rent, plot_count, monthly_minimum_rent, revenue_share_percent, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW(), NOW())
RETURNING id, tenant_id, park_id, lessor_name, turbine_rent, plot_count, monthly_minimum_rent, revenue_share_percent, active, created_at, updated_at`,
		in.TenantID, in.ParkID, in.LessorName, in.TurbineRent, in.PlotCount, in.MonthlyMinimumRent, in.RevenueSharePercent).
		Scan(&lease.ID, &lease.TenantID, &lease.ParkID, &lease.LessorName, &lease.TurbineRent, &lease.PlotCount,
			&lease.MonthlyMinimumRent, &lease.RevenueSharePercent, &lease.Active, &lease.CreatedAt, &lease.UpdatedAt)
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// ListLeases returns leases of a park; activeOnly limits to active leases.
func (r *Repository) ListLeases(ctx context.Context, tenantID, parkID int64, activeOnly bool) ([]Lease, error) {
	query := `SELECT id, tenant_id, park_id, lessor_name, turbine_rent, plot_count, monthly_minimum_rent, revenue_share_percent, active, created_at, updated_at
FROM leases WHERE tenant_id = $1 AND park_id = $2`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY lessor_name`
	rows, err := r.pool.Query(ctx, query, tenantID, parkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var leases []Lease
	for rows.Next() {
		var lease Lease
		if err := rows.Scan(&lease.ID, &lease.TenantID, &lease.ParkID, &lease.LessorName, &lease.TurbineRent, &lease.PlotCount,
			&lease.MonthlyMinimumRent, &lease.RevenueSharePercent, &lease.Active, &lease.CreatedAt, &lease.UpdatedAt); err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

// UpsertParkRevenue stores or replaces the settled revenue for (park, year).
func (r *Repository) UpsertParkRevenue(ctx context.Context, tenantID int64, rev ParkRevenue) error {
	tag, err := r.pool.Exec(ctx, `INSERT INTO park_revenues (park_id, year, revenue, updated_at)
SELECT p.id, $3, $4, NOW() FROM parks p WHERE p.id = $1 AND p.tenant_id = $2
ON CONFLICT (park_id, year) DO UPDATE SET revenue = EXCLUDED.revenue, updated_at = NOW()`,
		rev.ParkID, tenantID, rev.Year, rev.Revenue)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetParkRevenue loads the settled revenue for (park, year), zero when absent.
func (r *Repository) GetParkRevenue(ctx context.Context, tenantID, parkID int64, year int) (float64, error) {
	var revenue float64
	err := r.pool.QueryRow(ctx, `SELECT pr.revenue FROM park_revenues pr
JOIN parks p ON p.id = pr.park_id
WHERE pr.park_id = $1 AND pr.year = $2 AND p.tenant_id = $3`, parkID, year, tenantID).Scan(&revenue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return revenue, nil
}

// ListFundRevenues returns the fund revenue attribution for (park, year).
func (r *Repository) ListFundRevenues(ctx context.Context, tenantID, parkID int64, year int) ([]FundRevenue, error) {
	rows, err := r.pool.Query(ctx, `SELECT f.id, f.name, fr.year, fr.revenue
FROM fund_revenues fr
JOIN funds f ON f.id = fr.fund_id
WHERE f.park_id = $1 AND f.tenant_id = $2 AND fr.year = $3
ORDER BY f.name`, parkID, tenantID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var revenues []FundRevenue
	for rows.Next() {
		var fr FundRevenue
		if err := rows.Scan(&fr.FundID, &fr.FundName, &fr.Year, &fr.Revenue); err != nil {
			return nil, err
		}
		revenues = append(revenues, fr)
	}
	return revenues, rows.Err()
}
