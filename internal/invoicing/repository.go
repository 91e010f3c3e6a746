package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recurringColumns = `id, tenant_id, name, recipient_name, COALESCE(recipient_address, ''), invoice_type,
positions, frequency, day_of_month, start_date, end_date, next_run_at, last_run_at,
enabled, generation_count, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for recurring invoices
// and generated documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new enabled schedule.
func (r *Repository) Create(ctx context.Context, in CreateInput, nextRunAt time.Time) (RecurringInvoice, error) {
	positions, err := json.Marshal(in.Positions)
	if err != nil {
		return RecurringInvoice{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO recurring_invoices
(tenant_id, name, recipient_name, recipient_address, invoice_type, positions,
frequency, day_of_month, start_date, end_date, next_run_at, enabled, generation_count, created_at, updated_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, TRUE, 0, NOW(), NOW())
RETURNING `+recurringColumns,
		in.TenantID, in.Name, in.RecipientName, in.RecipientAddress, in.InvoiceType, positions,
		in.Frequency, in.DayOfMonth, in.StartDate, in.EndDate, nextRunAt)
	return scanRecurring(row)
}

// Get loads a schedule scoped to the tenant.
func (r *Repository) Get(ctx context.Context, tenantID, id int64) (RecurringInvoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recurringColumns+`
FROM recurring_invoices WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	ri, err := scanRecurring(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RecurringInvoice{}, ErrNotFound
		}
		return RecurringInvoice{}, err
	}
	return ri, nil
}

// List returns the tenant's schedules, enabled ones first.
func (r *Repository) List(ctx context.Context, tenantID int64, includeDisabled bool) ([]RecurringInvoice, error) {
	query := `SELECT ` + recurringColumns + ` FROM recurring_invoices WHERE tenant_id = $1`
	if !includeDisabled {
		query += ` AND enabled`
	}
	query += ` ORDER BY enabled DESC, name`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecurringInvoice
	for rows.Next() {
		ri, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// Update persists the mutable schedule fields.
func (r *Repository) Update(ctx context.Context, ri RecurringInvoice) error {
	positions, err := json.Marshal(ri.Positions)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE recurring_invoices SET
name = $3, recipient_name = $4, recipient_address = NULLIF($5, ''), invoice_type = $6,
positions = $7, frequency = $8, day_of_month = $9, start_date = $10, end_date = $11,
next_run_at = $12, enabled = $13, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2`,
		ri.ID, ri.TenantID, ri.Name, ri.RecipientName, ri.RecipientAddress, ri.InvoiceType,
		positions, ri.Frequency, ri.DayOfMonth, ri.StartDate, ri.EndDate, ri.NextRunAt, ri.Enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns enabled schedules whose next run date has been reached,
// across all tenants. Used by the background worker.
func (r *Repository) ListDue(ctx context.Context, asOf time.Time, limit int) ([]RecurringInvoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recurringColumns+`
FROM recurring_invoices WHERE enabled AND next_run_at <= $1
ORDER BY next_run_at LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecurringInvoice
	for rows.Next() {
		ri, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// MarkRun advances the schedule after a generation run.
func (r *Repository) MarkRun(ctx context.Context, id int64, nextRunAt, ranAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE recurring_invoices SET
next_run_at = $2, last_run_at = $3, generation_count = generation_count + 1, updated_at = NOW()
WHERE id = $1`, id, nextRunAt, ranAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateInvoice inserts a generated document.
func (r *Repository) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO invoices
(tenant_id, number, source, recipient_name, issue_date, net_total, tax_total, gross_total, formatted_total, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
RETURNING id, created_at`,
		inv.TenantID, inv.Number, inv.Source, inv.RecipientName, inv.IssueDate,
		inv.NetTotal, inv.TaxTotal, inv.GrossTotal, inv.FormattedTotal).
		Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// NextInvoiceNumber issues the next number of the tenant-year sequence.
func (r *Repository) NextInvoiceNumber(ctx context.Context, tenantID int64, year int) (string, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `INSERT INTO invoice_counters (tenant_id, year, value)
VALUES ($1, $2, 1)
ON CONFLICT (tenant_id, year) DO UPDATE SET value = invoice_counters.value + 1
RETURNING value`, tenantID, year).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("RE-%d-%05d", year, seq), nil
}

// ListInvoices returns generated documents, newest first.
func (r *Repository) ListInvoices(ctx context.Context, tenantID int64, source string, limit, offset int) ([]Invoice, error) {
	query := `SELECT id, tenant_id, number, source, recipient_name, issue_date,
net_total, tax_total, gross_total, formatted_total, created_at
FROM invoices WHERE tenant_id = $1`
	args := []any{tenantID}
	if source != "" {
		args = append(args, source)
		query += fmt.Sprintf(` AND source = $%d`, len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY issue_date DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.TenantID, &inv.Number, &inv.Source, &inv.RecipientName,
			&inv.IssueDate, &inv.NetTotal, &inv.TaxTotal, &inv.GrossTotal, &inv.FormattedTotal, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecurring(row rowScanner) (RecurringInvoice, error) {
	var (
		ri        RecurringInvoice
		positions []byte
	)
	err := row.Scan(&ri.ID, &ri.TenantID, &ri.Name, &ri.RecipientName, &ri.RecipientAddress, &ri.InvoiceType,
		&positions, &ri.Frequency, &ri.DayOfMonth, &ri.StartDate, &ri.EndDate, &ri.NextRunAt, &ri.LastRunAt,
		&ri.Enabled, &ri.GenerationCount, &ri.CreatedAt, &ri.UpdatedAt)
	if err != nil {
		return RecurringInvoice{}, err
	}
	if len(positions) > 0 {
		if err := json.Unmarshal(positions, &ri.Positions); err != nil {
			return RecurringInvoice{}, err
		}
	}
	return ri, nil
}
