package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/parkwind/parkwind/internal/shared"
)

const idempotencyModule = "invoicing"

// RepositoryPort defines data access methods for recurring invoices and
// generated documents.
type RepositoryPort interface {
	Create(ctx context.Context, in CreateInput, nextRunAt time.Time) (RecurringInvoice, error)
	Get(ctx context.Context, tenantID, id int64) (RecurringInvoice, error)
	List(ctx context.Context, tenantID int64, includeDisabled bool) ([]RecurringInvoice, error)
	Update(ctx context.Context, ri RecurringInvoice) error
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]RecurringInvoice, error)
	MarkRun(ctx context.Context, id int64, nextRunAt, ranAt time.Time) error
	CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	NextInvoiceNumber(ctx context.Context, tenantID int64, year int) (string, error)
	ListInvoices(ctx context.Context, tenantID int64, source string, limit, offset int) ([]Invoice, error)
}

// Idempotency guards document generation against duplicate runs. Delete
// rolls a key back when the guarded work never completed.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service manages recurring invoice schedules and document generation.
type Service struct {
	repo    RepositoryPort
	idem    Idempotency
	logger  *slog.Logger
	taxRate float64
	now     func() time.Time
}

// NewService constructs a Service. The tax rate applies to positions without
// an exempt tax type.
func NewService(repo RepositoryPort, idem Idempotency, taxRate float64, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		idem:    idem,
		logger:  logger,
		taxRate: taxRate,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create validates the schedule and computes the first run date.
func (s *Service) Create(ctx context.Context, in CreateInput) (RecurringInvoice, error) {
	if err := in.Validate(); err != nil {
		return RecurringInvoice{}, err
	}
	nextRunAt := InitialNextRun(in.Frequency, in.StartDate, in.DayOfMonth)
	return s.repo.Create(ctx, in, nextRunAt)
}

// Get loads a recurring invoice scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (RecurringInvoice, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns the tenant's recurring invoices.
func (s *Service) List(ctx context.Context, tenantID int64, includeDisabled bool) ([]RecurringInvoice, error) {
	return s.repo.List(ctx, tenantID, includeDisabled)
}

// Update applies a partial update. The next run date is recomputed from the
// start date whenever frequency, start date or day of month change, or when
// the schedule flips from disabled to enabled.
func (s *Service) Update(ctx context.Context, tenantID, id int64, in UpdateInput) (RecurringInvoice, error) {
	ri, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return RecurringInvoice{}, err
	}

	reschedule := false
	if in.Name != nil {
		ri.Name = *in.Name
	}
	if in.RecipientName != nil {
		ri.RecipientName = *in.RecipientName
	}
	if in.RecipientAddress != nil {
		ri.RecipientAddress = *in.RecipientAddress
	}
	if in.InvoiceType != nil {
		ri.InvoiceType = *in.InvoiceType
	}
	if in.Positions != nil {
		ri.Positions = in.Positions
	}
	if in.Frequency != nil && *in.Frequency != ri.Frequency {
		ri.Frequency = *in.Frequency
		reschedule = true
	}
	if in.ClearDayOfMonth {
		ri.DayOfMonth = nil
		reschedule = true
	} else if in.DayOfMonth != nil {
		ri.DayOfMonth = in.DayOfMonth
		reschedule = true
	}
	if in.StartDate != nil && !in.StartDate.Equal(ri.StartDate) {
		ri.StartDate = *in.StartDate
		reschedule = true
	}
	if in.ClearEndDate {
		ri.EndDate = nil
	} else if in.EndDate != nil {
		ri.EndDate = in.EndDate
	}
	if in.Enabled != nil {
		if *in.Enabled && !ri.Enabled {
			reschedule = true
		}
		ri.Enabled = *in.Enabled
	}

	if err := s.validateUpdated(ri); err != nil {
		return RecurringInvoice{}, err
	}
	if reschedule {
		// Relative to the start date, not the current date.
		ri.NextRunAt = InitialNextRun(ri.Frequency, ri.StartDate, ri.DayOfMonth)
	}
	if err := s.repo.Update(ctx, ri); err != nil {
		return RecurringInvoice{}, err
	}
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) validateUpdated(ri RecurringInvoice) error {
	in := CreateInput{
		TenantID:         ri.TenantID,
		Name:             ri.Name,
		RecipientName:    ri.RecipientName,
		RecipientAddress: ri.RecipientAddress,
		InvoiceType:      ri.InvoiceType,
		Positions:        ri.Positions,
		Frequency:        ri.Frequency,
		DayOfMonth:       ri.DayOfMonth,
		StartDate:        ri.StartDate,
		EndDate:          ri.EndDate,
	}
	return in.Validate()
}

// Disable soft-deletes a schedule. The record and its generated invoices are
// retained.
func (s *Service) Disable(ctx context.Context, tenantID, id int64) error {
	ri, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !ri.Enabled {
		return nil
	}
	ri.Enabled = false
	return s.repo.Update(ctx, ri)
}

// ListInvoices returns generated documents, optionally filtered by source.
func (s *Service) ListInvoices(ctx context.Context, tenantID int64, source string, limit, offset int) ([]Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListInvoices(ctx, tenantID, source, limit, offset)
}

// RunDue generates one invoice for every enabled schedule whose next run date
// has been reached and advances each schedule exactly one interval. Returns
// the number of documents generated. A schedule that runs past its end date
// is disabled instead of generated.
func (s *Service) RunDue(ctx context.Context, asOf time.Time) (int, error) {
	due, err := s.repo.ListDue(ctx, asOf, 500)
	if err != nil {
		return 0, err
	}

	generated := 0
	for _, ri := range due {
		n, err := s.runOne(ctx, ri)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("recurring invoice run",
					slog.Int64("recurring_invoice_id", ri.ID), slog.Any("error", err))
			}
			continue
		}
		generated += n
	}
	return generated, nil
}

func (s *Service) runOne(ctx context.Context, ri RecurringInvoice) (int, error) {
	runAt := ri.NextRunAt
	if ri.EndDate != nil && runAt.After(*ri.EndDate) {
		ri.Enabled = false
		return 0, s.repo.Update(ctx, ri)
	}

	generated := 0
	// A schedule whose positions net to zero advances without producing a
	// document, like a zero balance settlement line.
	if ri.NetTotal() > 0 {
		key := fmt.Sprintf("recurring:%d:%s", ri.ID, runAt.Format("2006-01-02"))
		switch err := s.checkKey(ctx, key); {
		case err == nil:
			if _, err := s.generateDocument(ctx, ri, runAt); err != nil {
				// The key must not outlive a failed generation, otherwise
				// the next run would treat the document as already written.
				s.releaseKey(ctx, key)
				return 0, err
			}
			generated = 1
		case errors.Is(err, shared.ErrIdempotencyConflict):
			// Already generated by an earlier run that failed to advance
			// the schedule. Advance without generating again.
		default:
			return 0, err
		}
	}

	next := NextRun(runAt, ri.Frequency, ri.DayOfMonth)
	if err := s.repo.MarkRun(ctx, ri.ID, next, runAt); err != nil {
		return generated, err
	}
	return generated, nil
}

func (s *Service) checkKey(ctx context.Context, key string) error {
	if s.idem == nil {
		return nil
	}
	return s.idem.CheckAndInsert(ctx, key, idempotencyModule)
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if s.idem == nil {
		return
	}
	if err := s.idem.Delete(ctx, key); err != nil && s.logger != nil {
		s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) generateDocument(ctx context.Context, ri RecurringInvoice, issueDate time.Time) (Invoice, error) {
	var net, tax float64
	for _, p := range ri.Positions {
		posNet := round2(p.Net())
		net = round2(net + posNet)
		tax = round2(tax + round2(posNet*s.taxRateFor(p.TaxType)))
	}
	return s.CreateDocument(ctx, ri.TenantID, SourceRecurring, ri.RecipientName, issueDate, net, tax)
}

// CreateDocument persists a generated invoice with a tenant-year scoped
// number and localized gross total. It is also used by the settlement invoice
// job.
func (s *Service) CreateDocument(ctx context.Context, tenantID int64, source, recipient string, issueDate time.Time, net, tax float64) (Invoice, error) {
	number, err := s.repo.NextInvoiceNumber(ctx, tenantID, issueDate.Year())
	if err != nil {
		return Invoice{}, err
	}
	gross := round2(net + tax)
	return s.repo.CreateInvoice(ctx, Invoice{
		TenantID:       tenantID,
		Number:         number,
		Source:         source,
		RecipientName:  recipient,
		IssueDate:      issueDate,
		NetTotal:       net,
		TaxTotal:       tax,
		GrossTotal:     gross,
		FormattedTotal: FormatEUR(gross),
	})
}

// SettlementTaxRate exposes the configured tax rate for settlement invoice
// generation.
func (s *Service) SettlementTaxRate() float64 {
	return s.taxRate
}

func (s *Service) taxRateFor(taxType string) float64 {
	switch strings.ToLower(taxType) {
	case "exempt", "none", "zero":
		return 0
	default:
		return s.taxRate
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
