package invoicing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parkwind/parkwind/internal/shared"
)

type memoryInvoicingRepo struct {
	recurring  map[int64]*RecurringInvoice
	invoices   []Invoice
	counters   map[string]int64
	nextID     int64
	invoiceErr error
}

func newMemoryInvoicingRepo() *memoryInvoicingRepo {
	return &memoryInvoicingRepo{
		recurring: make(map[int64]*RecurringInvoice),
		counters:  make(map[string]int64),
	}
}

func (r *memoryInvoicingRepo) Create(ctx context.Context, in CreateInput, nextRunAt time.Time) (RecurringInvoice, error) {
	r.nextID++
	now := time.Now()
	ri := RecurringInvoice{
		ID:               r.nextID,
		TenantID:         in.TenantID,
		Name:             in.Name,
		RecipientName:    in.RecipientName,
		RecipientAddress: in.RecipientAddress,
		InvoiceType:      in.InvoiceType,
		Positions:        in.Positions,
		Frequency:        in.Frequency,
		DayOfMonth:       in.DayOfMonth,
		StartDate:        in.StartDate,
		EndDate:          in.EndDate,
		NextRunAt:        nextRunAt,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.recurring[ri.ID] = &ri
	return ri, nil
}

func (r *memoryInvoicingRepo) Get(ctx context.Context, tenantID, id int64) (RecurringInvoice, error) {
	ri, ok := r.recurring[id]
	if !ok || ri.TenantID != tenantID {
		return RecurringInvoice{}, ErrNotFound
	}
	return *ri, nil
}

func (r *memoryInvoicingRepo) List(ctx context.Context, tenantID int64, includeDisabled bool) ([]RecurringInvoice, error) {
	var out []RecurringInvoice
	for _, ri := range r.recurring {
		if ri.TenantID != tenantID {
			continue
		}
		if !includeDisabled && !ri.Enabled {
			continue
		}
		out = append(out, *ri)
	}
	return out, nil
}

func (r *memoryInvoicingRepo) Update(ctx context.Context, ri RecurringInvoice) error {
	stored, ok := r.recurring[ri.ID]
	if !ok || stored.TenantID != ri.TenantID {
		return ErrNotFound
	}
	ri.GenerationCount = stored.GenerationCount
	ri.LastRunAt = stored.LastRunAt
	*stored = ri
	return nil
}

func (r *memoryInvoicingRepo) ListDue(ctx context.Context, asOf time.Time, limit int) ([]RecurringInvoice, error) {
	var out []RecurringInvoice
	for _, ri := range r.recurring {
		if ri.Enabled && !ri.NextRunAt.After(asOf) {
			out = append(out, *ri)
		}
	}
	return out, nil
}

func (r *memoryInvoicingRepo) MarkRun(ctx context.Context, id int64, nextRunAt, ranAt time.Time) error {
	ri, ok := r.recurring[id]
	if !ok {
		return ErrNotFound
	}
	ri.NextRunAt = nextRunAt
	ri.LastRunAt = &ranAt
	ri.GenerationCount++
	return nil
}

func (r *memoryInvoicingRepo) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	if r.invoiceErr != nil {
		return Invoice{}, r.invoiceErr
	}
	inv.ID = int64(len(r.invoices) + 1)
	inv.CreatedAt = time.Now()
	r.invoices = append(r.invoices, inv)
	return inv, nil
}

func (r *memoryInvoicingRepo) NextInvoiceNumber(ctx context.Context, tenantID int64, year int) (string, error) {
	key := fmt.Sprintf("%d-%d", tenantID, year)
	r.counters[key]++
	return fmt.Sprintf("RE-%d-%05d", year, r.counters[key]), nil
}

func (r *memoryInvoicingRepo) ListInvoices(ctx context.Context, tenantID int64, source string, limit, offset int) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.TenantID != tenantID {
			continue
		}
		if source != "" && inv.Source != source {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

func newInvoicingService(repo *memoryInvoicingRepo) *Service {
	svc := NewService(repo, &memoryIdempotency{}, 0.19, nil)
	svc.WithNow(func() time.Time {
		return time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	})
	return svc
}

func baseInput() CreateInput {
	return CreateInput{
		TenantID:      1,
		Name:          "Wartung Windpark Nord",
		RecipientName: "Stadtwerke Husum",
		InvoiceType:   "service",
		Positions: []Position{
			{Description: "Technische Betriebsführung", Quantity: 1, UnitPrice: 1200},
			{Description: "Fernüberwachung", Quantity: 2, UnitPrice: 150, TaxType: "exempt"},
		},
		Frequency: FrequencyMonthly,
		StartDate: date(2026, time.January, 15),
	}
}

func TestCreateComputesNextRun(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)
	require.True(t, ri.Enabled)
	require.Equal(t, date(2026, time.January, 15), ri.NextRunAt)
}

func TestCreateValidation(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	in := baseInput()
	in.Positions = nil
	_, err := svc.Create(context.Background(), in)
	require.Error(t, err)

	in = baseInput()
	end := in.StartDate.AddDate(0, 0, -1)
	in.EndDate = &end
	_, err = svc.Create(context.Background(), in)
	require.Error(t, err)

	in = baseInput()
	in.Frequency = "WEEKLY"
	_, err = svc.Create(context.Background(), in)
	require.Error(t, err)

	in = baseInput()
	in.DayOfMonth = intp(29)
	_, err = svc.Create(context.Background(), in)
	require.Error(t, err)
}

func TestUpdateFrequencyRecomputesFromStartDate(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)

	// The clock is mid-2026 but the recomputation must stay anchored on the
	// January start date.
	freq := FrequencyQuarterly
	updated, err := svc.Update(context.Background(), 1, ri.ID, UpdateInput{Frequency: &freq})
	require.NoError(t, err)
	require.Equal(t, FrequencyQuarterly, updated.Frequency)
	require.Equal(t, date(2026, time.January, 15), updated.NextRunAt)
	require.Equal(t, date(2026, time.January, 15), updated.StartDate)
}

func TestUpdateWithoutScheduleFieldsKeepsNextRun(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)

	name := "Wartung Windpark Nord 2"
	updated, err := svc.Update(context.Background(), 1, ri.ID, UpdateInput{Name: &name})
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)
	require.Equal(t, ri.NextRunAt, updated.NextRunAt)
}

func TestReenableRecomputesNextRun(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)
	require.NoError(t, svc.Disable(context.Background(), 1, ri.ID))

	listed, err := svc.List(context.Background(), 1, false)
	require.NoError(t, err)
	require.Empty(t, listed)

	enabled := true
	updated, err := svc.Update(context.Background(), 1, ri.ID, UpdateInput{Enabled: &enabled})
	require.NoError(t, err)
	require.True(t, updated.Enabled)
	require.Equal(t, date(2026, time.January, 15), updated.NextRunAt)
}

func TestRunDueGeneratesAndAdvances(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)

	generated, err := svc.RunDue(context.Background(), date(2026, time.January, 15))
	require.NoError(t, err)
	require.Equal(t, 1, generated)

	after, err := svc.Get(context.Background(), 1, ri.ID)
	require.NoError(t, err)
	require.Equal(t, date(2026, time.February, 15), after.NextRunAt)
	require.Equal(t, 1, after.GenerationCount)
	require.NotNil(t, after.LastRunAt)
	require.Equal(t, date(2026, time.January, 15), *after.LastRunAt)

	invoices, err := svc.ListInvoices(context.Background(), 1, SourceRecurring, 0, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	// 1200 at 19% plus 300 exempt.
	inv := invoices[0]
	require.Equal(t, "RE-2026-00001", inv.Number)
	require.Equal(t, 1500.0, inv.NetTotal)
	require.Equal(t, 228.0, inv.TaxTotal)
	require.Equal(t, 1728.0, inv.GrossTotal)
	require.Equal(t, "Stadtwerke Husum", inv.RecipientName)
}

func TestRunDueSkipsNotYetDue(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	_, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)

	generated, err := svc.RunDue(context.Background(), date(2026, time.January, 14))
	require.NoError(t, err)
	require.Zero(t, generated)
}

func TestRunDueDoesNotCompoundMissedRuns(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)

	// Three months late: each run advances exactly one interval.
	asOf := date(2026, time.April, 20)
	for i, want := range []time.Time{
		date(2026, time.February, 15),
		date(2026, time.March, 15),
		date(2026, time.April, 15),
		date(2026, time.May, 15),
	} {
		generated, err := svc.RunDue(context.Background(), asOf)
		require.NoError(t, err)
		require.Equal(t, 1, generated, "run %d", i+1)
		after, err := svc.Get(context.Background(), 1, ri.ID)
		require.NoError(t, err)
		require.Equal(t, want, after.NextRunAt, "run %d", i+1)
	}

	generated, err := svc.RunDue(context.Background(), asOf)
	require.NoError(t, err)
	require.Zero(t, generated)
}

func TestRunDueIdempotencyGuard(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	idem := &memoryIdempotency{}
	svc := NewService(repo, idem, 0.19, nil)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)

	// Simulate a crashed run that wrote the key but never advanced the
	// schedule.
	idem.keys = map[string]bool{fmt.Sprintf("recurring:%d:2026-01-15", ri.ID): true}

	generated, err := svc.RunDue(context.Background(), date(2026, time.January, 15))
	require.NoError(t, err)
	require.Zero(t, generated)

	after, err := svc.Get(context.Background(), 1, ri.ID)
	require.NoError(t, err)
	require.Equal(t, date(2026, time.February, 15), after.NextRunAt)
	require.Empty(t, repo.invoices)
}

func TestRunDueRetriesAfterFailedGeneration(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	idem := &memoryIdempotency{}
	svc := NewService(repo, idem, 0.19, nil)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)

	repo.invoiceErr = fmt.Errorf("connection reset")
	generated, err := svc.RunDue(context.Background(), date(2026, time.January, 15))
	require.NoError(t, err)
	require.Zero(t, generated)

	// The failed attempt must leave schedule and key untouched.
	after, err := svc.Get(context.Background(), 1, ri.ID)
	require.NoError(t, err)
	require.Equal(t, date(2026, time.January, 15), after.NextRunAt)
	require.Empty(t, idem.keys)

	repo.invoiceErr = nil
	generated, err = svc.RunDue(context.Background(), date(2026, time.January, 15))
	require.NoError(t, err)
	require.Equal(t, 1, generated)
	require.Len(t, repo.invoices, 1)

	after, err = svc.Get(context.Background(), 1, ri.ID)
	require.NoError(t, err)
	require.Equal(t, date(2026, time.February, 15), after.NextRunAt)
}

func TestRunDueSkipsZeroNetSchedule(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	in := baseInput()
	in.Positions = []Position{{Description: "Kulanzposten", Quantity: 1, UnitPrice: 0}}
	ri, err := svc.Create(context.Background(), in)
	require.NoError(t, err)

	generated, err := svc.RunDue(context.Background(), date(2026, time.January, 15))
	require.NoError(t, err)
	require.Zero(t, generated)
	require.Empty(t, repo.invoices)

	// The schedule still advances.
	after, err := svc.Get(context.Background(), 1, ri.ID)
	require.NoError(t, err)
	require.Equal(t, date(2026, time.February, 15), after.NextRunAt)
}

func TestRunDueDisablesPastEndDate(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	in := baseInput()
	end := date(2026, time.February, 1)
	in.EndDate = &end
	ri, err := svc.Create(context.Background(), in)
	require.NoError(t, err)

	generated, err := svc.RunDue(context.Background(), date(2026, time.January, 15))
	require.NoError(t, err)
	require.Equal(t, 1, generated)

	// The next occurrence (Feb 15) lies past the end date; the run disables
	// the schedule instead of generating.
	generated, err = svc.RunDue(context.Background(), date(2026, time.March, 1))
	require.NoError(t, err)
	require.Zero(t, generated)

	after, err := svc.Get(context.Background(), 1, ri.ID)
	require.NoError(t, err)
	require.False(t, after.Enabled)
	require.Equal(t, 1, after.GenerationCount)
}

func TestDisableIsIdempotent(t *testing.T) {
	repo := newMemoryInvoicingRepo()
	svc := newInvoicingService(repo)

	ri, err := svc.Create(context.Background(), baseInput())
	require.NoError(t, err)
	require.NoError(t, svc.Disable(context.Background(), 1, ri.ID))
	require.NoError(t, svc.Disable(context.Background(), 1, ri.ID))

	require.ErrorIs(t, svc.Disable(context.Background(), 1, 999), ErrNotFound)
}

func TestFormatEUR(t *testing.T) {
	require.Equal(t, "1.234,56 EUR", FormatEUR(1234.56))
	require.Equal(t, "0,00 EUR", FormatEUR(0))
}
