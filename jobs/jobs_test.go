package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/parkwind/parkwind/internal/jobs"
	"github.com/parkwind/parkwind/internal/invoicing"
	"github.com/parkwind/parkwind/internal/settlement"
	"github.com/parkwind/parkwind/internal/shared"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

type fakeRunner struct {
	generated int
	err       error
	calls     int
	asOf      time.Time
}

func (f *fakeRunner) RunDue(_ context.Context, asOf time.Time) (int, error) {
	f.calls++
	f.asOf = asOf
	return f.generated, f.err
}

func TestRecurringRunJobHandle(t *testing.T) {
	runner := &fakeRunner{generated: 3}
	job := NewRecurringRunJob(runner, nil, testLogger(), testMetrics())

	scheduled := time.Date(2026, time.June, 1, 5, 0, 0, 0, time.UTC)
	task, err := NewRecurringRunTask(scheduled)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, runner.calls)
	require.Equal(t, scheduled, runner.asOf)
}

func TestRecurringRunJobDefaultsAsOf(t *testing.T) {
	runner := &fakeRunner{}
	job := NewRecurringRunJob(runner, nil, testLogger(), testMetrics())
	now := time.Date(2026, time.July, 15, 8, 30, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	task, err := NewRecurringRunTask(time.Time{})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now, runner.asOf)
}

func TestRecurringRunJobBadPayload(t *testing.T) {
	runner := &fakeRunner{}
	job := NewRecurringRunJob(runner, nil, testLogger(), testMetrics())

	task := asynq.NewTask(TaskRecurringInvoiceRun, []byte("{"))
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	require.Zero(t, runner.calls)
}

func TestRecurringRunJobLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runner := &fakeRunner{generated: 1}
	job := NewRecurringRunJob(runner, client, testLogger(), testMetrics())

	task, err := NewRecurringRunTask(time.Date(2026, time.June, 1, 5, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// Lock already held by another worker instance.
	require.NoError(t, mr.Set(shared.RecurringRunLockKey, "1"))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Zero(t, runner.calls)

	// Once released the run proceeds and drops the lock afterwards.
	mr.Del(shared.RecurringRunLockKey)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, runner.calls)
	require.False(t, mr.Exists(shared.RecurringRunLockKey))
}

type fakeJanitor struct {
	calls     int
	olderThan time.Duration
	err       error
}

func (f *fakeJanitor) Cleanup(_ context.Context, olderThan time.Duration) error {
	f.calls++
	f.olderThan = olderThan
	return f.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	janitor := &fakeJanitor{}
	job := NewIdempotencyCleanupJob(janitor, 14*24*time.Hour, testLogger(), testMetrics())

	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 1, janitor.calls)
	require.Equal(t, 14*24*time.Hour, janitor.olderThan)
}

func TestIdempotencyCleanupJobDefaultsRetention(t *testing.T) {
	janitor := &fakeJanitor{err: fmt.Errorf("table locked")}
	job := NewIdempotencyCleanupJob(janitor, 0, testLogger(), testMetrics())

	require.Equal(t, defaultKeyRetention, job.Retention)
	require.Error(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
}

type fakeSettlements struct {
	period settlement.Period
	lines  []settlement.LeaseLine
	err    error
}

func (f *fakeSettlements) GetPeriod(_ context.Context, tenantID, id int64) (settlement.Period, error) {
	if f.err != nil {
		return settlement.Period{}, f.err
	}
	if f.period.TenantID != tenantID || f.period.ID != id {
		return settlement.Period{}, settlement.ErrNotFound
	}
	return f.period, nil
}

func (f *fakeSettlements) ListLeaseLines(_ context.Context, periodID int64) ([]settlement.LeaseLine, error) {
	if periodID != f.period.ID {
		return nil, nil
	}
	return f.lines, nil
}

type createdDoc struct {
	tenantID  int64
	source    string
	recipient string
	net       float64
	tax       float64
}

type fakeDocs struct {
	taxRate float64
	created []createdDoc
	err     error
}

func (f *fakeDocs) CreateDocument(_ context.Context, tenantID int64, source, recipient string, issueDate time.Time, net, tax float64) (invoicing.Invoice, error) {
	if f.err != nil {
		return invoicing.Invoice{}, f.err
	}
	f.created = append(f.created, createdDoc{tenantID: tenantID, source: source, recipient: recipient, net: net, tax: tax})
	return invoicing.Invoice{
		TenantID:  tenantID,
		Number:    fmt.Sprintf("RE-%d-%05d", issueDate.Year(), len(f.created)),
		Source:    source,
		NetTotal:  net,
		TaxTotal:  tax,
		IssueDate: issueDate,
	}, nil
}

func (f *fakeDocs) SettlementTaxRate() float64 {
	return f.taxRate
}

type fakeIdem struct {
	keys map[string]bool
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{keys: make(map[string]bool)}
}

func (f *fakeIdem) CheckAndInsert(_ context.Context, key, _ string) error {
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdem) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

func approvedPeriod(pt settlement.PeriodType) settlement.Period {
	return settlement.Period{
		ID:         42,
		TenantID:   1,
		ParkID:     10,
		Year:       2026,
		PeriodType: pt,
		Status:     settlement.StatusApproved,
	}
}

func settlementTask(t *testing.T, tenantID, periodID int64) *asynq.Task {
	t.Helper()
	task, err := NewSettlementInvoicesTask(SettlementInvoicesPayload{TenantID: tenantID, PeriodID: periodID, ActorID: 7})
	require.NoError(t, err)
	return task
}

func TestSettlementInvoicesAdvance(t *testing.T) {
	data := &fakeSettlements{
		period: approvedPeriod(settlement.PeriodTypeAdvance),
		lines: []settlement.LeaseLine{
			{LeaseID: 100, LessorName: "Ahrens", MinimumRent: 3000},
			{LeaseID: 101, LessorName: "Bergmann", MinimumRent: 500},
		},
	}
	docs := &fakeDocs{taxRate: 0.19}
	job := NewSettlementInvoicesJob(data, docs, newFakeIdem(), nil, testLogger(), testMetrics())

	require.NoError(t, job.Handle(context.Background(), settlementTask(t, 1, 42)))
	require.Len(t, docs.created, 2)
	require.Equal(t, "Ahrens", docs.created[0].recipient)
	require.Equal(t, invoicing.SourceSettlement, docs.created[0].source)
	require.InDelta(t, 3000.0, docs.created[0].net, 0.001)
	require.InDelta(t, 570.0, docs.created[0].tax, 0.001)
	require.InDelta(t, 500.0, docs.created[1].net, 0.001)
	require.InDelta(t, 95.0, docs.created[1].tax, 0.001)
}

func TestSettlementInvoicesFinalUsesFinalPayment(t *testing.T) {
	data := &fakeSettlements{
		period: approvedPeriod(settlement.PeriodTypeFinal),
		lines: []settlement.LeaseLine{
			{LeaseID: 100, LessorName: "Ahrens", MinimumRent: 36000, RevenueShare: 38000, FinalPayment: 2000},
			{LeaseID: 101, LessorName: "Bergmann", MinimumRent: 6000, RevenueShare: 6000, FinalPayment: 0},
		},
	}
	docs := &fakeDocs{taxRate: 0.19}
	job := NewSettlementInvoicesJob(data, docs, newFakeIdem(), nil, testLogger(), testMetrics())

	require.NoError(t, job.Handle(context.Background(), settlementTask(t, 1, 42)))
	// Lines with a zero balance do not produce documents.
	require.Len(t, docs.created, 1)
	require.InDelta(t, 2000.0, docs.created[0].net, 0.001)
}

func TestSettlementInvoicesIdempotent(t *testing.T) {
	data := &fakeSettlements{
		period: approvedPeriod(settlement.PeriodTypeAdvance),
		lines: []settlement.LeaseLine{
			{LeaseID: 100, LessorName: "Ahrens", MinimumRent: 3000},
		},
	}
	docs := &fakeDocs{taxRate: 0.19}
	job := NewSettlementInvoicesJob(data, docs, newFakeIdem(), nil, testLogger(), testMetrics())
	task := settlementTask(t, 1, 42)

	require.NoError(t, job.Handle(context.Background(), task))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, docs.created, 1)
}

func TestSettlementInvoicesRetryAfterWriteFailure(t *testing.T) {
	data := &fakeSettlements{
		period: approvedPeriod(settlement.PeriodTypeAdvance),
		lines: []settlement.LeaseLine{
			{LeaseID: 100, LessorName: "Ahrens", MinimumRent: 3000},
		},
	}
	docs := &fakeDocs{taxRate: 0.19, err: fmt.Errorf("connection reset")}
	idem := newFakeIdem()
	job := NewSettlementInvoicesJob(data, docs, idem, nil, testLogger(), testMetrics())
	task := settlementTask(t, 1, 42)

	require.Error(t, job.Handle(context.Background(), task))
	require.Empty(t, docs.created)
	// The key must be gone so the asynq retry generates the document.
	require.Empty(t, idem.keys)

	docs.err = nil
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, docs.created, 1)
	require.InDelta(t, 3000.0, docs.created[0].net, 0.001)
}

func TestSettlementInvoicesSkipsUnapproved(t *testing.T) {
	period := approvedPeriod(settlement.PeriodTypeAdvance)
	period.Status = settlement.StatusPendingReview
	data := &fakeSettlements{
		period: period,
		lines:  []settlement.LeaseLine{{LeaseID: 100, LessorName: "Ahrens", MinimumRent: 3000}},
	}
	docs := &fakeDocs{taxRate: 0.19}
	job := NewSettlementInvoicesJob(data, docs, newFakeIdem(), nil, testLogger(), testMetrics())

	require.NoError(t, job.Handle(context.Background(), settlementTask(t, 1, 42)))
	require.Empty(t, docs.created)
}

func TestSettlementInvoicesMissingPeriod(t *testing.T) {
	data := &fakeSettlements{period: approvedPeriod(settlement.PeriodTypeAdvance)}
	docs := &fakeDocs{taxRate: 0.19}
	job := NewSettlementInvoicesJob(data, docs, newFakeIdem(), nil, testLogger(), testMetrics())

	require.ErrorIs(t, job.Handle(context.Background(), settlementTask(t, 1, 999)), asynq.SkipRetry)
	require.Empty(t, docs.created)
}

func TestSettlementInvoicesBadPayload(t *testing.T) {
	job := NewSettlementInvoicesJob(&fakeSettlements{}, &fakeDocs{}, newFakeIdem(), nil, testLogger(), testMetrics())
	task := asynq.NewTask(TaskSettlementInvoices, []byte("not json"))
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestSettlementInvoicesLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	data := &fakeSettlements{
		period: approvedPeriod(settlement.PeriodTypeAdvance),
		lines:  []settlement.LeaseLine{{LeaseID: 100, LessorName: "Ahrens", MinimumRent: 3000}},
	}
	docs := &fakeDocs{taxRate: 0.19}
	job := NewSettlementInvoicesJob(data, docs, newFakeIdem(), client, testLogger(), testMetrics())

	require.NoError(t, mr.Set(shared.SettlementLockKey(42), "1"))
	require.NoError(t, job.Handle(context.Background(), settlementTask(t, 1, 42)))
	require.Empty(t, docs.created)

	mr.Del(shared.SettlementLockKey(42))
	require.NoError(t, job.Handle(context.Background(), settlementTask(t, 1, 42)))
	require.Len(t, docs.created, 1)
}
