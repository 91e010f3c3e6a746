package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/parkwind/parkwind/internal/jobs"
	"github.com/parkwind/parkwind/internal/invoicing"
	"github.com/parkwind/parkwind/internal/settlement"
	"github.com/parkwind/parkwind/internal/shared"
)

const (
	settlementLockTTL           = 5 * time.Minute
	settlementIdempotencyModule = "settlement"
)

// SettlementData reads approved periods and their calculated lease lines.
type SettlementData interface {
	GetPeriod(ctx context.Context, tenantID, id int64) (settlement.Period, error)
	ListLeaseLines(ctx context.Context, periodID int64) ([]settlement.LeaseLine, error)
}

// DocumentWriter persists generated invoice documents.
type DocumentWriter interface {
	CreateDocument(ctx context.Context, tenantID int64, source, recipient string, issueDate time.Time, net, tax float64) (invoicing.Invoice, error)
	SettlementTaxRate() float64
}

// Idempotency guards each lease line against double generation. Delete rolls
// a key back when the guarded write never happened.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// SettlementInvoicesJob turns the lease lines of an approved settlement
// period into invoice documents, one per lessor.
type SettlementInvoicesJob struct {
	Settlements SettlementData
	Documents   DocumentWriter
	Idem        Idempotency
	Redis       *redis.Client
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewSettlementInvoicesJob initialises the settlement invoice handler.
func NewSettlementInvoicesJob(settlements SettlementData, documents DocumentWriter, idem Idempotency, redisClient *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *SettlementInvoicesJob {
	return &SettlementInvoicesJob{
		Settlements: settlements,
		Documents:   documents,
		Idem:        idem,
		Redis:       redisClient,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle generates the invoices for one enqueued period.
func (j *SettlementInvoicesJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Settlements == nil || j.Documents == nil {
		return errors.New("settlement invoices: handler not configured")
	}
	var payload SettlementInvoicesPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TenantID <= 0 || payload.PeriodID <= 0 {
		return asynq.SkipRetry
	}

	logger := j.logger().With(
		slog.Int64("tenant_id", payload.TenantID),
		slog.Int64("period_id", payload.PeriodID),
	)

	acquired, release, err := j.acquireLock(ctx, payload.PeriodID)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Info("period is being processed elsewhere, skipping")
		return nil
	}
	defer release()

	tracker := j.metrics().Track(TaskSettlementInvoices)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	period, err := j.Settlements.GetPeriod(ctx, payload.TenantID, payload.PeriodID)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			logger.Warn("period vanished before generation")
			return asynq.SkipRetry
		}
		resultErr = err
		return resultErr
	}
	if period.Status != settlement.StatusApproved && period.Status != settlement.StatusClosed {
		logger.Warn("period not approved, skipping", slog.String("status", string(period.Status)))
		return nil
	}

	lines, err := j.Settlements.ListLeaseLines(ctx, period.ID)
	if err != nil {
		resultErr = err
		return resultErr
	}

	issueDate := j.now()
	taxRate := j.Documents.SettlementTaxRate()
	generated := 0
	var lineErrs []error
	for _, line := range lines {
		amount := lineAmount(period.PeriodType, line)
		if amount == 0 {
			continue
		}
		key := fmt.Sprintf("settlement:%d:%d", period.ID, line.LeaseID)
		if j.Idem != nil {
			if err := j.Idem.CheckAndInsert(ctx, key, settlementIdempotencyModule); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					continue
				}
				lineErrs = append(lineErrs, fmt.Errorf("lease %d: %w", line.LeaseID, err))
				continue
			}
		}
		net := round2(amount)
		tax := round2(net * taxRate)
		if _, err := j.Documents.CreateDocument(ctx, period.TenantID, invoicing.SourceSettlement, line.LessorName, issueDate, net, tax); err != nil {
			// The key must not survive a failed write or the retry would
			// skip the line as already generated.
			if j.Idem != nil {
				if delErr := j.Idem.Delete(ctx, key); delErr != nil {
					lineErrs = append(lineErrs, fmt.Errorf("lease %d: release key: %w", line.LeaseID, delErr))
				}
			}
			lineErrs = append(lineErrs, fmt.Errorf("lease %d: %w", line.LeaseID, err))
			continue
		}
		generated++
	}

	j.metrics().AddGenerated(invoicing.SourceSettlement, generated)
	logger.Info("completed settlement invoice generation",
		slog.Int("lines", len(lines)),
		slog.Int("generated", generated),
		slog.Int("failed", len(lineErrs)),
	)
	if len(lineErrs) > 0 {
		resultErr = errors.Join(lineErrs...)
	}
	return resultErr
}

// lineAmount picks the billable amount of a lease line. Advance periods bill
// the minimum rent, final periods the signed final payment.
func lineAmount(pt settlement.PeriodType, line settlement.LeaseLine) float64 {
	if pt == settlement.PeriodTypeFinal {
		return line.FinalPayment
	}
	return line.MinimumRent
}

func (j *SettlementInvoicesJob) acquireLock(ctx context.Context, periodID int64) (bool, func(), error) {
	if j.Redis == nil {
		return true, func() {}, nil
	}
	key := shared.SettlementLockKey(periodID)
	ok, err := j.Redis.SetNX(ctx, key, "1", settlementLockTTL).Result()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, func() {
		j.Redis.Del(context.WithoutCancel(ctx), key)
	}, nil
}

func (j *SettlementInvoicesJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSettlementInvoices))
	}
	return slog.Default().With(slog.String("job", TaskSettlementInvoices))
}

func (j *SettlementInvoicesJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SettlementInvoicesJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
