package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/parkwind/parkwind/internal/jobs"
	"github.com/parkwind/parkwind/internal/invoicing"
	"github.com/parkwind/parkwind/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const recurringRunLockTTL = 10 * time.Minute

// InvoiceRunner generates invoices for recurring schedules that are due.
type InvoiceRunner interface {
	RunDue(ctx context.Context, asOf time.Time) (int, error)
}

// RecurringRunJob drives the scheduled recurring-invoice generation.
type RecurringRunJob struct {
	Invoices InvoiceRunner
	Redis    *redis.Client
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewRecurringRunJob initialises the recurring-invoice run handler.
func NewRecurringRunJob(invoices InvoiceRunner, redisClient *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecurringRunJob {
	return &RecurringRunJob{
		Invoices: invoices,
		Redis:    redisClient,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one generation pass over all due recurring invoices.
func (j *RecurringRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Invoices == nil {
		return errors.New("recurring run: handler not configured")
	}
	var payload RecurringRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := payload.ScheduledFor
	if asOf.IsZero() {
		asOf = j.now()
	}

	logger := j.logger().With(slog.Time("as_of", asOf))

	acquired, release, err := j.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Info("run already in progress elsewhere, skipping")
		return nil
	}
	defer release()

	tracker := j.metrics().Track(TaskRecurringInvoiceRun)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger.Info("starting recurring invoice run")
	generated, err := j.Invoices.RunDue(ctx, asOf)
	if err != nil {
		resultErr = err
		logger.Error("run failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddGenerated(invoicing.SourceRecurring, generated)
	logger.Info("completed recurring invoice run", slog.Int("generated", generated))
	return resultErr
}

// acquireLock takes the cross-instance run lock. Without a redis client the
// job runs unguarded, which is fine for single-worker deployments and tests.
func (j *RecurringRunJob) acquireLock(ctx context.Context) (bool, func(), error) {
	if j.Redis == nil {
		return true, func() {}, nil
	}
	ok, err := j.Redis.SetNX(ctx, shared.RecurringRunLockKey, "1", recurringRunLockTTL).Result()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, func() {
		j.Redis.Del(context.WithoutCancel(ctx), shared.RecurringRunLockKey)
	}, nil
}

func (j *RecurringRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRecurringInvoiceRun))
	}
	return slog.Default().With(slog.String("job", TaskRecurringInvoiceRun))
}

func (j *RecurringRunJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RecurringRunJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
