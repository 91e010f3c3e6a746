package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/parkwind/parkwind/internal/jobs"
)

// defaultKeyRetention keeps keys long enough to cover any plausible retry
// window of the jobs they guard.
const defaultKeyRetention = 30 * 24 * time.Hour

// KeyJanitor removes idempotency keys older than the given retention.
type KeyJanitor interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob prunes expired idempotency keys so the table does not
// grow without bound.
type IdempotencyCleanupJob struct {
	Store     KeyJanitor
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler. A non-positive
// retention falls back to the default.
func NewIdempotencyCleanupJob(store KeyJanitor, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if retention <= 0 {
		retention = defaultKeyRetention
	}
	return &IdempotencyCleanupJob{
		Store:     store,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
	}
}

// Handle removes keys older than the retention.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: store not configured")
	}

	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Store.Cleanup(ctx, j.Retention); err != nil {
		resultErr = err
		return resultErr
	}
	j.logger().Info("pruned idempotency keys", slog.Duration("retention", j.Retention))
	return nil
}

func (j *IdempotencyCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}

func (j *IdempotencyCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
