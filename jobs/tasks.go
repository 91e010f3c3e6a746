// Package jobs wires background processing: the recurring invoice cron run
// and settlement invoice generation enqueued from the API.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecurringInvoiceRun generates invoices for due recurring schedules.
	TaskRecurringInvoiceRun = "invoicing:recurring-run"
	// TaskSettlementInvoices generates draft invoices for an approved
	// settlement period.
	TaskSettlementInvoices = "settlement:generate-invoices"
	// TaskIdempotencyCleanup prunes idempotency keys past retention.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

// RecurringRunPayload carries scheduling metadata for a recurring run.
type RecurringRunPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewRecurringRunTask constructs the cron task generating due invoices.
func NewRecurringRunTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(RecurringRunPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecurringInvoiceRun, body, asynq.Queue(QueueDefault)), nil
}

// SettlementInvoicesPayload identifies the approved period to invoice.
type SettlementInvoicesPayload struct {
	TenantID int64 `json:"tenant_id"`
	PeriodID int64 `json:"period_id"`
	ActorID  int64 `json:"actor_id"`
}

// NewSettlementInvoicesTask constructs a settlement invoice generation task.
func NewSettlementInvoicesTask(payload SettlementInvoicesPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSettlementInvoices, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs the key retention task. It carries no
// payload.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}
