package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBalanceRefresh recomputes one customer's cached balance.
	TaskBalanceRefresh = "billing:balance_refresh"
	// TaskBalanceRefreshAll recomputes every customer's cached balance.
	TaskBalanceRefreshAll = "billing:balance_refresh_all"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "billing:idempotency_cleanup"
)

// BalanceRefreshPayload names the customer to refresh.
type BalanceRefreshPayload struct {
	CustomerID int64 `json:"customer_id"`
}

// IdempotencyCleanupPayload sets the key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// DefaultKeyRetentionHours keeps idempotency keys for a week.
const DefaultKeyRetentionHours = 7 * 24

// NewBalanceRefreshTask constructs a single-customer refresh task.
func NewBalanceRefreshTask(customerID int64) (*asynq.Task, error) {
	if customerID <= 0 {
		return nil, errors.New("balance refresh: customer id required")
	}
	data, err := json.Marshal(BalanceRefreshPayload{CustomerID: customerID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceRefresh, data), nil
}

// NewBalanceRefreshAllTask constructs the nightly refresh task.
func NewBalanceRefreshAllTask() *asynq.Task {
	return asynq.NewTask(TaskBalanceRefreshAll, nil)
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	if retentionHours <= 0 {
		retentionHours = DefaultKeyRetentionHours
	}
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
