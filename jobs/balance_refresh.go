package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/adboard/ledger/internal/jobs"
)

// BalanceRefresher recomputes cached customer balances.
type BalanceRefresher interface {
	RefreshBalance(ctx context.Context, customerID int64) error
	RefreshAll(ctx context.Context) (int, error)
}

// BalanceRefreshJob keeps the balance cache warm.
type BalanceRefreshJob struct {
	Refresher BalanceRefresher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewBalanceRefreshJob wires dependencies for the refresh handlers.
func NewBalanceRefreshJob(refresher BalanceRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceRefreshJob {
	return &BalanceRefreshJob{Refresher: refresher, Logger: logger, Metrics: metrics}
}

func (j *BalanceRefreshJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// HandleOne processes TaskBalanceRefresh tasks.
func (j *BalanceRefreshJob) HandleOne(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("balance refresh: handler not configured")
	}
	var payload BalanceRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.CustomerID <= 0 {
		return fmt.Errorf("balance refresh: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskBalanceRefresh)
	if err := j.Refresher.RefreshBalance(ctx, payload.CustomerID); err != nil {
		j.logger().Error("refresh balance", slog.Int64("customer_id", payload.CustomerID), slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddRefreshed(1)
	return tracker.End(nil)
}

// HandleAll processes TaskBalanceRefreshAll tasks. Customers that fail are
// logged; the task only retries when nothing could be refreshed.
func (j *BalanceRefreshJob) HandleAll(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("balance refresh: handler not configured")
	}
	tracker := j.Metrics.Track(TaskBalanceRefreshAll)
	started := time.Now()
	done, err := j.Refresher.RefreshAll(ctx)
	j.Metrics.AddRefreshed(done)
	logger := j.logger().With(slog.Int("customers", done), slog.Duration("duration", time.Since(started)))
	if err != nil {
		logger.Warn("balance refresh finished with errors", slog.Any("error", err))
		if done == 0 {
			return tracker.End(err)
		}
		return tracker.End(nil)
	}
	logger.Info("balance refresh finished")
	return tracker.End(nil)
}
