package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tideflow-ai/tideflow/internal/metrics"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

// TaskStatusFunc reports the current status of a task. Injected so the
// coordinator can reconcile leaked reservations without depending on
// the task store package.
type TaskStatusFunc func(ctx context.Context, taskID string) (types.TaskStatus, error)

// Coordinator wraps the ledger with the saga operations used by the
// triggering endpoint and the execution engine. Reserve is the forward
// action; Confirm and Cancel are the idempotent terminal actions, so
// callers may safely retry either after a crash.
type Coordinator struct {
	ledger     Ledger
	taskStatus TaskStatusFunc
	logger     *slog.Logger
}

// NewCoordinator creates a saga coordinator over the given ledger.
// taskStatus may be nil if the reconciliation sweep is not used.
func NewCoordinator(ledger Ledger, taskStatus TaskStatusFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ledger: ledger, taskStatus: taskStatus, logger: logger}
}

// Reserve atomically debits the account and records a reserved
// transaction for the task. This is the single source of truth for
// quota admission; CheckQuota is only a pre-flight hint.
func (c *Coordinator) Reserve(ctx context.Context, accountID, taskID string, amount int64) (*types.QuotaTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	tx, err := c.ledger.Reserve(ctx, accountID, taskID, amount)
	if err != nil {
		var insufficient *InsufficientError
		switch {
		case errors.Is(err, ErrNotMember):
			metrics.QuotaReservationsTotal.WithLabelValues("not_member").Inc()
		case errors.As(err, &insufficient):
			metrics.QuotaReservationsTotal.WithLabelValues("insufficient").Inc()
		default:
			metrics.QuotaReservationsTotal.WithLabelValues("error").Inc()
		}
		c.logger.Warn("quota reserve rejected",
			slog.String("account_id", accountID),
			slog.String("task_id", taskID),
			slog.Int64("amount", amount),
			slog.Any("error", err),
		)
		return nil, err
	}

	metrics.QuotaReservationsTotal.WithLabelValues("reserved").Inc()
	c.logger.Info("quota reserved",
		slog.String("account_id", accountID),
		slog.String("task_id", taskID),
		slog.Int64("amount", amount),
	)
	return tx, nil
}

// Confirm finalizes the task's reservation. Calling it when no
// reserved transaction exists is a no-op, which keeps the saga
// correct under at-least-once retry semantics.
func (c *Coordinator) Confirm(ctx context.Context, taskID string) error {
	_, err := c.ledger.Confirm(ctx, taskID)
	if errors.Is(err, ErrNoReservation) {
		metrics.QuotaFinalizationsTotal.WithLabelValues("confirmed", "noop").Inc()
		return nil
	}
	if err != nil {
		metrics.QuotaFinalizationsTotal.WithLabelValues("confirmed", "error").Inc()
		return fmt.Errorf("confirm quota for task %s: %w", taskID, err)
	}

	metrics.QuotaFinalizationsTotal.WithLabelValues("confirmed", "applied").Inc()
	c.logger.Info("quota confirmed", slog.String("task_id", taskID))
	return nil
}

// Cancel refunds the task's reservation. Like Confirm it tolerates
// being invoked zero, one, or many times with identical net effect.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	tx, err := c.ledger.Cancel(ctx, taskID)
	if errors.Is(err, ErrNoReservation) {
		metrics.QuotaFinalizationsTotal.WithLabelValues("cancelled", "noop").Inc()
		return nil
	}
	if err != nil {
		metrics.QuotaFinalizationsTotal.WithLabelValues("cancelled", "error").Inc()
		return fmt.Errorf("cancel quota for task %s: %w", taskID, err)
	}

	metrics.QuotaFinalizationsTotal.WithLabelValues("cancelled", "applied").Inc()
	c.logger.Info("quota refunded",
		slog.String("task_id", taskID),
		slog.String("account_id", tx.AccountID),
		slog.Int64("amount", tx.Amount),
	)
	return nil
}

// GetQuota returns the account's remaining balance.
func (c *Coordinator) GetQuota(ctx context.Context, accountID string) (*types.QuotaBalance, error) {
	return c.ledger.Balance(ctx, accountID)
}

// CheckQuota is a non-authoritative pre-flight check. A true result
// does not guarantee a later Reserve will succeed.
func (c *Coordinator) CheckQuota(ctx context.Context, accountID string, amount int64) (bool, error) {
	b, err := c.ledger.Balance(ctx, accountID)
	if errors.Is(err, ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.Active && b.Balance >= amount, nil
}

// GetTransaction returns the quota transaction recorded for a task.
func (c *Coordinator) GetTransaction(ctx context.Context, taskID string) (*types.QuotaTransaction, error) {
	return c.ledger.Transaction(ctx, taskID)
}

// Credit adds quota to an account.
func (c *Coordinator) Credit(ctx context.Context, accountID string, amount int64) (*types.QuotaBalance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return c.ledger.Credit(ctx, accountID, amount)
}

// RunReconciler periodically settles reservations whose task already
// reached a terminal status: Cancel for failed tasks, Confirm for
// succeeded ones. The engine's own Confirm/Cancel are best-effort;
// this sweep closes the window where persisting either failed at the
// worst moment. Blocks until ctx is done.
func (c *Coordinator) RunReconciler(ctx context.Context, interval, minAge time.Duration) {
	if c.taskStatus == nil {
		c.logger.Warn("quota reconciler disabled: no task status source")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileOnce(ctx, minAge)
		}
	}
}

func (c *Coordinator) reconcileOnce(ctx context.Context, minAge time.Duration) {
	cutoff := time.Now().UTC().Add(-minAge)
	leaked, err := c.ledger.ListReservedBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("quota reconciler list failed", "error", err)
		return
	}

	for _, tx := range leaked {
		status, err := c.taskStatus(ctx, tx.TaskID)
		if err != nil {
			c.logger.Warn("quota reconciler cannot resolve task",
				slog.String("task_id", tx.TaskID),
				slog.Any("error", err),
			)
			continue
		}
		var settle func(context.Context, string) error
		var action string
		switch status {
		case types.TaskStatusFailed:
			settle, action = c.Cancel, "cancelled"
		case types.TaskStatusSuccess:
			settle, action = c.Confirm, "confirmed"
		default:
			// Still running; leave the reservation alone.
			continue
		}
		if err := settle(ctx, tx.TaskID); err != nil {
			c.logger.Error("quota reconciler settle failed",
				slog.String("task_id", tx.TaskID),
				slog.String("action", action),
				slog.Any("error", err),
			)
			continue
		}
		metrics.QuotaReconciledTotal.Inc()
		c.logger.Info("quota reconciler settled leaked reservation",
			slog.String("task_id", tx.TaskID),
			slog.String("action", action),
			slog.String("account_id", tx.AccountID),
			slog.Int64("amount", tx.Amount),
		)
	}
}
