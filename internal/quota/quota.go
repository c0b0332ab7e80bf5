// Package quota provides the per-account quota ledger and the saga
// coordinator that guarantees a task's quota is debited exactly once.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tideflow-ai/tideflow/pkg/types"
)

// Common errors returned by Ledger implementations.
var (
	// ErrNotMember means the account has no active entitlement.
	ErrNotMember = errors.New("account has no active entitlement")

	// ErrNoReservation means no reserved transaction exists for the
	// task. Confirm and Cancel treat it as an idempotent no-op.
	ErrNoReservation = errors.New("no reserved transaction for task")

	// ErrTransactionExists means a transaction was already created
	// for the task ID. At most one ever exists per task.
	ErrTransactionExists = errors.New("transaction already exists for task")

	// ErrTransactionNotFound means no transaction exists for the task.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Machine-readable error codes surfaced to callers.
const (
	CodeNotMember         = "NOT_MEMBER"
	CodeQuotaInsufficient = "QUOTA_INSUFFICIENT"
)

// InsufficientError is returned by Reserve when the account balance
// cannot cover the requested amount.
type InsufficientError struct {
	AccountID string `json:"account_id"`
	Remaining int64  `json:"remaining"`
	Requested int64  `json:"requested"`
}

// Error implements the error interface.
func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient quota for account %s: remaining %d, requested %d",
		e.AccountID, e.Remaining, e.Requested)
}

// Code returns the machine-readable error code.
func (e *InsufficientError) Code() string { return CodeQuotaInsufficient }

// Ledger is the per-account quota balance plus its transaction log.
// Reserve is the only operation that decrements a balance, and every
// mutation is atomic within a single implementation-level transaction.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Reserve locks the account's quota row, verifies entitlement and
	// balance, decrements the balance, and records a reserved
	// transaction keyed by taskID. Fails with ErrNotMember, an
	// *InsufficientError, or ErrTransactionExists.
	Reserve(ctx context.Context, accountID, taskID string, amount int64) (*types.QuotaTransaction, error)

	// Confirm flips the task's reserved transaction to confirmed. The
	// balance does not change; the decrement already happened at
	// Reserve. Returns ErrNoReservation when there is nothing to do.
	Confirm(ctx context.Context, taskID string) (*types.QuotaTransaction, error)

	// Cancel atomically restores the reserved amount to the account
	// balance and flips the transaction to cancelled. Returns
	// ErrNoReservation when there is nothing to do.
	Cancel(ctx context.Context, taskID string) (*types.QuotaTransaction, error)

	// Balance returns the account's remaining quota. Returns
	// ErrNotMember for unknown accounts.
	Balance(ctx context.Context, accountID string) (*types.QuotaBalance, error)

	// Transaction returns the transaction for a task, regardless of
	// phase. Returns ErrTransactionNotFound when absent.
	Transaction(ctx context.Context, taskID string) (*types.QuotaTransaction, error)

	// ListReservedBefore returns transactions still in the reserved
	// phase that were created before the cutoff. Used by the
	// reconciliation sweep.
	ListReservedBefore(ctx context.Context, cutoff time.Time) ([]*types.QuotaTransaction, error)

	// Credit adds quota to an account, creating it with an active
	// entitlement if needed.
	Credit(ctx context.Context, accountID string, amount int64) (*types.QuotaBalance, error)

	// Close releases any resources.
	Close() error
}
